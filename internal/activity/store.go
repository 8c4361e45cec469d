package activity

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alecgard/agentpay/internal/ledger"
)

// Store persists activity entries in the ledger_activity table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes entries in a single multi-row INSERT. It is a no-op
// when entries is empty.
func (s *Store) BatchInsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	const cols = 8
	args := make([]any, 0, len(entries)*cols)
	rows := make([]string, 0, len(entries))

	for i, e := range entries {
		base := i * cols
		rows = append(rows, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d::numeric, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			e.AgentID,
			e.WalletAddress,
			string(e.Kind),
			e.Reference,
			e.Amount.String(),
			e.Currency,
			e.Detail,
			e.CreatedAt,
		)
	}

	query := `INSERT INTO ledger_activity
		(agent_id, wallet_address, kind, reference, amount, currency, detail, created_at)
		VALUES ` + strings.Join(rows, ", ")

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting activity: %w", err)
	}
	return nil
}

// ListActivity returns a page of an agent's entries ordered by created_at DESC, id
// DESC, and the cursor of the next page.
func (s *Store) ListActivity(ctx context.Context, q Query) ([]*Entry, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	args := []any{q.AgentID}
	where := " WHERE agent_id = $1"
	if q.Kind != "" {
		args = append(args, string(q.Kind))
		where += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if q.Cursor != "" {
		ts, id, err := ledger.DecodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: invalid cursor", ledger.ErrInvalidInput)
		}
		args = append(args, ts, id)
		where += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, wallet_address, kind, reference, amount::text, currency, detail, created_at
		 FROM ledger_activity`+where+
			fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args)),
		args...,
	)
	if err != nil {
		return nil, "", fmt.Errorf("listing activity: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var kind, amount string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.WalletAddress, &kind, &e.Reference,
			&amount, &e.Currency, &e.Detail, &e.CreatedAt); err != nil {
			return nil, "", fmt.Errorf("scanning activity row: %w", err)
		}
		e.Kind = Kind(kind)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, "", fmt.Errorf("parsing activity amount: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating activity rows: %w", err)
	}

	var next string
	if len(entries) > limit {
		last := entries[limit-1]
		next = ledger.EncodeCursor(last.CreatedAt, last.ID)
		entries = entries[:limit]
	}
	return entries, next, nil
}
