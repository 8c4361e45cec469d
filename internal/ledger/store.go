package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// SQLSTATE codes translated to sentinels.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const eventColumns = `id, agent_id, wallet_address, status, fee_deducted::text, credits_deducted::text,
	idempotency_key, created_at, updated_at`

const topUpColumns = `tx_hash, agent_id, wallet_address, status, amount_in_eth::text, credits_to_top_up::text,
	error_message, created_at, updated_at`

// Store is the Postgres ledger. Every balance mutation is a single guarded
// statement or shares a transaction with the status write it depends on.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new ledger store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EventByIdempotencyKey returns the event recorded for (agentID, key), or
// ErrNotFound.
func (s *Store) EventByIdempotencyKey(ctx context.Context, agentID, key string) (*UsageEvent, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM usage_events WHERE agent_id = $1 AND idempotency_key = $2`,
		agentID, key,
	))
	if err != nil {
		return nil, fmt.Errorf("getting event by idempotency key: %w", err)
	}
	return e, nil
}

// GetEvent returns a usage event by id, or ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, id string) (*UsageEvent, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM usage_events WHERE id = $1`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("getting event: %w", err)
	}
	return e, nil
}

// CountCaptured counts the wallet's CAPTURED events for the agent.
func (s *Store) CountCaptured(ctx context.Context, agentID, wallet string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM usage_events
		 WHERE agent_id = $1 AND wallet_address = $2 AND status = 'CAPTURED'`,
		agentID, wallet,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting captured events: %w", err)
	}
	return n, nil
}

// Hold debits the balance named by h.Currency, guarded by balance >= amount,
// and records a PENDING event in the same transaction. A missing or short
// balance yields ErrInsufficientFunds or ErrInsufficientCredits and nothing
// is written. A concurrent insert with the same idempotency key yields
// ErrDuplicateIdempotencyKey and the debit rolls back with it.
func (s *Store) Hold(ctx context.Context, h Hold) (*UsageEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning hold: %w", err)
	}
	defer tx.Rollback(ctx)

	var fee, credits *string
	if h.Currency != CurrencyNone {
		col, err := balanceColumn(h.Currency)
		if err != nil {
			return nil, err
		}
		amount := h.Amount.String()
		tag, err := tx.Exec(ctx,
			`UPDATE user_balances SET `+col+` = `+col+` - $1::numeric, updated_at = now()
			 WHERE wallet_address = $2 AND agent_id = $3 AND `+col+` >= $1::numeric`,
			amount, h.WalletAddress, h.AgentID,
		)
		if err != nil {
			return nil, fmt.Errorf("debiting balance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if h.Currency == CurrencyCredits {
				return nil, ErrInsufficientCredits
			}
			return nil, ErrInsufficientFunds
		}
		if h.Currency == CurrencyETH {
			fee = &amount
		} else {
			credits = &amount
		}
	}

	var key *string
	if h.IdempotencyKey != "" {
		key = &h.IdempotencyKey
	}

	e, err := scanEvent(tx.QueryRow(ctx,
		`INSERT INTO usage_events (agent_id, wallet_address, status, fee_deducted, credits_deducted, idempotency_key)
		 VALUES ($1, $2, 'PENDING', $3::numeric, $4::numeric, $5)
		 RETURNING `+eventColumns,
		h.AgentID, h.WalletAddress, fee, credits, key,
	))
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return nil, ErrDuplicateIdempotencyKey
		case isForeignKeyViolation(err):
			// The agent was deleted after it was loaded.
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("inserting usage event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateIdempotencyKey
		}
		return nil, fmt.Errorf("committing hold: %w", err)
	}
	return e, nil
}

// Capture moves a PENDING event to CAPTURED. Balances are not touched.
func (s *Store) Capture(ctx context.Context, id string) (*UsageEvent, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`UPDATE usage_events SET status = 'CAPTURED', updated_at = now()
		 WHERE id = $1 AND status = 'PENDING'
		 RETURNING `+eventColumns,
		id,
	))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrEventNotCapturable
		}
		return nil, fmt.Errorf("capturing event: %w", err)
	}
	return e, nil
}

// Release cancels a PENDING event and refunds exactly what it deducted, in
// one transaction.
func (s *Store) Release(ctx context.Context, id string) (*UsageEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning release: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := scanEvent(tx.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM usage_events
		 WHERE id = $1 AND status = 'PENDING'
		 FOR UPDATE`,
		id,
	))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrEventNotReleasable
		}
		return nil, fmt.Errorf("loading event for release: %w", err)
	}

	if cur, amount := e.Refund(); cur != CurrencyNone {
		if err := addBalance(ctx, tx, e.WalletAddress, e.AgentID, cur, amount); err != nil {
			return nil, fmt.Errorf("refunding balance: %w", err)
		}
	}

	released, err := scanEvent(tx.QueryRow(ctx,
		`UPDATE usage_events SET status = 'CANCELLED', updated_at = now()
		 WHERE id = $1 AND status = 'PENDING'
		 RETURNING `+eventColumns,
		id,
	))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrEventNotReleasable
		}
		return nil, fmt.Errorf("cancelling event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing release: %w", err)
	}
	return released, nil
}

// GetBalance returns the wallet's balance with the agent, zero when no row
// exists yet.
func (s *Store) GetBalance(ctx context.Context, agentID, wallet string) (*Balance, error) {
	b := &Balance{WalletAddress: wallet, AgentID: agentID}
	var eth, credits string
	err := s.pool.QueryRow(ctx,
		`SELECT eth_balance::text, credit_balance::text FROM user_balances
		 WHERE wallet_address = $1 AND agent_id = $2`,
		wallet, agentID,
	).Scan(&eth, &credits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			b.Eth, b.Credits = decimal.Zero, decimal.Zero
			return b, nil
		}
		return nil, fmt.Errorf("getting balance: %w", err)
	}
	if b.Eth, err = decimal.NewFromString(eth); err != nil {
		return nil, fmt.Errorf("parsing eth balance: %w", err)
	}
	if b.Credits, err = decimal.NewFromString(credits); err != nil {
		return nil, fmt.Errorf("parsing credit balance: %w", err)
	}
	return b, nil
}

// ListEvents returns a page of usage events ordered by created_at DESC, id
// DESC, and the cursor of the next page.
func (s *Store) ListEvents(ctx context.Context, q EventQuery) ([]*UsageEvent, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.AgentID != "" {
		add("agent_id = $%d", q.AgentID)
	}
	if q.WalletAddress != "" {
		add("wallet_address = $%d", q.WalletAddress)
	}
	if q.Status != "" {
		add("status = $%d", string(q.Status))
	}
	if q.Cursor != "" {
		ts, id, err := DecodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: invalid cursor", ErrInvalidInput)
		}
		args = append(args, ts, id)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + eventColumns + ` FROM usage_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing usage events: %w", err)
	}
	defer rows.Close()

	var events []*UsageEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning usage event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating usage events: %w", err)
	}

	var next string
	if len(events) > limit {
		last := events[limit-1]
		next = EncodeCursor(last.CreatedAt, last.ID)
		events = events[:limit]
	}
	return events, next, nil
}

// CreateTopUp inserts a PENDING top-up. The tx hash is the primary key, so a
// second submission of the same hash yields ErrDuplicateTopUp.
func (s *Store) CreateTopUp(ctx context.Context, t TopUp) (*TopUp, error) {
	var credits *string
	if t.CreditsToTopUp != nil {
		c := t.CreditsToTopUp.String()
		credits = &c
	}
	out, err := scanTopUp(s.pool.QueryRow(ctx,
		`INSERT INTO topup_transactions (tx_hash, agent_id, wallet_address, status, amount_in_eth, credits_to_top_up)
		 VALUES ($1, $2, $3, 'PENDING', $4::numeric, $5::numeric)
		 RETURNING `+topUpColumns,
		t.TxHash, t.AgentID, t.WalletAddress, t.AmountInEth.String(), credits,
	))
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return nil, ErrDuplicateTopUp
		case isForeignKeyViolation(err):
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("creating top-up: %w", err)
	}
	return out, nil
}

// GetTopUp returns a top-up by tx hash, or ErrNotFound.
func (s *Store) GetTopUp(ctx context.Context, txHash string) (*TopUp, error) {
	t, err := scanTopUp(s.pool.QueryRow(ctx,
		`SELECT `+topUpColumns+` FROM topup_transactions WHERE tx_hash = $1`, txHash,
	))
	if err != nil {
		return nil, fmt.Errorf("getting top-up: %w", err)
	}
	return t, nil
}

// ConfirmTopUp marks a PENDING top-up CONFIRMED and adds amount to the
// wallet's balance in one transaction. It reports false, with no effect,
// when the top-up is no longer PENDING.
func (s *Store) ConfirmTopUp(ctx context.Context, txHash string, cur Currency, amount decimal.Decimal) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning confirmation: %w", err)
	}
	defer tx.Rollback(ctx)

	var wallet, agentID string
	err = tx.QueryRow(ctx,
		`UPDATE topup_transactions SET status = 'CONFIRMED', error_message = NULL, updated_at = now()
		 WHERE tx_hash = $1 AND status = 'PENDING'
		 RETURNING wallet_address, agent_id`,
		txHash,
	).Scan(&wallet, &agentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("marking top-up confirmed: %w", err)
	}

	if err := addBalance(ctx, tx, wallet, agentID, cur, amount); err != nil {
		return false, fmt.Errorf("crediting balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing confirmation: %w", err)
	}
	return true, nil
}

// FailTopUp marks a PENDING top-up FAILED with a diagnostic message. It
// reports false when the top-up is no longer PENDING.
func (s *Store) FailTopUp(ctx context.Context, txHash, message string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE topup_transactions SET status = 'FAILED', error_message = $2, updated_at = now()
		 WHERE tx_hash = $1 AND status = 'PENDING'`,
		txHash, message,
	)
	if err != nil {
		return false, fmt.Errorf("marking top-up failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListTopUps returns a page of top-ups ordered by created_at DESC, tx_hash
// DESC, and the cursor of the next page.
func (s *Store) ListTopUps(ctx context.Context, q TopUpQuery) ([]*TopUp, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var conds []string
	var args []any
	if q.AgentID != "" {
		args = append(args, q.AgentID)
		conds = append(conds, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.Cursor != "" {
		ts, hash, err := DecodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: invalid cursor", ErrInvalidInput)
		}
		args = append(args, ts, hash)
		conds = append(conds, fmt.Sprintf("(created_at, tx_hash) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + topUpColumns + ` FROM topup_transactions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, tx_hash DESC LIMIT $%d", len(args))

	topUps, err := s.queryTopUps(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}

	var next string
	if len(topUps) > limit {
		last := topUps[limit-1]
		next = EncodeCursor(last.CreatedAt, last.TxHash)
		topUps = topUps[:limit]
	}
	return topUps, next, nil
}

// ListPendingTopUps returns every PENDING top-up, oldest first.
func (s *Store) ListPendingTopUps(ctx context.Context) ([]*TopUp, error) {
	return s.queryTopUps(ctx,
		`SELECT `+topUpColumns+` FROM topup_transactions
		 WHERE status = 'PENDING' ORDER BY created_at ASC`)
}

func (s *Store) queryTopUps(ctx context.Context, query string, args ...any) ([]*TopUp, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing top-ups: %w", err)
	}
	defer rows.Close()

	var out []*TopUp
	for rows.Next() {
		t, err := scanTopUp(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning top-up: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating top-ups: %w", err)
	}
	return out, nil
}

// addBalance is the insert-or-add primitive: it creates the balance row with
// amount or adds amount to the existing row in one statement.
func addBalance(ctx context.Context, tx pgx.Tx, wallet, agentID string, cur Currency, amount decimal.Decimal) error {
	col, err := balanceColumn(cur)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO user_balances (wallet_address, agent_id, `+col+`)
		 VALUES ($1, $2, $3::numeric)
		 ON CONFLICT (wallet_address, agent_id)
		 DO UPDATE SET `+col+` = user_balances.`+col+` + EXCLUDED.`+col+`, updated_at = now()`,
		wallet, agentID, amount.String(),
	)
	return err
}

func balanceColumn(cur Currency) (string, error) {
	switch cur {
	case CurrencyETH:
		return "eth_balance", nil
	case CurrencyCredits:
		return "credit_balance", nil
	default:
		return "", fmt.Errorf("unknown currency %q", cur)
	}
}

func scanEvent(row pgx.Row) (*UsageEvent, error) {
	e := &UsageEvent{}
	var status string
	var fee, credits, key *string
	err := row.Scan(&e.ID, &e.AgentID, &e.WalletAddress, &status, &fee, &credits,
		&key, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.Status = EventStatus(status)
	if key != nil {
		e.IdempotencyKey = *key
	}
	if e.FeeDeducted, err = parseNullable(fee); err != nil {
		return nil, fmt.Errorf("parsing fee_deducted: %w", err)
	}
	if e.CreditsDeducted, err = parseNullable(credits); err != nil {
		return nil, fmt.Errorf("parsing credits_deducted: %w", err)
	}
	return e, nil
}

func scanTopUp(row pgx.Row) (*TopUp, error) {
	t := &TopUp{}
	var status, amount string
	var credits, msg *string
	err := row.Scan(&t.TxHash, &t.AgentID, &t.WalletAddress, &status, &amount, &credits,
		&msg, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Status = TopUpStatus(status)
	if msg != nil {
		t.ErrorMessage = *msg
	}
	if t.AmountInEth, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parsing amount_in_eth: %w", err)
	}
	if t.CreditsToTopUp, err = parseNullable(credits); err != nil {
		return nil, fmt.Errorf("parsing credits_to_top_up: %w", err)
	}
	return t, nil
}

func parseNullable(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}
