package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const agentColumns = `id, owner_id, name, description, payout_address, fee_model_type, fee_model_config, created_at, updated_at`

// Store provides database operations for agents.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new agent store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create validates the fee model and inserts a new agent.
func (s *Store) Create(ctx context.Context, in CreateAgentInput) (*Agent, error) {
	if err := in.FeeModel.Validate(); err != nil {
		return nil, err
	}
	cfg, err := in.FeeModel.ConfigJSON()
	if err != nil {
		return nil, err
	}

	a, err := scanAgent(s.pool.QueryRow(ctx,
		`INSERT INTO agents (owner_id, name, description, payout_address, fee_model_type, fee_model_config)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+agentColumns,
		in.OwnerID, in.Name, in.Description, in.PayoutAddress, string(in.FeeModel.Type), cfg,
	))
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	return a, nil
}

// GetByID retrieves an agent by its primary key regardless of owner.
func (s *Store) GetByID(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("getting agent by id: %w", err)
	}
	return a, nil
}

// GetForOwner retrieves an agent only if it belongs to ownerID.
func (s *Store) GetForOwner(ctx context.Context, ownerID, id string) (*Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND owner_id = $2`, id, ownerID,
	))
	if err != nil {
		return nil, fmt.Errorf("getting agent for owner: %w", err)
	}
	return a, nil
}

// List returns a page of the owner's agents ordered by created_at DESC, id
// DESC. It returns the agents, the next cursor (empty if no more results),
// and any error.
func (s *Store) List(ctx context.Context, params AgentListParams) ([]*Agent, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	var rows pgx.Rows
	var err error

	if params.Cursor != "" {
		cursorTime, cursorID, cerr := DecodeCursor(params.Cursor)
		if cerr != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", cerr)
		}
		rows, err = s.pool.Query(ctx,
			`SELECT `+agentColumns+`
			 FROM agents
			 WHERE owner_id = $1 AND (created_at, id) < ($2, $3)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $4`,
			params.OwnerID, cursorTime, cursorID, limit+1,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+agentColumns+`
			 FROM agents
			 WHERE owner_id = $1
			 ORDER BY created_at DESC, id DESC
			 LIMIT $2`,
			params.OwnerID, limit+1,
		)
	}
	if err != nil {
		return nil, "", fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating agent rows: %w", err)
	}

	var nextCursor string
	if len(agents) > limit {
		last := agents[limit-1]
		nextCursor = EncodeCursor(last.CreatedAt, last.ID)
		agents = agents[:limit]
	}

	return agents, nextCursor, nil
}

// Update performs a partial update on the owner's agent and returns the
// updated record. A replacement fee model is validated before it is written.
func (s *Store) Update(ctx context.Context, ownerID, id string, in UpdateAgentInput) (*Agent, error) {
	var setClauses []string
	var args []any
	argIdx := 1

	if in.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argIdx))
		args = append(args, *in.Name)
		argIdx++
	}
	if in.Description != nil {
		setClauses = append(setClauses, fmt.Sprintf("description = $%d", argIdx))
		args = append(args, *in.Description)
		argIdx++
	}
	if in.PayoutAddress != nil {
		setClauses = append(setClauses, fmt.Sprintf("payout_address = $%d", argIdx))
		args = append(args, *in.PayoutAddress)
		argIdx++
	}
	if in.FeeModel != nil {
		if err := in.FeeModel.Validate(); err != nil {
			return nil, err
		}
		cfg, err := in.FeeModel.ConfigJSON()
		if err != nil {
			return nil, err
		}
		setClauses = append(setClauses,
			fmt.Sprintf("fee_model_type = $%d", argIdx),
			fmt.Sprintf("fee_model_config = $%d", argIdx+1),
		)
		args = append(args, string(in.FeeModel.Type), cfg)
		argIdx += 2
	}

	if len(setClauses) == 0 {
		return s.GetForOwner(ctx, ownerID, id)
	}

	setClauses = append(setClauses, "updated_at = now()")
	args = append(args, id, ownerID)
	query := fmt.Sprintf(
		`UPDATE agents SET %s WHERE id = $%d AND owner_id = $%d
		 RETURNING `+agentColumns,
		strings.Join(setClauses, ", "), argIdx, argIdx+1,
	)

	a, err := scanAgent(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("updating agent: %w", err)
	}
	return a, nil
}

// Delete removes the owner's agent together with its usage events and user
// balances in a single transaction. Top-up history is left to the database's
// foreign key.
func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning agent delete: %w", err)
	}
	defer tx.Rollback(ctx)

	var found bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1 AND owner_id = $2)`, id, ownerID,
	).Scan(&found); err != nil {
		return fmt.Errorf("checking agent ownership: %w", err)
	}
	if !found {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM usage_events WHERE agent_id = $1`, id); err != nil {
		return fmt.Errorf("deleting usage events: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM user_balances WHERE agent_id = $1`, id); err != nil {
		return fmt.Errorf("deleting user balances: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	return tx.Commit(ctx)
}

// scanAgent reads one agent row and re-validates its fee model.
func scanAgent(row pgx.Row) (*Agent, error) {
	a := &Agent{}
	var feeType string
	var feeConfig []byte
	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Description, &a.PayoutAddress,
		&feeType, &feeConfig, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	model, err := ParseFeeModel(FeeModelType(feeType), feeConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: agent %s: %v", ErrFeeModelMismatch, a.ID, err)
	}
	a.FeeModel = model
	return a, nil
}

// EncodeCursor produces a base64 string from a created_at timestamp and id.
func EncodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.Format(time.RFC3339Nano) + "|" + id
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a base64 cursor back into its created_at and id parts.
func DecodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor base64: %w", err)
	}

	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}

	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor time: %w", err)
	}

	return t, parts[1], nil
}
