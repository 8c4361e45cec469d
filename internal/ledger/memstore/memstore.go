// Package memstore is an in-memory implementation of the agent, ledger and
// activity stores. Every operation runs under one mutex, so each call is
// atomic in the same way the Postgres statements and transactions are.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alecgard/agentpay/internal/activity"
	"github.com/alecgard/agentpay/internal/agent"
	"github.com/alecgard/agentpay/internal/ledger"
)

type balanceKey struct {
	wallet  string
	agentID string
}

type idemKey struct {
	agentID string
	key     string
}

// Store holds all state in maps guarded by mu.
type Store struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time

	agents   map[string]*agent.Agent
	balances map[balanceKey]*ledger.Balance
	events   map[string]*ledger.UsageEvent
	keys     map[idemKey]string
	topUps   map[string]*ledger.TopUp
	activity []activity.Entry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:      time.Now,
		agents:   make(map[string]*agent.Agent),
		balances: make(map[balanceKey]*ledger.Balance),
		events:   make(map[string]*ledger.UsageEvent),
		keys:     make(map[idemKey]string),
		topUps:   make(map[string]*ledger.TopUp),
	}
}

// stamp returns a strictly increasing timestamp so list order is stable.
// Callers must hold mu.
func (s *Store) stamp() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// --- agents ---

// Create validates the fee model and stores a new agent.
func (s *Store) Create(_ context.Context, in agent.CreateAgentInput) (*agent.Agent, error) {
	if err := in.FeeModel.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.stamp()
	a := &agent.Agent{
		ID:            uuid.NewString(),
		OwnerID:       in.OwnerID,
		Name:          in.Name,
		Description:   in.Description,
		PayoutAddress: in.PayoutAddress,
		FeeModel:      in.FeeModel,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.agents[a.ID] = a
	return copyAgent(a), nil
}

// GetByID returns an agent regardless of owner.
func (s *Store) GetByID(_ context.Context, id string) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, agent.ErrNotFound
	}
	return copyAgent(a), nil
}

// GetForOwner returns an agent only if ownerID owns it.
func (s *Store) GetForOwner(_ context.Context, ownerID, id string) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok || a.OwnerID != ownerID {
		return nil, agent.ErrNotFound
	}
	return copyAgent(a), nil
}

// List pages through an owner's agents, newest first.
func (s *Store) List(_ context.Context, params agent.AgentListParams) ([]*agent.Agent, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	var curT time.Time
	var curID string
	if params.Cursor != "" {
		var err error
		if curT, curID, err = agent.DecodeCursor(params.Cursor); err != nil {
			return nil, "", err
		}
	}

	s.mu.Lock()
	var out []*agent.Agent
	for _, a := range s.agents {
		if a.OwnerID != params.OwnerID {
			continue
		}
		if params.Cursor != "" && !ledger.Before(a.CreatedAt, a.ID, curT, curID) {
			continue
		}
		out = append(out, copyAgent(a))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return ledger.Before(out[j].CreatedAt, out[j].ID, out[i].CreatedAt, out[i].ID)
	})

	var next string
	if len(out) > limit {
		last := out[limit-1]
		next = agent.EncodeCursor(last.CreatedAt, last.ID)
		out = out[:limit]
	}
	return out, next, nil
}

// Update applies a partial update to the owner's agent.
func (s *Store) Update(_ context.Context, ownerID, id string, in agent.UpdateAgentInput) (*agent.Agent, error) {
	if in.FeeModel != nil {
		if err := in.FeeModel.Validate(); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok || a.OwnerID != ownerID {
		return nil, agent.ErrNotFound
	}
	if in.Name != nil {
		a.Name = *in.Name
	}
	if in.Description != nil {
		a.Description = *in.Description
	}
	if in.PayoutAddress != nil {
		a.PayoutAddress = *in.PayoutAddress
	}
	if in.FeeModel != nil {
		a.FeeModel = *in.FeeModel
	}
	a.UpdatedAt = s.stamp()
	return copyAgent(a), nil
}

// Delete removes the owner's agent with its events, balances and top-ups.
func (s *Store) Delete(_ context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok || a.OwnerID != ownerID {
		return agent.ErrNotFound
	}
	for eid, e := range s.events {
		if e.AgentID == id {
			delete(s.events, eid)
		}
	}
	for k := range s.keys {
		if k.agentID == id {
			delete(s.keys, k)
		}
	}
	for k := range s.balances {
		if k.agentID == id {
			delete(s.balances, k)
		}
	}
	for h, t := range s.topUps {
		if t.AgentID == id {
			delete(s.topUps, h)
		}
	}
	delete(s.agents, id)
	return nil
}

// --- usage events ---

// EventByIdempotencyKey returns the event recorded for (agentID, key).
func (s *Store) EventByIdempotencyKey(_ context.Context, agentID, key string) (*ledger.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keys[idemKey{agentID, key}]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return copyEvent(s.events[id]), nil
}

// GetEvent returns a usage event by id.
func (s *Store) GetEvent(_ context.Context, id string) (*ledger.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return copyEvent(e), nil
}

// CountCaptured counts the wallet's CAPTURED events for the agent.
func (s *Store) CountCaptured(_ context.Context, agentID, wallet string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.events {
		if e.AgentID == agentID && e.WalletAddress == wallet && e.Status == ledger.StatusCaptured {
			n++
		}
	}
	return n, nil
}

// Hold checks the idempotency key, debits the balance and records a PENDING
// event as one step.
func (s *Store) Hold(_ context.Context, h ledger.Hold) (*ledger.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[h.AgentID]; !ok {
		return nil, ledger.ErrAgentNotFound
	}
	if h.IdempotencyKey != "" {
		if _, taken := s.keys[idemKey{h.AgentID, h.IdempotencyKey}]; taken {
			return nil, ledger.ErrDuplicateIdempotencyKey
		}
	}

	now := s.stamp()
	e := &ledger.UsageEvent{
		ID:             uuid.NewString(),
		AgentID:        h.AgentID,
		WalletAddress:  h.WalletAddress,
		Status:         ledger.StatusPending,
		IdempotencyKey: h.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if h.Currency != ledger.CurrencyNone {
		b, ok := s.balances[balanceKey{h.WalletAddress, h.AgentID}]
		switch h.Currency {
		case ledger.CurrencyETH:
			if !ok || b.Eth.LessThan(h.Amount) {
				return nil, ledger.ErrInsufficientFunds
			}
			b.Eth = b.Eth.Sub(h.Amount)
			amt := h.Amount
			e.FeeDeducted = &amt
		case ledger.CurrencyCredits:
			if !ok || b.Credits.LessThan(h.Amount) {
				return nil, ledger.ErrInsufficientCredits
			}
			b.Credits = b.Credits.Sub(h.Amount)
			amt := h.Amount
			e.CreditsDeducted = &amt
		default:
			return nil, errUnknownCurrency(h.Currency)
		}
	}

	s.events[e.ID] = e
	if h.IdempotencyKey != "" {
		s.keys[idemKey{h.AgentID, h.IdempotencyKey}] = e.ID
	}
	return copyEvent(e), nil
}

// Capture moves a PENDING event to CAPTURED.
func (s *Store) Capture(_ context.Context, id string) (*ledger.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok || e.Status != ledger.StatusPending {
		return nil, ledger.ErrEventNotCapturable
	}
	e.Status = ledger.StatusCaptured
	e.UpdatedAt = s.stamp()
	return copyEvent(e), nil
}

// Release cancels a PENDING event and refunds its deduction.
func (s *Store) Release(_ context.Context, id string) (*ledger.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok || e.Status != ledger.StatusPending {
		return nil, ledger.ErrEventNotReleasable
	}
	if cur, amount := e.Refund(); cur != ledger.CurrencyNone {
		if err := s.addBalance(e.WalletAddress, e.AgentID, cur, amount); err != nil {
			return nil, err
		}
	}
	e.Status = ledger.StatusCancelled
	e.UpdatedAt = s.stamp()
	return copyEvent(e), nil
}

// GetBalance returns the wallet's balance, zero if none exists.
func (s *Store) GetBalance(_ context.Context, agentID, wallet string) (*ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[balanceKey{wallet, agentID}]
	if !ok {
		return &ledger.Balance{WalletAddress: wallet, AgentID: agentID, Eth: decimal.Zero, Credits: decimal.Zero}, nil
	}
	cp := *b
	return &cp, nil
}

// ListEvents pages through usage events, newest first.
func (s *Store) ListEvents(_ context.Context, q ledger.EventQuery) ([]*ledger.UsageEvent, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var curT time.Time
	var curID string
	if q.Cursor != "" {
		var err error
		if curT, curID, err = ledger.DecodeCursor(q.Cursor); err != nil {
			return nil, "", ledger.ErrInvalidInput
		}
	}

	s.mu.Lock()
	var out []*ledger.UsageEvent
	for _, e := range s.events {
		if q.AgentID != "" && e.AgentID != q.AgentID {
			continue
		}
		if q.WalletAddress != "" && e.WalletAddress != q.WalletAddress {
			continue
		}
		if q.Status != "" && e.Status != q.Status {
			continue
		}
		if q.Cursor != "" && !ledger.Before(e.CreatedAt, e.ID, curT, curID) {
			continue
		}
		out = append(out, copyEvent(e))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return ledger.Before(out[j].CreatedAt, out[j].ID, out[i].CreatedAt, out[i].ID)
	})

	var next string
	if len(out) > limit {
		last := out[limit-1]
		next = ledger.EncodeCursor(last.CreatedAt, last.ID)
		out = out[:limit]
	}
	return out, next, nil
}

// --- top-ups ---

// CreateTopUp inserts a PENDING top-up keyed by its tx hash.
func (s *Store) CreateTopUp(_ context.Context, t ledger.TopUp) (*ledger.TopUp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.topUps[t.TxHash]; exists {
		return nil, ledger.ErrDuplicateTopUp
	}
	if _, ok := s.agents[t.AgentID]; !ok {
		return nil, ledger.ErrAgentNotFound
	}
	now := s.stamp()
	if t.CreditsToTopUp != nil {
		v := *t.CreditsToTopUp
		t.CreditsToTopUp = &v
	}
	t.Status = ledger.TopUpPending
	t.ErrorMessage = ""
	t.CreatedAt, t.UpdatedAt = now, now
	s.topUps[t.TxHash] = &t
	return copyTopUp(&t), nil
}

// GetTopUp returns a top-up by tx hash.
func (s *Store) GetTopUp(_ context.Context, txHash string) (*ledger.TopUp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topUps[txHash]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return copyTopUp(t), nil
}

// ConfirmTopUp marks a PENDING top-up CONFIRMED and credits the balance. It
// reports false when the top-up is no longer PENDING.
func (s *Store) ConfirmTopUp(_ context.Context, txHash string, cur ledger.Currency, amount decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topUps[txHash]
	if !ok || t.Status != ledger.TopUpPending {
		return false, nil
	}
	if err := s.addBalance(t.WalletAddress, t.AgentID, cur, amount); err != nil {
		return false, err
	}
	t.Status = ledger.TopUpConfirmed
	t.ErrorMessage = ""
	t.UpdatedAt = s.stamp()
	return true, nil
}

// FailTopUp marks a PENDING top-up FAILED.
func (s *Store) FailTopUp(_ context.Context, txHash, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topUps[txHash]
	if !ok || t.Status != ledger.TopUpPending {
		return false, nil
	}
	t.Status = ledger.TopUpFailed
	t.ErrorMessage = message
	t.UpdatedAt = s.stamp()
	return true, nil
}

// ListTopUps pages through top-ups, newest first.
func (s *Store) ListTopUps(_ context.Context, q ledger.TopUpQuery) ([]*ledger.TopUp, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var curT time.Time
	var curKey string
	if q.Cursor != "" {
		var err error
		if curT, curKey, err = ledger.DecodeCursor(q.Cursor); err != nil {
			return nil, "", ledger.ErrInvalidInput
		}
	}

	s.mu.Lock()
	var out []*ledger.TopUp
	for _, t := range s.topUps {
		if q.AgentID != "" && t.AgentID != q.AgentID {
			continue
		}
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		if q.Cursor != "" && !ledger.Before(t.CreatedAt, t.TxHash, curT, curKey) {
			continue
		}
		out = append(out, copyTopUp(t))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return ledger.Before(out[j].CreatedAt, out[j].TxHash, out[i].CreatedAt, out[i].TxHash)
	})

	var next string
	if len(out) > limit {
		last := out[limit-1]
		next = ledger.EncodeCursor(last.CreatedAt, last.TxHash)
		out = out[:limit]
	}
	return out, next, nil
}

// ListPendingTopUps returns every PENDING top-up, oldest first.
func (s *Store) ListPendingTopUps(_ context.Context) ([]*ledger.TopUp, error) {
	s.mu.Lock()
	var out []*ledger.TopUp
	for _, t := range s.topUps {
		if t.Status == ledger.TopUpPending {
			out = append(out, copyTopUp(t))
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- activity ---

// BatchInsert appends activity entries, assigning ids.
func (s *Store) BatchInsert(_ context.Context, entries []activity.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		e.ID = uuid.NewString()
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.stamp()
		}
		s.activity = append(s.activity, e)
	}
	return nil
}

// ListActivity pages through an agent's activity entries, newest first.
func (s *Store) ListActivity(_ context.Context, q activity.Query) ([]*activity.Entry, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var curT time.Time
	var curID string
	if q.Cursor != "" {
		var err error
		if curT, curID, err = ledger.DecodeCursor(q.Cursor); err != nil {
			return nil, "", ledger.ErrInvalidInput
		}
	}

	s.mu.Lock()
	var out []*activity.Entry
	for i := range s.activity {
		e := s.activity[i]
		if e.AgentID != q.AgentID {
			continue
		}
		if q.Kind != "" && e.Kind != q.Kind {
			continue
		}
		if q.Cursor != "" && !ledger.Before(e.CreatedAt, e.ID, curT, curID) {
			continue
		}
		out = append(out, &e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return ledger.Before(out[j].CreatedAt, out[j].ID, out[i].CreatedAt, out[i].ID)
	})

	var next string
	if len(out) > limit {
		last := out[limit-1]
		next = ledger.EncodeCursor(last.CreatedAt, last.ID)
		out = out[:limit]
	}
	return out, next, nil
}

// addBalance is the insert-or-add primitive. Callers must hold mu.
func (s *Store) addBalance(wallet, agentID string, cur ledger.Currency, amount decimal.Decimal) error {
	k := balanceKey{wallet, agentID}
	b, ok := s.balances[k]
	if !ok {
		b = &ledger.Balance{WalletAddress: wallet, AgentID: agentID, Eth: decimal.Zero, Credits: decimal.Zero}
		s.balances[k] = b
	}
	switch cur {
	case ledger.CurrencyETH:
		b.Eth = b.Eth.Add(amount)
	case ledger.CurrencyCredits:
		b.Credits = b.Credits.Add(amount)
	default:
		return errUnknownCurrency(cur)
	}
	return nil
}

func copyAgent(a *agent.Agent) *agent.Agent {
	cp := *a
	if a.FeeModel.FreeTier != nil {
		ft := *a.FeeModel.FreeTier
		cp.FeeModel.FreeTier = &ft
	}
	if a.FeeModel.Credits != nil {
		cc := *a.FeeModel.Credits
		cc.TopUpOptions = append([]agent.CreditTier(nil), a.FeeModel.Credits.TopUpOptions...)
		cp.FeeModel.Credits = &cc
	}
	return &cp
}

func copyEvent(e *ledger.UsageEvent) *ledger.UsageEvent {
	cp := *e
	if e.FeeDeducted != nil {
		v := *e.FeeDeducted
		cp.FeeDeducted = &v
	}
	if e.CreditsDeducted != nil {
		v := *e.CreditsDeducted
		cp.CreditsDeducted = &v
	}
	return &cp
}

func copyTopUp(t *ledger.TopUp) *ledger.TopUp {
	cp := *t
	if t.CreditsToTopUp != nil {
		v := *t.CreditsToTopUp
		cp.CreditsToTopUp = &v
	}
	return &cp
}

func errUnknownCurrency(c ledger.Currency) error {
	return fmt.Errorf("unknown currency %q", c)
}
