// Package usage implements the track/capture/release lifecycle of billable
// agent invocations.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alecgard/agentpay/internal/activity"
	"github.com/alecgard/agentpay/internal/agent"
	"github.com/alecgard/agentpay/internal/chain"
	"github.com/alecgard/agentpay/internal/fee"
	"github.com/alecgard/agentpay/internal/ledger"
)

const maxIdempotencyKeyLen = 255

// Store is the subset of the ledger the state machine needs.
type Store interface {
	EventByIdempotencyKey(ctx context.Context, agentID, key string) (*ledger.UsageEvent, error)
	GetEvent(ctx context.Context, id string) (*ledger.UsageEvent, error)
	CountCaptured(ctx context.Context, agentID, wallet string) (int64, error)
	Hold(ctx context.Context, h ledger.Hold) (*ledger.UsageEvent, error)
	Capture(ctx context.Context, id string) (*ledger.UsageEvent, error)
	Release(ctx context.Context, id string) (*ledger.UsageEvent, error)
	GetBalance(ctx context.Context, agentID, wallet string) (*ledger.Balance, error)
	ListEvents(ctx context.Context, q ledger.EventQuery) ([]*ledger.UsageEvent, string, error)
}

// AgentLookup loads an agent's fee configuration.
type AgentLookup interface {
	GetByID(ctx context.Context, id string) (*agent.Agent, error)
}

// Recorder receives activity entries. *activity.Collector implements it.
type Recorder interface {
	Record(e activity.Entry)
}

// Observer receives outcome counts. *metrics.Metrics implements it.
type Observer interface {
	IncTrack(outcome string)
	IncSettlement(op, outcome string)
}

// TrackInput is the request to place a hold for one invocation.
type TrackInput struct {
	AgentID         string           `json:"agentId"`
	WalletAddress   string           `json:"walletAddress"`
	IdempotencyKey  string           `json:"idempotencyKey,omitempty"`
	CreditsToDeduct *decimal.Decimal `json:"creditsToDeduct,omitempty"`
}

// Service runs the usage state machine against a ledger store.
type Service struct {
	store    Store
	agents   AgentLookup
	recorder Recorder
	observer Observer
}

// NewService creates a usage service.
func NewService(store Store, agents AgentLookup) *Service {
	return &Service{store: store, agents: agents}
}

// SetRecorder attaches an activity recorder.
func (s *Service) SetRecorder(r Recorder) {
	s.recorder = r
}

// SetObserver attaches a metrics observer.
func (s *Service) SetObserver(o Observer) {
	s.observer = o
}

// Track places a hold for one invocation and returns the event id. A
// repeated idempotency key returns the existing event's id without charging
// again, whatever that event's status.
func (s *Service) Track(ctx context.Context, in TrackInput) (string, error) {
	wallet, err := validateTrack(in)
	if err != nil {
		return "", err
	}

	if in.IdempotencyKey != "" {
		existing, err := s.store.EventByIdempotencyKey(ctx, in.AgentID, in.IdempotencyKey)
		switch {
		case err == nil:
			return s.replay(existing, wallet)
		case !errors.Is(err, ledger.ErrNotFound):
			return "", fmt.Errorf("checking idempotency key: %w", err)
		}
	}

	a, err := s.loadAgent(ctx, in.AgentID)
	if err != nil {
		return "", err
	}

	var prior int64
	if a.FeeModel.Type == agent.FeeModelFreeTier {
		if prior, err = s.store.CountCaptured(ctx, a.ID, wallet); err != nil {
			return "", fmt.Errorf("counting captured events: %w", err)
		}
	}

	decision, err := fee.Evaluate(a.FeeModel, prior, in.CreditsToDeduct)
	if err != nil {
		slog.Error("fee model misconfigured", "agent_id", a.ID, "error", err)
		s.incTrack("error")
		return "", err
	}

	h := ledger.Hold{
		AgentID:        a.ID,
		WalletAddress:  wallet,
		IdempotencyKey: in.IdempotencyKey,
		Amount:         decision.Amount,
	}
	switch decision.Kind {
	case fee.ChargeEth:
		h.Currency = ledger.CurrencyETH
	case fee.ChargeCredits:
		h.Currency = ledger.CurrencyCredits
	}

	e, err := s.store.Hold(ctx, h)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrDuplicateIdempotencyKey) && in.IdempotencyKey != "":
			// Lost the insert race; the winner's event is the answer.
			winner, rerr := s.store.EventByIdempotencyKey(ctx, a.ID, in.IdempotencyKey)
			if rerr != nil {
				return "", err
			}
			return s.replay(winner, wallet)
		case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrInsufficientCredits):
			// Postgres runs the debit guard before the keyed insert, so a
			// caller racing on the same key can find the balance already
			// spent by the winner.
			if in.IdempotencyKey != "" {
				if winner, rerr := s.store.EventByIdempotencyKey(ctx, a.ID, in.IdempotencyKey); rerr == nil {
					return s.replay(winner, wallet)
				}
			}
			s.incTrack("insufficient")
			return "", err
		case errors.Is(err, ledger.ErrAgentNotFound):
			return "", err
		}
		s.incTrack("error")
		return "", fmt.Errorf("placing hold: %w", err)
	}

	s.incTrack(decision.Kind.String())
	s.record(activity.Entry{
		AgentID:       e.AgentID,
		WalletAddress: e.WalletAddress,
		Kind:          activity.KindTrack,
		Reference:     e.ID,
		Amount:        decision.Amount,
		Currency:      string(h.Currency),
	})
	slog.Debug("usage tracked", "event_id", e.ID, "agent_id", e.AgentID, "charge", decision.Kind.String(), "amount", decision.Amount.String())
	return e.ID, nil
}

// replay answers a repeated idempotency key. The key must have been used
// by the same wallet.
func (s *Service) replay(e *ledger.UsageEvent, wallet string) (string, error) {
	if e.WalletAddress != wallet {
		s.incTrack("key_reused")
		return "", ledger.ErrIdempotencyKeyReused
	}
	s.incTrack("replay")
	return e.ID, nil
}

// Capture finalizes a PENDING event. Balances are not touched.
func (s *Service) Capture(ctx context.Context, eventID string) error {
	if _, err := uuid.Parse(eventID); err != nil {
		s.incSettlement("capture", "rejected")
		return ledger.ErrEventNotCapturable
	}
	e, err := s.store.Capture(ctx, eventID)
	if err != nil {
		if errors.Is(err, ledger.ErrEventNotCapturable) {
			s.incSettlement("capture", "rejected")
			return err
		}
		return fmt.Errorf("capturing event: %w", err)
	}

	s.incSettlement("capture", "ok")
	cur, amount := e.Refund()
	s.record(activity.Entry{
		AgentID:       e.AgentID,
		WalletAddress: e.WalletAddress,
		Kind:          activity.KindCapture,
		Reference:     e.ID,
		Amount:        amount,
		Currency:      string(cur),
	})
	return nil
}

// Release cancels a PENDING event and refunds what track deducted.
func (s *Service) Release(ctx context.Context, eventID string) error {
	if _, err := uuid.Parse(eventID); err != nil {
		s.incSettlement("release", "rejected")
		return ledger.ErrEventNotReleasable
	}
	e, err := s.store.Release(ctx, eventID)
	if err != nil {
		if errors.Is(err, ledger.ErrEventNotReleasable) {
			s.incSettlement("release", "rejected")
			return err
		}
		return fmt.Errorf("releasing event: %w", err)
	}

	s.incSettlement("release", "ok")
	cur, amount := e.Refund()
	s.record(activity.Entry{
		AgentID:       e.AgentID,
		WalletAddress: e.WalletAddress,
		Kind:          activity.KindRelease,
		Reference:     e.ID,
		Amount:        amount,
		Currency:      string(cur),
	})
	return nil
}

// GetBalance returns the wallet's balance with an agent, zero if it has
// never been funded.
func (s *Service) GetBalance(ctx context.Context, agentID, walletAddress string) (*ledger.Balance, error) {
	if _, err := uuid.Parse(agentID); err != nil {
		return nil, fmt.Errorf("%w: agentId must be a uuid", ledger.ErrInvalidInput)
	}
	wallet, err := chain.NormalizeAddress(walletAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: walletAddress: %v", ledger.ErrInvalidInput, err)
	}
	if _, err := s.loadAgent(ctx, agentID); err != nil {
		return nil, err
	}
	b, err := s.store.GetBalance(ctx, agentID, wallet)
	if err != nil {
		return nil, fmt.Errorf("getting balance: %w", err)
	}
	return b, nil
}

// GetEvent returns one of agentID's usage events. Ids that are not uuids,
// and events of other agents, are ErrNotFound.
func (s *Service) GetEvent(ctx context.Context, agentID, eventID string) (*ledger.UsageEvent, error) {
	if _, err := uuid.Parse(eventID); err != nil {
		return nil, ledger.ErrNotFound
	}
	e, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("getting event: %w", err)
	}
	if e.AgentID != agentID {
		return nil, ledger.ErrNotFound
	}
	return e, nil
}

// ListEvents pages through usage events. A wallet filter is normalised first.
func (s *Service) ListEvents(ctx context.Context, q ledger.EventQuery) ([]*ledger.UsageEvent, string, error) {
	if q.WalletAddress != "" {
		wallet, err := chain.NormalizeAddress(q.WalletAddress)
		if err != nil {
			return nil, "", fmt.Errorf("%w: walletAddress: %v", ledger.ErrInvalidInput, err)
		}
		q.WalletAddress = wallet
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, "", fmt.Errorf("%w: unknown status %q", ledger.ErrInvalidInput, q.Status)
	}
	return s.store.ListEvents(ctx, q)
}

func (s *Service) loadAgent(ctx context.Context, id string) (*agent.Agent, error) {
	a, err := s.agents.GetByID(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrNotFound):
			return nil, ledger.ErrAgentNotFound
		case errors.Is(err, agent.ErrFeeModelMismatch):
			slog.Error("stored fee model does not match its type", "agent_id", id, "error", err)
		}
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	return a, nil
}

// validateTrack rejects malformed input before any store access and returns
// the checksummed wallet address.
func validateTrack(in TrackInput) (string, error) {
	if in.AgentID == "" {
		return "", fmt.Errorf("%w: agentId is required", ledger.ErrInvalidInput)
	}
	if _, err := uuid.Parse(in.AgentID); err != nil {
		return "", fmt.Errorf("%w: agentId must be a uuid", ledger.ErrInvalidInput)
	}
	if in.WalletAddress == "" {
		return "", fmt.Errorf("%w: walletAddress is required", ledger.ErrInvalidInput)
	}
	wallet, err := chain.NormalizeAddress(in.WalletAddress)
	if err != nil {
		return "", fmt.Errorf("%w: walletAddress: %v", ledger.ErrInvalidInput, err)
	}
	if len(in.IdempotencyKey) > maxIdempotencyKeyLen {
		return "", fmt.Errorf("%w: idempotencyKey exceeds %d characters", ledger.ErrInvalidInput, maxIdempotencyKeyLen)
	}
	if c := in.CreditsToDeduct; c != nil {
		if !c.IsPositive() {
			return "", fmt.Errorf("%w: creditsToDeduct must be a positive whole number", ledger.ErrInvalidInput)
		}
		if err := chain.CheckCredits(*c); err != nil {
			return "", fmt.Errorf("%w: creditsToDeduct: %v", ledger.ErrInvalidInput, err)
		}
	}
	return wallet, nil
}

func (s *Service) record(e activity.Entry) {
	if s.recorder != nil {
		s.recorder.Record(e)
	}
}

func (s *Service) incTrack(outcome string) {
	if s.observer != nil {
		s.observer.IncTrack(outcome)
	}
}

func (s *Service) incSettlement(op, outcome string) {
	if s.observer != nil {
		s.observer.IncSettlement(op, outcome)
	}
}
