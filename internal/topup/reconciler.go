// Package topup records on-chain deposits and credits the ledger once they
// are confirmed.
package topup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alecgard/agentpay/internal/activity"
	"github.com/alecgard/agentpay/internal/agent"
	"github.com/alecgard/agentpay/internal/chain"
	"github.com/alecgard/agentpay/internal/ledger"
)

// StatusPendingConfirmation is returned to callers once a top-up is recorded.
const StatusPendingConfirmation = "PENDING_CONFIRMATION"

// DefaultConfirmationDelay stands in for waiting on chain finality.
const DefaultConfirmationDelay = 5 * time.Second

// Store is the subset of the ledger the reconciler needs.
type Store interface {
	CreateTopUp(ctx context.Context, t ledger.TopUp) (*ledger.TopUp, error)
	GetTopUp(ctx context.Context, txHash string) (*ledger.TopUp, error)
	ConfirmTopUp(ctx context.Context, txHash string, cur ledger.Currency, amount decimal.Decimal) (bool, error)
	FailTopUp(ctx context.Context, txHash, message string) (bool, error)
	ListTopUps(ctx context.Context, q ledger.TopUpQuery) ([]*ledger.TopUp, string, error)
	ListPendingTopUps(ctx context.Context) ([]*ledger.TopUp, error)
}

// AgentLookup loads an agent's fee configuration.
type AgentLookup interface {
	GetByID(ctx context.Context, id string) (*agent.Agent, error)
}

// Scheduler arranges for Confirm(txHash) to run after delay.
type Scheduler interface {
	Schedule(ctx context.Context, txHash string, delay time.Duration) error
}

// Recorder receives activity entries. *activity.Collector implements it.
type Recorder interface {
	Record(e activity.Entry)
}

// Observer receives top-up statistics. *metrics.Metrics implements it.
type Observer interface {
	IncTopUp(stage string)
	ObserveConfirmationLag(d time.Duration)
}

// SubmitInput is a caller's claim that it sent a deposit.
type SubmitInput struct {
	TxHash         string           `json:"txHash"`
	WalletAddress  string           `json:"walletAddress"`
	AgentID        string           `json:"agentId"`
	AmountInEth    decimal.Decimal  `json:"amountInEth"`
	CreditsToTopUp *decimal.Decimal `json:"creditsToTopUp,omitempty"`
}

// Reconciler submits top-ups and runs the confirmation step.
type Reconciler struct {
	store     Store
	agents    AgentLookup
	scheduler Scheduler
	delay     time.Duration
	recorder  Recorder
	observer  Observer
	now       func() time.Time
}

// NewReconciler creates a Reconciler. A scheduler must be attached with
// SetScheduler before Submit is called.
func NewReconciler(store Store, agents AgentLookup, delay time.Duration) *Reconciler {
	if delay < 0 {
		delay = DefaultConfirmationDelay
	}
	return &Reconciler{
		store:  store,
		agents: agents,
		delay:  delay,
		now:    time.Now,
	}
}

// SetScheduler attaches the scheduler. Schedulers call back into Confirm,
// so they are built after the Reconciler.
func (r *Reconciler) SetScheduler(s Scheduler) {
	r.scheduler = s
}

// SetRecorder attaches an activity recorder.
func (r *Reconciler) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// SetObserver attaches a metrics observer.
func (r *Reconciler) SetObserver(o Observer) {
	r.observer = o
}

// Submit records a PENDING top-up and schedules its confirmation without
// waiting for it. A hash that was already submitted yields
// ledger.ErrDuplicateTopUp.
func (r *Reconciler) Submit(ctx context.Context, in SubmitInput) (*ledger.TopUp, error) {
	t, err := r.validate(in)
	if err != nil {
		return nil, err
	}
	if r.scheduler == nil {
		return nil, errors.New("top-up scheduler not configured")
	}
	if _, err := r.agents.GetByID(ctx, t.AgentID); err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			return nil, ledger.ErrAgentNotFound
		}
		return nil, fmt.Errorf("loading agent: %w", err)
	}

	created, err := r.store.CreateTopUp(ctx, t)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrDuplicateTopUp):
			r.incStage("duplicate")
			return nil, err
		case errors.Is(err, ledger.ErrAgentNotFound):
			return nil, err
		}
		return nil, fmt.Errorf("recording top-up: %w", err)
	}
	r.incStage("submitted")
	r.record(created, activity.KindTopUpSubmitted, ledger.CurrencyETH, created.AmountInEth, "")

	if err := r.scheduler.Schedule(ctx, created.TxHash, r.delay); err != nil {
		slog.Error("failed to schedule top-up confirmation", "tx_hash", created.TxHash, "error", err)
		r.fail(context.WithoutCancel(ctx), created, fmt.Errorf("scheduling confirmation: %w", err))
		return nil, fmt.Errorf("scheduling confirmation: %w", err)
	}
	return created, nil
}

// Confirm is the confirmation step. It credits the ledger and marks the
// top-up CONFIRMED exactly once; later calls, and calls for unknown hashes,
// do nothing. When crediting fails the top-up is marked FAILED in a separate
// write. An error is returned only if that write fails too.
func (r *Reconciler) Confirm(ctx context.Context, txHash string) error {
	t, err := r.store.GetTopUp(ctx, txHash)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("loading top-up: %w", err)
	}
	if t.Status != ledger.TopUpPending {
		return nil
	}

	a, err := r.agents.GetByID(ctx, t.AgentID)
	if err != nil {
		return r.fail(ctx, t, fmt.Errorf("loading agent: %w", err))
	}
	cur, amount, err := creditFor(a, t)
	if err != nil {
		slog.Error("cannot credit top-up", "tx_hash", t.TxHash, "agent_id", a.ID, "error", err)
		return r.fail(ctx, t, err)
	}

	confirmed, err := r.store.ConfirmTopUp(ctx, t.TxHash, cur, amount)
	if err != nil {
		return r.fail(ctx, t, fmt.Errorf("crediting balance: %w", err))
	}
	if !confirmed {
		return nil
	}

	r.incStage("confirmed")
	if r.observer != nil {
		r.observer.ObserveConfirmationLag(r.now().Sub(t.CreatedAt))
	}
	r.record(t, activity.KindTopUpConfirmed, cur, amount, "")
	slog.Info("top-up confirmed", "tx_hash", t.TxHash, "agent_id", t.AgentID, "currency", string(cur), "amount", amount.String())
	return nil
}

// fail marks t FAILED with cause as the diagnostic.
func (r *Reconciler) fail(ctx context.Context, t *ledger.TopUp, cause error) error {
	marked, err := r.store.FailTopUp(ctx, t.TxHash, cause.Error())
	if err != nil {
		slog.Error("failed to mark top-up failed", "tx_hash", t.TxHash, "cause", cause, "error", err)
		return fmt.Errorf("%v; marking failed: %w", cause, err)
	}
	if marked {
		r.incStage("failed")
		r.record(t, activity.KindTopUpFailed, ledger.CurrencyNone, decimal.Zero, cause.Error())
		slog.Warn("top-up failed", "tx_hash", t.TxHash, "agent_id", t.AgentID, "error", cause)
	}
	return nil
}

// ResumePending reschedules every PENDING top-up and returns how many were
// scheduled. Used at startup, since a local scheduler's timers do not
// survive a restart.
func (r *Reconciler) ResumePending(ctx context.Context) (int, error) {
	if r.scheduler == nil {
		return 0, errors.New("top-up scheduler not configured")
	}
	pending, err := r.store.ListPendingTopUps(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending top-ups: %w", err)
	}
	n := 0
	for _, t := range pending {
		if err := r.scheduler.Schedule(ctx, t.TxHash, r.delay); err != nil {
			slog.Error("failed to reschedule top-up", "tx_hash", t.TxHash, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// ListTopUps pages through an agent's top-ups, newest first.
func (r *Reconciler) ListTopUps(ctx context.Context, q ledger.TopUpQuery) ([]*ledger.TopUp, string, error) {
	return r.store.ListTopUps(ctx, q)
}

func (r *Reconciler) validate(in SubmitInput) (ledger.TopUp, error) {
	var t ledger.TopUp
	hash, err := chain.NormalizeTxHash(in.TxHash)
	if err != nil {
		return t, fmt.Errorf("%w: txHash: %v", ledger.ErrInvalidInput, err)
	}
	wallet, err := chain.NormalizeAddress(in.WalletAddress)
	if err != nil {
		return t, fmt.Errorf("%w: walletAddress: %v", ledger.ErrInvalidInput, err)
	}
	if _, err := uuid.Parse(in.AgentID); err != nil {
		return t, fmt.Errorf("%w: agentId must be a uuid", ledger.ErrInvalidInput)
	}
	if !in.AmountInEth.IsPositive() {
		return t, fmt.Errorf("%w: amountInEth must be positive", ledger.ErrInvalidInput)
	}
	if err := chain.CheckEth(in.AmountInEth); err != nil {
		return t, fmt.Errorf("%w: amountInEth: %v", ledger.ErrInvalidInput, err)
	}
	if c := in.CreditsToTopUp; c != nil {
		if c.IsNegative() {
			return t, fmt.Errorf("%w: creditsToTopUp must be a non-negative whole number", ledger.ErrInvalidInput)
		}
		if err := chain.CheckCredits(*c); err != nil {
			return t, fmt.Errorf("%w: creditsToTopUp: %v", ledger.ErrInvalidInput, err)
		}
	}
	return ledger.TopUp{
		TxHash:         hash,
		AgentID:        in.AgentID,
		WalletAddress:  wallet,
		AmountInEth:    in.AmountInEth,
		CreditsToTopUp: in.CreditsToTopUp,
	}, nil
}

// creditFor decides which balance a confirmed top-up increases.
func creditFor(a *agent.Agent, t *ledger.TopUp) (ledger.Currency, decimal.Decimal, error) {
	switch a.FeeModel.Type {
	case agent.FeeModelFreeTier:
		return ledger.CurrencyETH, t.AmountInEth, nil
	case agent.FeeModelCreditBased:
		if t.CreditsToTopUp == nil {
			return ledger.CurrencyCredits, decimal.Zero, nil
		}
		return ledger.CurrencyCredits, *t.CreditsToTopUp, nil
	default:
		return ledger.CurrencyNone, decimal.Zero, fmt.Errorf("%w: unknown fee model type %q", agent.ErrFeeModelMismatch, a.FeeModel.Type)
	}
}

func (r *Reconciler) record(t *ledger.TopUp, kind activity.Kind, cur ledger.Currency, amount decimal.Decimal, detail string) {
	if r.recorder == nil {
		return
	}
	r.recorder.Record(activity.Entry{
		AgentID:       t.AgentID,
		WalletAddress: t.WalletAddress,
		Kind:          kind,
		Reference:     t.TxHash,
		Amount:        amount,
		Currency:      string(cur),
		Detail:        detail,
	})
}

func (r *Reconciler) incStage(stage string) {
	if r.observer != nil {
		r.observer.IncTopUp(stage)
	}
}
