package topup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// Confirmer runs the confirmation step for one top-up.
type Confirmer interface {
	Confirm(ctx context.Context, txHash string) error
}

// ErrSchedulerStopped is returned by LocalScheduler.Schedule after Stop.
var ErrSchedulerStopped = errors.New("scheduler stopped")

// LocalScheduler runs confirmations in goroutines after the delay. Pending
// timers are lost when the process exits; Reconciler.ResumePending picks
// them up again on the next start.
type LocalScheduler struct {
	confirmer Confirmer
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	stopped   bool
}

// NewLocalScheduler creates a scheduler that calls c.Confirm.
func NewLocalScheduler(c Confirmer) *LocalScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalScheduler{confirmer: c, ctx: ctx, cancel: cancel}
}

// Schedule starts a timer for txHash. It does not block.
func (s *LocalScheduler) Schedule(_ context.Context, txHash string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			return
		}
		if err := s.confirmer.Confirm(s.ctx, txHash); err != nil {
			slog.Error("top-up confirmation failed", "tx_hash", txHash, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every scheduled confirmation has run.
func (s *LocalScheduler) Wait() {
	s.wg.Wait()
}

// Stop cancels pending timers and waits for running confirmations.
func (s *LocalScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// ConfirmTopUpArgs is the river job that runs the confirmation step.
type ConfirmTopUpArgs struct {
	TxHash string `json:"tx_hash"`
}

// Kind implements river.JobArgs.
func (ConfirmTopUpArgs) Kind() string { return "confirm_topup" }

// JobInserter enqueues river jobs. *river.Client[pgx.Tx] implements it.
type JobInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverScheduler enqueues confirmations as durable river jobs. Jobs are
// unique by tx hash, so rescheduling a hash that is already queued is a
// no-op.
type RiverScheduler struct {
	inserter    JobInserter
	maxAttempts int
	now         func() time.Time
}

// NewRiverScheduler creates a RiverScheduler. maxAttempts <= 0 keeps river's
// default.
func NewRiverScheduler(inserter JobInserter, maxAttempts int) *RiverScheduler {
	return &RiverScheduler{inserter: inserter, maxAttempts: maxAttempts, now: time.Now}
}

// Schedule inserts a confirm_topup job to run after delay.
func (s *RiverScheduler) Schedule(ctx context.Context, txHash string, delay time.Duration) error {
	opts := &river.InsertOpts{
		ScheduledAt: s.now().Add(delay),
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
	if s.maxAttempts > 0 {
		opts.MaxAttempts = s.maxAttempts
	}
	res, err := s.inserter.Insert(ctx, ConfirmTopUpArgs{TxHash: txHash}, opts)
	if err != nil {
		return err
	}
	if res != nil && res.UniqueSkippedAsDuplicate {
		slog.Debug("top-up confirmation already queued", "tx_hash", txHash)
	}
	return nil
}

// ConfirmTopUpWorker runs confirm_topup jobs.
type ConfirmTopUpWorker struct {
	river.WorkerDefaults[ConfirmTopUpArgs]
	confirmer Confirmer
}

// NewConfirmTopUpWorker creates a worker that calls c.Confirm.
func NewConfirmTopUpWorker(c Confirmer) *ConfirmTopUpWorker {
	return &ConfirmTopUpWorker{confirmer: c}
}

// Work runs the confirmation step. Returning an error makes river retry,
// which only happens when even recording the failure did not succeed.
func (w *ConfirmTopUpWorker) Work(ctx context.Context, job *river.Job[ConfirmTopUpArgs]) error {
	return w.confirmer.Confirm(ctx, job.Args.TxHash)
}
