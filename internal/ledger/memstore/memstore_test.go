package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alecgard/agentpay/internal/activity"
	"github.com/alecgard/agentpay/internal/agent"
	"github.com/alecgard/agentpay/internal/ledger"
)

const wallet = "0x52908400098527886E0F7030069857D2E4169EE7"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newAgent(t *testing.T, s *Store, owner string) *agent.Agent {
	t.Helper()
	a, err := s.Create(context.Background(), agent.CreateAgentInput{
		OwnerID: owner,
		Name:    "bot",
		FeeModel: agent.FeeModel{
			Type:     agent.FeeModelFreeTier,
			FreeTier: &agent.FreeTierConfig{Threshold: 1, Rate: dec("0.01")},
		},
	})
	if err != nil {
		t.Fatalf("creating agent: %v", err)
	}
	return a
}

func fund(t *testing.T, s *Store, agentID string, cur ledger.Currency, amount string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.addBalance(wallet, agentID, cur, dec(amount)); err != nil {
		t.Fatalf("funding: %v", err)
	}
}

func TestHoldDebitsAndRecords(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newAgent(t, s, "dev")
	fund(t, s, a.ID, ledger.CurrencyETH, "0.05")

	e, err := s.Hold(ctx, ledger.Hold{AgentID: a.ID, WalletAddress: wallet, Currency: ledger.CurrencyETH, Amount: dec("0.02")})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if e.Status != ledger.StatusPending || e.FeeDeducted == nil || !e.FeeDeducted.Equal(dec("0.02")) {
		t.Fatalf("unexpected event: %+v", e)
	}

	b, _ := s.GetBalance(ctx, a.ID, wallet)
	if !b.Eth.Equal(dec("0.03")) {
		t.Fatalf("eth = %s, want 0.03", b.Eth)
	}
}

func TestHoldInsufficientMutatesNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newAgent(t, s, "dev")
	fund(t, s, a.ID, ledger.CurrencyCredits, "5")

	_, err := s.Hold(ctx, ledger.Hold{AgentID: a.ID, WalletAddress: wallet, Currency: ledger.CurrencyCredits, Amount: dec("10")})
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	_, err = s.Hold(ctx, ledger.Hold{AgentID: a.ID, WalletAddress: wallet, Currency: ledger.CurrencyETH, Amount: dec("0.1")})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	b, _ := s.GetBalance(ctx, a.ID, wallet)
	if !b.Credits.Equal(dec("5")) {
		t.Fatalf("credits = %s, want 5", b.Credits)
	}
	events, _, _ := s.ListEvents(ctx, ledger.EventQuery{AgentID: a.ID})
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestHoldRejectsDuplicateKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newAgent(t, s, "dev")
	fund(t, s, a.ID, ledger.CurrencyETH, "1")

	h := ledger.Hold{AgentID: a.ID, WalletAddress: wallet, IdempotencyKey: "k", Currency: ledger.CurrencyETH, Amount: dec("0.1")}
	if _, err := s.Hold(ctx, h); err != nil {
		t.Fatalf("first hold: %v", err)
	}
	if _, err := s.Hold(ctx, h); !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	b, _ := s.GetBalance(ctx, a.ID, wallet)
	if !b.Eth.Equal(dec("0.9")) {
		t.Fatalf("eth = %s, want 0.9 (one deduction)", b.Eth)
	}
}

func TestConcurrentHoldsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newAgent(t, s, "dev")
	fund(t, s, a.ID, ledger.CurrencyCredits, "95")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Hold(ctx, ledger.Hold{AgentID: a.ID, WalletAddress: wallet, Currency: ledger.CurrencyCredits, Amount: dec("10")})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrInsufficientCredits):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 9 || rejected != 11 {
		t.Fatalf("succeeded=%d rejected=%d, want 9/11", succeeded, rejected)
	}
	b, _ := s.GetBalance(ctx, a.ID, wallet)
	if !b.Credits.Equal(dec("5")) {
		t.Fatalf("credits = %s, want 5", b.Credits)
	}
}

func TestCaptureAndReleaseGuards(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newAgent(t, s, "dev")
	fund(t, s, a.ID, ledger.CurrencyETH, "1")

	e1, _ := s.Hold(ctx, ledger.Hold{AgentID: a.ID, WalletAddress: wallet, Currency: ledger.CurrencyETH, Amount: dec("0.25")})
	if _, err := s.Capture(ctx, e1.ID); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, err := s.Capture(ctx, e1.ID); !errors.Is(err, ledger.ErrEventNotCapturable) {
		t.Fatalf("second capture: expected ErrEventNotCapturable, got %v", err)
	}
	if _, err := s.Release(ctx, e1.ID); !errors.Is(err, ledger.ErrEventNotReleasable) {
		t.Fatalf("release after capture: expected ErrEventNotReleasable, got %v", err)
	}

	e2, _ := s.Hold(ctx, ledger.Hold{AgentID: a.ID, WalletAddress: wallet, Currency: ledger.CurrencyETH, Amount: dec("0.25")})
	if _, err := s.Release(ctx, e2.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := s.Release(ctx, e2.ID); !errors.Is(err, ledger.ErrEventNotReleasable) {
		t.Fatalf("second release: expected ErrEventNotReleasable, got %v", err)
	}

	b, _ := s.GetBalance(ctx, a.ID, wallet)
	if !b.Eth.Equal(dec("0.75")) {
		t.Fatalf("eth = %s, want 0.75", b.Eth)
	}
	if n, _ := s.CountCaptured(ctx, a.ID, wallet); n != 1 {
		t.Fatalf("captured = %d, want 1", n)
	}
}

func TestConfirmTopUpOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newAgent(t, s, "dev")

	hash := "0x" + "ab" + "00000000000000000000000000000000000000000000000000000000000000"
	if _, err := s.CreateTopUp(ctx, ledger.TopUp{TxHash: hash, AgentID: a.ID, WalletAddress: wallet, AmountInEth: dec("0.5")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateTopUp(ctx, ledger.TopUp{TxHash: hash, AgentID: a.ID, WalletAddress: wallet, AmountInEth: dec("0.5")}); !errors.Is(err, ledger.ErrDuplicateTopUp) {
		t.Fatalf("expected ErrDuplicateTopUp, got %v", err)
	}

	ok, err := s.ConfirmTopUp(ctx, hash, ledger.CurrencyETH, dec("0.5"))
	if err != nil || !ok {
		t.Fatalf("first confirm: ok=%v err=%v", ok, err)
	}
	ok, err = s.ConfirmTopUp(ctx, hash, ledger.CurrencyETH, dec("0.5"))
	if err != nil || ok {
		t.Fatalf("second confirm: ok=%v err=%v, want no-op", ok, err)
	}
	if ok, _ := s.FailTopUp(ctx, hash, "late"); ok {
		t.Fatal("fail after confirm must be a no-op")
	}

	b, _ := s.GetBalance(ctx, a.ID, wallet)
	if !b.Eth.Equal(dec("0.5")) {
		t.Fatalf("eth = %s, want 0.5", b.Eth)
	}
	pending, _ := s.ListPendingTopUps(ctx)
	if len(pending) != 0 {
		t.Fatalf("expected no pending top-ups, got %d", len(pending))
	}
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newAgent(t, s, "dev")
	other := newAgent(t, s, "dev")
	fund(t, s, a.ID, ledger.CurrencyETH, "1")
	fund(t, s, other.ID, ledger.CurrencyETH, "1")
	if _, err := s.Hold(ctx, ledger.Hold{AgentID: a.ID, WalletAddress: wallet, IdempotencyKey: "k"}); err != nil {
		t.Fatalf("hold: %v", err)
	}

	if err := s.Delete(ctx, "someone-else", a.ID); !errors.Is(err, agent.ErrNotFound) {
		t.Fatalf("foreign delete: expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "dev", a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.GetByID(ctx, a.ID); !errors.Is(err, agent.ErrNotFound) {
		t.Fatalf("expected agent gone, got %v", err)
	}
	if _, err := s.EventByIdempotencyKey(ctx, a.ID, "k"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected events gone, got %v", err)
	}
	b, _ := s.GetBalance(ctx, a.ID, wallet)
	if !b.Eth.IsZero() {
		t.Fatalf("expected balance gone, got %s", b.Eth)
	}
	b, _ = s.GetBalance(ctx, other.ID, wallet)
	if !b.Eth.Equal(dec("1")) {
		t.Fatalf("other agent's balance touched: %s", b.Eth)
	}
}

func TestListAgentsPaginates(t *testing.T) {
	ctx := context.Background()
	s := New()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, newAgent(t, s, "dev").ID)
	}
	newAgent(t, s, "other")

	page1, next, err := s.List(ctx, agent.AgentListParams{OwnerID: "dev", Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page1) != 3 || next == "" {
		t.Fatalf("page1: got %d agents, next=%q", len(page1), next)
	}
	if page1[0].ID != ids[4] {
		t.Fatalf("expected newest first")
	}

	page2, next, err := s.List(ctx, agent.AgentListParams{OwnerID: "dev", Limit: 3, Cursor: next})
	if err != nil {
		t.Fatalf("list page2: %v", err)
	}
	if len(page2) != 2 || next != "" {
		t.Fatalf("page2: got %d agents, next=%q", len(page2), next)
	}
	if page2[1].ID != ids[0] {
		t.Fatalf("expected oldest last")
	}
}

func TestActivityListFiltersByAgent(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.BatchInsert(ctx, []activity.Entry{
		{AgentID: "a1", Kind: activity.KindTrack},
		{AgentID: "a2", Kind: activity.KindTrack},
		{AgentID: "a1", Kind: activity.KindCapture},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	entries, _, err := s.ListActivity(ctx, activity.Query{AgentID: "a1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].Kind != activity.KindCapture {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	entries, _, _ = s.ListActivity(ctx, activity.Query{AgentID: "a1", Kind: activity.KindTrack})
	if len(entries) != 1 {
		t.Fatalf("expected 1 track entry, got %d", len(entries))
	}
}
