package client

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

// balanceServer answers balance reads from a script, repeating the last
// entry once exhausted.
func balanceServer(script ...string) (http.HandlerFunc, *atomic.Int32) {
	var calls atomic.Int32
	return func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(script) {
			n = len(script) - 1
		}
		if script[n] == "404" {
			writeEnvelope(w, http.StatusNotFound, "agent_not_found", "agent not found")
			return
		}
		fmt.Fprint(w, script[n])
	}, &calls
}

func TestPollDetectsIncrease(t *testing.T) {
	h, calls := balanceServer(
		`{"eth":"0","credits":"5"}`,
		`{"eth":"0","credits":"5"}`,
		`{"eth":"0","credits":"105"}`,
	)
	c := newTestClient(t, h)

	updated := make(chan *Balance, 1)
	stop := c.PollForBalanceUpdate(context.Background(), testWallet, PollOptions{
		Interval:  5 * time.Millisecond,
		MaxPolls:  10,
		OnUpdate:  func(b *Balance) { updated <- b },
		OnTimeout: func(err error) { t.Errorf("unexpected timeout: %v", err) },
	})
	defer stop()

	select {
	case b := <-updated:
		if b.Credits.String() != "105" {
			t.Errorf("credits = %s, want 105", b.Credits)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("balance reads = %d, want 3 (baseline + 2 polls)", n)
	}
}

func TestPollTimesOut(t *testing.T) {
	h, calls := balanceServer(`{"eth":"0.1","credits":"0"}`)
	c := newTestClient(t, h)

	done := make(chan error, 1)
	stop := c.PollForBalanceUpdate(context.Background(), testWallet, PollOptions{
		Interval:  time.Millisecond,
		MaxPolls:  3,
		OnUpdate:  func(*Balance) { t.Error("unexpected update") },
		OnTimeout: func(err error) { done <- err },
	})
	defer stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("timeout error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no timeout callback")
	}
	if n := calls.Load(); n != 4 {
		t.Errorf("balance reads = %d, want 4", n)
	}
}

func TestPollStopsOnError(t *testing.T) {
	h, _ := balanceServer(`{"eth":"0","credits":"0"}`, "404")
	c := newTestClient(t, h)

	done := make(chan error, 1)
	stop := c.PollForBalanceUpdate(context.Background(), testWallet, PollOptions{
		Interval:  time.Millisecond,
		MaxPolls:  50,
		OnTimeout: func(err error) { done <- err },
	})
	defer stop()

	select {
	case err := <-done:
		apiErr, ok := err.(*APIError)
		if !ok || !apiErr.IsNotFound() {
			t.Errorf("timeout error = %v, want a 404 APIError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no timeout callback")
	}
}

func TestPollStop(t *testing.T) {
	h, calls := balanceServer(`{"eth":"0","credits":"0"}`)
	c := newTestClient(t, h)

	fired := make(chan struct{}, 2)
	stop := c.PollForBalanceUpdate(context.Background(), testWallet, PollOptions{
		Interval:  20 * time.Millisecond,
		MaxPolls:  1000,
		OnUpdate:  func(*Balance) { fired <- struct{}{} },
		OnTimeout: func(error) { fired <- struct{}{} },
	})

	time.Sleep(50 * time.Millisecond)
	stop()
	stop()
	seen := calls.Load()
	time.Sleep(60 * time.Millisecond)

	if n := calls.Load(); n > seen+1 {
		t.Errorf("polling continued after stop: %d reads, then %d", seen, n)
	}
	select {
	case <-fired:
		t.Error("callback fired after stop")
	default:
	}
}
