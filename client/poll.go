package client

import (
	"context"
	"time"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxPolls     = 60
)

// PollOptions controls PollForBalanceUpdate.
type PollOptions struct {
	Interval time.Duration
	MaxPolls int

	// OnUpdate receives the first balance in which ETH or credits rose.
	OnUpdate func(*Balance)
	// OnTimeout is called with nil when MaxPolls is exhausted, or with the
	// error that stopped polling.
	OnTimeout func(error)
}

// PollForBalanceUpdate watches the wallet's balance in the background after a
// top-up. It records the current balance as a baseline, then re-fetches it
// every Interval until either amount strictly increases. Exactly one callback
// fires unless polling is stopped first. The returned stop function is safe
// to call more than once, including from a callback.
func (c *Client) PollForBalanceUpdate(ctx context.Context, walletAddress string, opts PollOptions) (stop func()) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = DefaultMaxPolls
	}

	ctx, cancel := context.WithCancel(ctx)
	go c.poll(ctx, walletAddress, opts)
	return cancel
}

func (c *Client) poll(ctx context.Context, wallet string, opts PollOptions) {
	timeout := func(err error) {
		if ctx.Err() != nil {
			return
		}
		if opts.OnTimeout != nil {
			opts.OnTimeout(err)
		}
	}

	baseline, err := c.GetBalance(ctx, wallet)
	if err != nil {
		timeout(err)
		return
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for polls := 0; polls < opts.MaxPolls; polls++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		b, err := c.GetBalance(ctx, wallet)
		if err != nil {
			timeout(err)
			return
		}
		if b.Eth.GreaterThan(baseline.Eth) || b.Credits.GreaterThan(baseline.Credits) {
			if ctx.Err() == nil && opts.OnUpdate != nil {
				opts.OnUpdate(b)
			}
			return
		}
		c.logger.Debug("balance unchanged", "wallet", wallet, "poll", polls+1, "max_polls", opts.MaxPolls)
	}
	timeout(nil)
}
