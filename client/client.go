// Package client is the Go SDK an agent uses to bill its callers: place a
// hold with Track, then Capture on success or Release on failure.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alecgard/agentpay/internal/chain"
)

const (
	DefaultBaseURL    = "http://localhost:8080"
	DefaultTimeout    = 10 * time.Second
	DefaultRetryDelay = 500 * time.Millisecond
	DefaultMaxRetries = 2
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Client talks to one agent's ledger. Clients share no state.
type Client struct {
	agentID    string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	retryDelay time.Duration
	maxRetries int
	logger     *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the server address, e.g. https://pay.example.com.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithTimeout bounds a whole call, retries and backoff included.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryDelay sets the base retry delay. Attempt n waits base × 2^(n-1).
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for agentID. It performs no network access.
func New(agentID string, opts ...Option) (*Client, error) {
	c := &Client{
		agentID:    strings.TrimSpace(agentID),
		baseURL:    DefaultBaseURL,
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
		retryDelay: DefaultRetryDelay,
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default(),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.agentID == "" {
		return nil, invalid("agent id is required")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, invalid("base URL %q must be an absolute http(s) URL", c.baseURL)
	}
	c.baseURL = strings.TrimRight(u.String(), "/")
	if c.timeout <= 0 {
		return nil, invalid("timeout must be positive")
	}
	if c.maxRetries < 0 || c.retryDelay < 0 {
		return nil, invalid("retry settings must not be negative")
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// AgentID returns the agent this client bills for.
func (c *Client) AgentID() string {
	return c.agentID
}

// TrackRequest places a hold for one invocation. CreditsToDeduct overrides
// the agent's per-prompt credit cost.
type TrackRequest struct {
	WalletAddress   string
	IdempotencyKey  string
	CreditsToDeduct *int64
}

// Track places a hold and returns the usage event id to capture or release.
func (c *Client) Track(ctx context.Context, req TrackRequest) (string, error) {
	if !chain.IsWalletAddress(req.WalletAddress) {
		return "", invalid("wallet address %q is not a 0x address", req.WalletAddress)
	}
	if req.CreditsToDeduct != nil && *req.CreditsToDeduct < 0 {
		return "", invalid("creditsToDeduct must not be negative")
	}

	body := struct {
		AgentID         string `json:"agentId"`
		WalletAddress   string `json:"walletAddress"`
		IdempotencyKey  string `json:"idempotencyKey,omitempty"`
		CreditsToDeduct *int64 `json:"creditsToDeduct,omitempty"`
	}{c.agentID, req.WalletAddress, req.IdempotencyKey, req.CreditsToDeduct}

	var resp struct {
		EventID string `json:"eventId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/track", nil, body, &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// Capture finalizes the hold after the work succeeded.
func (c *Client) Capture(ctx context.Context, eventID string) error {
	return c.settle(ctx, "/api/v1/capture", eventID)
}

// Release refunds the hold after the work failed.
func (c *Client) Release(ctx context.Context, eventID string) error {
	return c.settle(ctx, "/api/v1/release", eventID)
}

func (c *Client) settle(ctx context.Context, path, eventID string) error {
	if strings.TrimSpace(eventID) == "" {
		return invalid("event id is required")
	}
	body := map[string]string{"eventId": eventID}
	return c.do(ctx, http.MethodPost, path, nil, body, nil)
}

// Balance is a wallet's prepaid balance with the agent.
type Balance struct {
	Eth     decimal.Decimal `json:"eth"`
	Credits decimal.Decimal `json:"credits"`
}

// GetBalance fetches the wallet's balance. A wallet that never topped up has
// a zero balance.
func (c *Client) GetBalance(ctx context.Context, walletAddress string) (*Balance, error) {
	if !chain.IsWalletAddress(walletAddress) {
		return nil, invalid("wallet address %q is not a 0x address", walletAddress)
	}
	q := url.Values{"agentId": {c.agentID}, "walletAddress": {walletAddress}}
	var b Balance
	if err := c.do(ctx, http.MethodGet, "/api/v1/balance", q, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// TopUpOption is one purchasable top-up. Credits is nil for ETH deposits.
type TopUpOption struct {
	Label       string `json:"label"`
	AmountInEth string `json:"amountInEth"`
	AmountInWei string `json:"amountInWei"`
	Credits     *int64 `json:"credits,omitempty"`
}

// TopUpDetails tells a wallet where and how much to pay.
type TopUpDetails struct {
	AgentID       string        `json:"agentId"`
	FeeModelType  string        `json:"feeModelType"`
	PayoutAddress string        `json:"payoutAddress,omitempty"`
	Options       []TopUpOption `json:"options"`
}

// GetTopUpDetails lists the agent's top-up options.
func (c *Client) GetTopUpDetails(ctx context.Context) (*TopUpDetails, error) {
	var d TopUpDetails
	if err := c.do(ctx, http.MethodGet, "/api/v1/top-up-details", url.Values{"agentId": {c.agentID}}, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// TopUpRequest reports an on-chain payment to the agent.
type TopUpRequest struct {
	TxHash         string
	WalletAddress  string
	AmountInEth    decimal.Decimal
	CreditsToTopUp *int64
}

// SubmitTopUp reports a payment. The balance changes only once the server
// confirms it; use PollForBalanceUpdate to wait for that.
func (c *Client) SubmitTopUp(ctx context.Context, req TopUpRequest) error {
	if !chain.IsTxHash(req.TxHash) {
		return invalid("transaction hash %q is malformed", req.TxHash)
	}
	if !chain.IsWalletAddress(req.WalletAddress) {
		return invalid("wallet address %q is not a 0x address", req.WalletAddress)
	}
	if !req.AmountInEth.IsPositive() {
		return invalid("amountInEth must be positive")
	}

	body := struct {
		TxHash         string          `json:"txHash"`
		WalletAddress  string          `json:"walletAddress"`
		AgentID        string          `json:"agentId"`
		AmountInEth    decimal.Decimal `json:"amountInEth"`
		CreditsToTopUp *int64          `json:"creditsToTopUp,omitempty"`
	}{req.TxHash, req.WalletAddress, c.agentID, req.AmountInEth, req.CreditsToTopUp}

	return c.do(ctx, http.MethodPost, "/api/v1/top-up-details", nil, body, nil)
}

// do runs the request, retrying transient failures with doubling delays.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("agentpay: encoding request: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	for attempt := 0; ; attempt++ {
		err := c.attempt(ctx, callCtx, method, path, query, payload, out)
		if err == nil {
			if attempt > 0 {
				c.logger.Debug("agentpay request succeeded after retry", "path", path, "attempt", attempt+1)
			}
			return nil
		}
		if !retryable(err) || attempt >= c.maxRetries {
			return err
		}

		delay := c.retryDelay << attempt
		c.logger.Warn("agentpay request failed, retrying",
			"method", method,
			"path", path,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := c.sleep(callCtx, delay); err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
			}
			return err
		}
	}
}

// attempt sends one request under actx, the call's deadline; ctx is the
// caller's context and tells its cancellation apart from a timeout.
func (c *Client) attempt(ctx, actx context.Context, method, path string, query url.Values, payload []byte, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(actx, method, target, reader)
	if err != nil {
		return fmt.Errorf("agentpay: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(ctx, actx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return fmt.Errorf("agentpay: decoding response: %w", err)
	}
	return nil
}

// transportError classifies a failed round trip. The caller's own
// cancellation is returned as is and never retried.
func (c *Client) transportError(ctx, actx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
	return &networkError{err: err}
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &env) == nil && env.Error.Code != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
