// Package gateway talks to the ledger relay: the service that signs, submits
// and waits for confirmation of vault and loan pool transactions.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/guardianvault/recoveryd/internal/recovery"
)

const (
	// DefaultTimeout bounds one relay round trip, confirmation included.
	DefaultTimeout = 15 * time.Second
	// DialTimeout is the connection timeout.
	DialTimeout = 5 * time.Second
	// DefaultRetryMaxElapsed bounds retries of idempotent calls.
	DefaultRetryMaxElapsed = 10 * time.Second

	// HeaderIdempotencyKey lets the relay drop duplicate submissions.
	HeaderIdempotencyKey = "Idempotency-Key"

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 4 << 10
)

// Options configure a relay client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger

	// RetryInitial and RetryMaxElapsed shape the exponential backoff used
	// for idempotent calls. Zero values use the backoff defaults.
	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
}

// client is the transport shared by the vault and loan clients.
type client struct {
	baseURL         string
	token           string
	http            *http.Client
	logger          *slog.Logger
	retryInitial    time.Duration
	retryMaxElapsed time.Duration
}

func newClient(opts Options, component string) (*client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, errors.New("relay base URL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = DefaultRetryMaxElapsed
	}
	return &client{
		baseURL:         base,
		token:           opts.Token,
		http:            newHTTPClient(opts.Timeout),
		logger:          opts.Logger.With("component", component),
		retryInitial:    opts.RetryInitial,
		retryMaxElapsed: opts.RetryMaxElapsed,
	}, nil
}

// newHTTPClient returns a client with bounded timeouts that never follows
// redirects.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: timeout,
			MaxIdleConns:          50,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// receiptResponse is the relay's confirmation body.
type receiptResponse struct {
	TxHash      string    `json:"tx_hash"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

func (r receiptResponse) receipt() recovery.Receipt {
	confirmed := r.ConfirmedAt
	if confirmed.IsZero() {
		confirmed = time.Now().UTC()
	}
	return recovery.Receipt{TxHash: r.TxHash, ConfirmedAt: confirmed}
}

// errorResponse is the relay's error body.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// do sends one request and decodes a 2xx body into out. Errors wrap
// recovery.ErrRejected for 4xx and recovery.ErrUnavailable for everything
// that may succeed on retry.
func (c *client) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "recoveryd/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", recovery.ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			// The relay answered but we cannot tell what it did.
			return fmt.Errorf("%w: decode %s %s: %v", recovery.ErrUnavailable, method, path, err)
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		e := readError(resp.Body)
		if e.Code == "pool_insufficient" {
			return fmt.Errorf("%w: %s", recovery.ErrPoolInsufficient, e.Error)
		}
		return fmt.Errorf("%w: %s %s: status %d: %s", recovery.ErrRejected, method, path, resp.StatusCode, e.Error)
	default:
		e := readError(resp.Body)
		return fmt.Errorf("%w: %s %s: status %d: %s", recovery.ErrUnavailable, method, path, resp.StatusCode, e.Error)
	}
}

func readError(r io.Reader) errorResponse {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var e errorResponse
	if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(data))
	}
	return e
}

// retry runs op with exponential backoff while it fails with
// recovery.ErrUnavailable. Any other error stops immediately.
func (c *client) retry(ctx context.Context, name string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	if c.retryInitial > 0 {
		bo.InitialInterval = c.retryInitial
	}
	bo.MaxElapsedTime = c.retryMaxElapsed

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !recovery.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("relay_call_retrying",
			"call", name,
			"attempt", attempt,
			"error", err,
		)
		return err
	}, backoff.WithContext(bo, ctx))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", recovery.ErrUnavailable, name, err)
	}
	return err
}
