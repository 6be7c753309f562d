// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package coordinator is a REST client for the recovery coordination
// service. It implements the server-facing interfaces of the recovery and
// sweep packages.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcrecovery/recovery"
	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	// DefaultTimeout bounds a single HTTP request.
	DefaultTimeout = 30 * time.Second

	// DefaultRetryCount is the number of retries after a transport
	// failure or a server error.
	DefaultRetryCount = 3

	// DefaultRetryWait is the initial backoff between retries.
	DefaultRetryWait = 500 * time.Millisecond

	// DefaultRetryMaxWait caps the backoff between retries.
	DefaultRetryMaxWait = 10 * time.Second

	// codeCommsVerificationRequired is the error code of a 403 that asks
	// for a notification verification.
	codeCommsVerificationRequired = "COMMS_VERIFICATION_REQUIRED"

	headerIdempotencyKey = "Idempotency-Key"
	headerRequestID      = "X-Request-Id"
)

// Config configures the coordination service client.
//
//nolint:lll
type Config struct {
	URL          string        `long:"url" description:"Base URL of the recovery coordination service" validate:"required,url"`
	AuthToken    string        `long:"authtoken" description:"Bearer token sent with every request"`
	Timeout      time.Duration `long:"timeout" description:"Timeout of a single request" validate:"gte=0"`
	RetryCount   int           `long:"retrycount" description:"Number of retries after a network failure or server error" validate:"gte=0"`
	RetryWait    time.Duration `long:"retrywait" description:"Initial wait between retries" validate:"gte=0"`
	RetryMaxWait time.Duration `long:"retrymaxwait" description:"Maximum wait between retries" validate:"gte=0"`
}

// DefaultConfig returns the default client configuration for url.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		Timeout:      DefaultTimeout,
		RetryCount:   DefaultRetryCount,
		RetryWait:    DefaultRetryWait,
		RetryMaxWait: DefaultRetryMaxWait,
	}
}

// Option tweaks a Client.
type Option func(*resty.Client)

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *resty.Client) {
		c.SetTransport(rt)
	}
}

// Client talks to the coordination service.
type Client struct {
	http *resty.Client
}

// A compile-time check that Client provides the server-facing interfaces.
var (
	_ recovery.CoordinationService = (*Client)(nil)
	_ recovery.TouchpointService   = (*Client)(nil)
)

// New creates a client.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}

	c := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "btcrecovery/1.0").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) &&
					!errors.Is(err, context.DeadlineExceeded)
			}

			return r.StatusCode() >= http.StatusInternalServerError
		})

	if cfg.AuthToken != "" {
		c.SetAuthToken(cfg.AuthToken)
	}

	for _, opt := range opts {
		opt(c)
	}

	return &Client{http: c}, nil
}

// request starts a request bound to ctx for the account.
func (c *Client) request(ctx context.Context, accountID string) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader(headerRequestID, uuid.NewString()).
		SetPathParam("account", accountID).
		SetError(&errorResponse{})
}

// classify maps a failed call to the recovery error taxonomy: transport
// failures and 5xx answers become *recovery.NetworkError, 404
// ErrRecoveryNotFound, 409 *recovery.ConflictError, a 403 asking for comms
// verification ErrCommsVerificationRequired and any other 4xx
// ErrServerRejected.
func classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		return &recovery.NetworkError{Op: op, Err: err}
	}

	if !resp.IsError() {
		return nil
	}

	apiErr, _ := resp.Error().(*errorResponse)
	if apiErr == nil {
		apiErr = &errorResponse{}
	}

	status := resp.StatusCode()
	log.Debugf("%s: status %d code=%q: %s", op, status, apiErr.Code,
		apiErr.Message)

	switch {
	case status >= http.StatusInternalServerError:
		return &recovery.NetworkError{
			Op:  op,
			Err: fmt.Errorf("status %d: %s", status, apiErr.Message),
		}

	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, recovery.ErrRecoveryNotFound)

	case status == http.StatusConflict && apiErr.Recovery != nil:
		existing, err := apiErr.Recovery.conflicting()
		if err != nil {
			return fmt.Errorf("%s: %w: %v", op,
				recovery.ErrServerRejected, err)
		}

		return &recovery.ConflictError{Existing: existing}

	case status == http.StatusForbidden &&
		apiErr.Code == codeCommsVerificationRequired:

		return fmt.Errorf("%s: %w", op,
			recovery.ErrCommsVerificationRequired)

	default:
		return fmt.Errorf("%s: %w: status %d %s: %s", op,
			recovery.ErrServerRejected, status, apiErr.Code,
			apiErr.Message)
	}
}
