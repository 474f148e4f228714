// Package http provides a reusable HTTP client with resilience features
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	apperrors "github.com/aelhadee/247trader-V2-sub000/pkg/errors"
	"github.com/aelhadee/247trader-V2-sub000/pkg/telemetry"
)

// DefaultTimeout applies when the caller does not override it
const DefaultTimeout = 20 * time.Second

// Signer is an interface for signing requests
type Signer interface {
	SignRequest(req *http.Request, body []byte) error
}

// Client wraps http.Client with a circuit breaker and signing. Retry with
// jittered backoff lives one level up so the caller controls attempt counts
// per endpoint.
type Client struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	pipeline failsafe.Executor[*http.Response]
	breaker  circuitbreaker.CircuitBreaker[*http.Response]
}

// NewClient creates a new HTTP client with a consecutive-5xx circuit breaker
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &Client{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:  baseURL,
		signer:   signer,
		pipeline: failsafe.With[*http.Response](breaker),
		breaker:  breaker,
	}
}

// BreakerOpen reports whether the circuit breaker is currently rejecting calls
func (c *Client) BreakerOpen() bool {
	return c.breaker.State() == circuitbreaker.OpenState
}

// Get sends a GET request with query parameters
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	q := req.URL.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	req.URL.RawQuery = q.Encode()

	return c.do(req, nil)
}

// Post sends a POST request with a JSON body
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var jsonBody []byte
	if body != nil {
		var err error
		jsonBody, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req, jsonBody)
}

func (c *Client) do(req *http.Request, body []byte) ([]byte, error) {
	start := time.Now()
	ctx := req.Context()

	if c.signer != nil {
		if err := c.signer.SignRequest(req, body); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		return c.client.Do(req)
	})

	failed := err != nil
	defer func() {
		telemetry.GetGlobalMetrics().AddAPICall(ctx, req.URL.Path, time.Since(start).Seconds(), failed)
	}()

	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, &apperrors.CircuitTrippedError{Name: "http_client", Reason: "consecutive server errors"}
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		failed = true
		return nil, fmt.Errorf("%w: failed to read response body: %v", apperrors.ErrNetwork, err)
	}

	if resp.StatusCode >= 400 {
		failed = true
		return nil, &apperrors.HTTPStatusError{StatusCode: resp.StatusCode, Body: respBody}
	}

	return respBody, nil
}
