// Package transport talks HTTP to the review agent backend.
package transport

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

	"github.com/sony/gobreaker/v2"

	"revchat/internal/config"
	"revchat/internal/models"
)

const maxErrorBody = 4096

// Request is the body of a streamed chat call
type Request struct {
	Message string               `json:"message"`
	Branch  string               `json:"branch"`
	History []models.HistoryTurn `json:"history"`
}

// Client opens streamed chat calls and queries the backend's auxiliary endpoints
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	logger  *slog.Logger
}

// New builds a client. The http.Client has no overall timeout because response
// bodies are long-lived streams; callers bound them with their context.
func New(server config.ServerConfig, bc config.BreakerConfig, logger *slog.Logger) *Client {
	connTimeout := server.ConnectTimeout
	if connTimeout <= 0 {
		connTimeout = 10 * time.Second
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   connTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return NewWithHTTPClient(server.URL, httpClient, bc, logger)
}

// NewWithHTTPClient is New with a caller-supplied http.Client
func NewWithHTTPClient(baseURL string, httpClient *http.Client, bc config.BreakerConfig, logger *slog.Logger) *Client {
	maxFailures := bc.MaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}
	openTimeout := bc.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 20 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "agent:" + baseURL,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: isBreakerSuccess,
	})

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		breaker: cb,
		logger:  logger,
	}
}

// A 4xx means the backend is up and rejected this request; a cancelled context
// means the user gave up. Neither says anything about backend health.
func isBreakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var te *Error
	if errors.As(err, &te) && te.StatusCode >= 400 && te.StatusCode < 500 {
		return true
	}
	return false
}

// BaseURL returns the backend root the client talks to
func (c *Client) BaseURL() string { return c.baseURL }

// BreakerState reports the circuit breaker state ("closed", "half-open", "open")
func (c *Client) BreakerState() string { return c.breaker.State().String() }

// OpenStream posts req to /chat/stream and returns the response body for the
// caller to read and close. Failures are *Error values.
func (c *Client) OpenStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	if req.History == nil {
		req.History = []models.HistoryTurn{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return c.post(ctx, "/chat/stream", body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Op: "open stream", Err: fmt.Errorf("agent unavailable: %w", err)}
		}
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Op: "open stream", Err: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, &Error{Op: "open stream", StatusCode: httpResp.StatusCode, Detail: errorDetail(respBody)}
	}
	return httpResp, nil
}

// Branches lists the branches the agent can review
func (c *Client) Branches(ctx context.Context) ([]models.Branch, error) {
	var out struct {
		Branches []models.Branch `json:"branches"`
	}
	if err := c.getJSON(ctx, "list branches", "/branches", &out); err != nil {
		return nil, err
	}
	return out.Branches, nil
}

// Health checks that the backend answers {"status":"ok"}
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "health", "/health", &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return &Error{Op: "health", Err: fmt.Errorf("unexpected status %q", out.Status)}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, v any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return &Error{Op: op, StatusCode: httpResp.StatusCode, Detail: errorDetail(respBody)}
	}
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, 1<<20)).Decode(v); err != nil {
		return &Error{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
