// Package api is the REST client for the shopping-list backend. Every call
// returns a Response envelope; a missing Data field is the failure signal.
package api

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
	"sync"
	"time"

	"github.com/dukerupert/listsync/internal/syncerr"
)

var (
	ErrUnauthorized = errors.New("access token rejected")
	ErrNoToken      = errors.New("no access token available")
)

// TokenSource supplies the bearer token for authenticated calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Config holds REST client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Response is the uniform result of every call.
type Response[T any] struct {
	Data      *T
	Detail    string
	ErrorCode string
	Status    int

	op    string
	cause error
}

// OK reports whether the call produced data.
func (r Response[T]) OK() bool { return r.Data != nil }

// Err classifies a failed response. It returns nil when Data is present.
func (r Response[T]) Err() error {
	if r.Data != nil {
		return nil
	}
	msg := r.Detail
	if msg == "" && r.cause != nil {
		msg = r.cause.Error()
	}
	if msg == "" {
		msg = fmt.Sprintf("status %d", r.Status)
	}

	switch {
	case syncerr.IsTransient(r.cause):
		return syncerr.New(syncerr.KindTransient, r.op, r.cause)
	case errors.Is(r.cause, ErrNoToken):
		return syncerr.New(syncerr.KindAuth, r.op, r.cause)
	case r.Status == http.StatusUnauthorized || r.Status == http.StatusForbidden:
		return syncerr.New(syncerr.KindAuth, r.op, fmt.Errorf("%w: %s", ErrUnauthorized, msg))
	case r.Status == http.StatusBadRequest, r.Status == http.StatusNotFound,
		r.Status == http.StatusConflict, r.Status == http.StatusUnprocessableEntity:
		return syncerr.New(syncerr.KindValidation, r.op, errors.New(msg))
	case r.cause != nil:
		return syncerr.New(syncerr.KindTransient, r.op, r.cause)
	default:
		return syncerr.New(syncerr.KindTransient, r.op, errors.New(msg))
	}
}

func failed[T any](op string, status int, cause error) Response[T] {
	return Response[T]{op: op, Status: status, cause: cause, ErrorCode: "network_error"}
}

// tokenError classifies a token source failure. A refresh that failed on the
// network keeps its transient kind; anything else means there is no usable
// session.
func tokenError(err error) error {
	if syncerr.IsTransient(err) {
		return fmt.Errorf("refresh access token: %w", err)
	}
	return fmt.Errorf("%w: %v", ErrNoToken, err)
}

// Client talks JSON to the backend.
type Client struct {
	mu         sync.RWMutex
	cfg        Config
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a REST client. tokens may be nil and set later with
// SetTokenSource, since the session provider itself depends on this client.
func NewClient(cfg Config, tokens TokenSource, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:    cfg,
		tokens: tokens,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	c.tokens = ts
	c.mu.Unlock()
}

type errorBody struct {
	Detail    json.RawMessage `json:"detail"`
	ErrorCode string          `json:"error_code"`
}

type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
	auth   bool
}

func call[T any](ctx context.Context, c *Client, r request) Response[T] {
	var reader io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return failed[T](r.op, 0, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	target := c.cfg.BaseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, reader)
	if err != nil {
		return failed[T](r.op, 0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if r.auth {
		c.mu.RLock()
		ts := c.tokens
		c.mu.RUnlock()
		if ts == nil {
			return failed[T](r.op, 0, ErrNoToken)
		}
		token, err := ts.AccessToken(ctx)
		if err != nil {
			return failed[T](r.op, 0, tokenError(err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failed[T](r.op, 0, fmt.Errorf("%s request: %w", r.op, err))
	}
	defer resp.Body.Close()

	out := Response[T]{op: r.op, Status: resp.StatusCode}

	if resp.StatusCode >= 300 {
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &eb) == nil {
			out.Detail = detailText(eb.Detail)
			out.ErrorCode = eb.ErrorCode
		} else {
			out.Detail = strings.TrimSpace(string(raw))
		}
		if out.ErrorCode == "" {
			out.ErrorCode = http.StatusText(resp.StatusCode)
		}
		c.logger.Debug("api call failed", "op", r.op, "status", resp.StatusCode, "detail", out.Detail)
		return out
	}

	var data T
	if resp.StatusCode == http.StatusNoContent {
		out.Data = &data
		return out
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			out.Data = &data
			return out
		}
		out.cause = fmt.Errorf("decode response: %w", err)
		out.ErrorCode = "decode_error"
		return out
	}
	out.Data = &data
	return out
}

// detailText flattens FastAPI's detail field, which is a string for most
// errors and a list of objects for validation errors.
func detailText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal(raw, &list) == nil {
		msgs := make([]string, 0, len(list))
		for _, e := range list {
			if e.Msg != "" {
				msgs = append(msgs, e.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return string(raw)
}
