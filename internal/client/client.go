// Package client talks to the authoritative scoring server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trialsync/internal/models"
	"trialsync/internal/syncerr"

	"github.com/rs/zerolog"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	mutationsPath        = "/mutations"
	maxErrorBody         = 4 << 10
)

// HTTPClient commits mutations and reads records. It does not retry: the
// coordinator and the queue own retry policy.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *zerolog.Logger
}

func New(baseURL string, timeout time.Duration, logger *zerolog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Commit posts the mutation. Transport failures and gateway statuses are
// network-class; any other non-2xx status is a rejection.
func (c *HTTPClient) Commit(ctx context.Context, m models.Mutation) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mutation: %w", errors.Join(syncerr.ErrValidation, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+mutationsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build commit request: %w", errors.Join(syncerr.ErrValidation, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, m.IdempotencyKey())

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug().Str("idempotency_key", m.IdempotencyKey()).Int("status", resp.StatusCode).Msg("mutation committed")
	return nil
}

// GetJSON reads path into v.
func (c *HTTPClient) GetJSON(ctx context.Context, path string, query url.Values, v any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", errors.Join(syncerr.ErrValidation, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("decode %s: %w", path, errors.Join(syncerr.ErrNetwork, err))
		}
		return fmt.Errorf("decode %s: %w", path, errors.Join(syncerr.ErrValidation, err))
	}
	return nil
}

func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, syncerr.ErrCancelled)
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, errors.Join(syncerr.ErrNetwork, err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	if retryableStatus(resp.StatusCode) {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, errors.Join(syncerr.ErrNetwork, statusErr))
	}
	return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, errors.Join(syncerr.ErrValidation, statusErr))
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// retryableStatus lists statuses produced before the request reached the
// scoring service.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
