// Package client is the field agent's request layer. It attaches credentials,
// the view-as hint and idempotency keys to backend calls and classifies
// failures for the offline queue.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fleetsync/internal/logging"
	"fleetsync/internal/offline"
	"fleetsync/internal/viewas"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const IdempotencyHeader = "Idempotency-Key"

// APIError is a non-2xx answer from the backend outside of replay.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

// RoleSource supplies the view-as role id for outgoing requests.
type RoleSource interface {
	ViewAsRoleID(ctx context.Context) string
}

type Options struct {
	HTTPClient *http.Client
	Tokens     *TokenStore
	ViewAs     RoleSource
	// Limiter paces replay requests. Nil means unlimited.
	Limiter *rate.Limiter
	Logger  *zap.Logger
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  *TokenStore
	viewAs  RoleSource
	limiter *rate.Limiter
	logger  *zap.Logger
}

func New(baseURL string, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  opts.Tokens,
		viewAs:  opts.ViewAs,
		limiter: opts.Limiter,
		logger:  logging.OrNop(opts.Logger),
	}
}

type replayRequest struct {
	ID         string          `json:"id"`
	Kind       offline.Kind    `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Replay sends one queued operation. It implements offline.Replayer.
func (c *Client) Replay(ctx context.Context, op offline.Operation) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &offline.TransientError{Err: err}
		}
	}
	body, err := json.Marshal(replayRequest{ID: op.ID, Kind: op.Kind, Payload: op.Payload, EnqueuedAt: op.EnqueuedAt})
	if err != nil {
		return &offline.PermanentRejectionError{Code: "ENCODE_FAILED", Message: err.Error()}
	}

	header := http.Header{}
	header.Set(IdempotencyHeader, op.IdempotencyKey)
	resp, err := c.doAuthorized(ctx, http.MethodPost, "/api/operations", body, header)
	if err != nil {
		return &offline.TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	apiErr := readAPIError(resp)
	c.logger.Debug("replay answered with error",
		zap.String("operation_id", op.ID),
		zap.Int("status", apiErr.Status),
		zap.String("code", apiErr.Code),
	)
	return Classify(apiErr)
}

// Classify turns a backend error into a queue error. Client errors that
// resending cannot fix are permanent; everything else is transient.
func Classify(apiErr *APIError) error {
	switch apiErr.Status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound,
		http.StatusConflict, http.StatusGone, http.StatusRequestEntityTooLarge,
		http.StatusUnprocessableEntity:
		return &offline.PermanentRejectionError{Status: apiErr.Status, Code: apiErr.Code, Message: apiErr.Message}
	default:
		return &offline.TransientError{Status: apiErr.Status, Err: apiErr}
	}
}

// doAuthorized sends a request with the stored access token. On 401 it
// refreshes once and retries.
func (c *Client) doAuthorized(ctx context.Context, method, path string, body []byte, header http.Header) (*http.Response, error) {
	resp, err := c.do(ctx, method, path, body, header, true)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || c.tokens == nil {
		return resp, err
	}
	refreshed, refreshErr := c.refresh(ctx)
	if refreshErr != nil || !refreshed {
		if refreshErr != nil {
			c.logger.Warn("token refresh failed", zap.Error(refreshErr))
		}
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return c.do(ctx, method, path, body, header, true)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, header http.Header, authorized bool) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorized && c.tokens != nil {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if c.viewAs != nil {
		if roleID := c.viewAs.ViewAsRoleID(ctx); roleID != "" {
			req.Header.Set(viewas.HeaderName, roleID)
		}
	}
	return c.http.Do(req)
}

// sendJSON is used for calls that are not queued.
func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = encoded
	}
	resp, err := c.doAuthorized(ctx, method, path, body, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: http.StatusText(resp.StatusCode)}
	var payload struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Code != "" {
			apiErr.Code = payload.Code
		}
		if payload.Error != "" {
			apiErr.Message = payload.Error
		}
	}
	return apiErr
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
