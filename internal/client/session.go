package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	accessTokenKey  = "session.access_token"
	refreshTokenKey = "session.refresh_token"
)

// Settings is the subset of the agent's local key/value store used for
// credentials.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string, expiresAt time.Time) error
	DeleteSetting(ctx context.Context, key string) error
}

// TokenStore persists the access and refresh tokens between runs.
type TokenStore struct {
	settings Settings
	mu       sync.Mutex
}

func NewTokenStore(settings Settings) *TokenStore {
	return &TokenStore{settings: settings}
}

func (t *TokenStore) AccessToken(ctx context.Context) (string, error) {
	value, _, err := t.settings.GetSetting(ctx, accessTokenKey)
	if err != nil {
		return "", fmt.Errorf("load access token: %w", err)
	}
	return value, nil
}

func (t *TokenStore) RefreshToken(ctx context.Context) (string, error) {
	value, _, err := t.settings.GetSetting(ctx, refreshTokenKey)
	if err != nil {
		return "", fmt.Errorf("load refresh token: %w", err)
	}
	return value, nil
}

func (t *TokenStore) Save(ctx context.Context, tokens Tokens) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var accessExpiry time.Time
	if tokens.ExpiresAt > 0 {
		accessExpiry = time.Unix(tokens.ExpiresAt, 0)
	}
	if err := t.settings.PutSetting(ctx, accessTokenKey, tokens.AccessToken, accessExpiry); err != nil {
		return fmt.Errorf("save access token: %w", err)
	}
	if tokens.RefreshToken != "" {
		if err := t.settings.PutSetting(ctx, refreshTokenKey, tokens.RefreshToken, time.Time{}); err != nil {
			return fmt.Errorf("save refresh token: %w", err)
		}
	}
	return nil
}

func (t *TokenStore) Clear(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return errors.Join(
		t.settings.DeleteSetting(ctx, accessTokenKey),
		t.settings.DeleteSetting(ctx, refreshTokenKey),
	)
}

type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	Role         string `json:"role"`
}

// SessionInfo mirrors GET /api/session.
type SessionInfo struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	ActualRole    string `json:"actualRole"`
	EffectiveRole string `json:"effectiveRole"`
	ViewAsRoleID  string `json:"viewAsRoleId"`
	IsSuperAdmin  bool   `json:"isSuperAdmin"`
}

// Login exchanges credentials for tokens and stores them.
func (c *Client) Login(ctx context.Context, email, password string) (Tokens, error) {
	var tokens Tokens
	body := map[string]string{"email": email, "password": password}
	if err := c.sendJSON(ctx, http.MethodPost, "/api/session/login", body, &tokens); err != nil {
		return Tokens{}, err
	}
	if c.tokens != nil {
		if err := c.tokens.Save(ctx, tokens); err != nil {
			return Tokens{}, err
		}
	}
	return tokens, nil
}

// Logout revokes the refresh token server-side and forgets local tokens.
func (c *Client) Logout(ctx context.Context) error {
	if c.tokens == nil {
		return nil
	}
	refresh, err := c.tokens.RefreshToken(ctx)
	if err != nil {
		return err
	}
	if refresh != "" {
		if err := c.sendJSON(ctx, http.MethodPost, "/api/session/logout", map[string]string{"refreshToken": refresh}, nil); err != nil {
			c.logger.Sugar().Warnw("server logout failed", "error", err)
		}
	}
	return c.tokens.Clear(ctx)
}

func (c *Client) Session(ctx context.Context) (SessionInfo, error) {
	var info SessionInfo
	err := c.sendJSON(ctx, http.MethodGet, "/api/session", nil, &info)
	return info, err
}

// refresh rotates tokens with the stored refresh token. It reports false
// when there is nothing to refresh with.
func (c *Client) refresh(ctx context.Context) (bool, error) {
	refresh, err := c.tokens.RefreshToken(ctx)
	if err != nil || refresh == "" {
		return false, err
	}
	body := []byte(fmt.Sprintf(`{"refreshToken":%q}`, refresh))
	resp, err := c.do(ctx, http.MethodPost, "/api/session/refresh", body, nil, false)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, readAPIError(resp)
	}
	var tokens Tokens
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return false, fmt.Errorf("decode refreshed tokens: %w", err)
	}
	return true, c.tokens.Save(ctx, tokens)
}

// ViewAsState mirrors the /api/view-as payload.
type ViewAsState struct {
	Mode          string `json:"mode"`
	RoleID        string `json:"roleId,omitempty"`
	EffectiveRole string `json:"effectiveRole"`
}

func (c *Client) GetViewAs(ctx context.Context) (ViewAsState, error) {
	var state ViewAsState
	err := c.sendJSON(ctx, http.MethodGet, "/api/view-as", nil, &state)
	return state, err
}

func (c *Client) SetViewAs(ctx context.Context, roleID string) (ViewAsState, error) {
	var state ViewAsState
	err := c.sendJSON(ctx, http.MethodPut, "/api/view-as", map[string]string{"roleId": roleID}, &state)
	return state, err
}

func (c *Client) ClearViewAs(ctx context.Context) (ViewAsState, error) {
	var state ViewAsState
	err := c.sendJSON(ctx, http.MethodDelete, "/api/view-as", nil, &state)
	return state, err
}

// OperationStatus mirrors GET /api/operations/{key}.
type OperationStatus struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Kind           string `json:"kind"`
	Status         int    `json:"status"`
	AppliedAt      string `json:"appliedAt"`
}

func (c *Client) OperationStatus(ctx context.Context, key string) (OperationStatus, error) {
	var status OperationStatus
	err := c.sendJSON(ctx, http.MethodGet, "/api/operations/"+key, nil, &status)
	return status, err
}
