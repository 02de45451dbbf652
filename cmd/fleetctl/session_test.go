package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetsync/internal/config"
	"fleetsync/internal/viewas"
	"go.uber.org/zap"
)

// sessionAPI keeps the server side of one super-admin session, including the
// view-as mirror that outlives the CLI's local state.
type sessionAPI struct {
	mu         sync.Mutex
	superAdmin bool
	viewAs     string
	failClear  bool
	calls      []string
}

func (f *sessionAPI) setSuperAdmin(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.superAdmin = v
}

func (f *sessionAPI) snapshot() (string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewAs, append([]string(nil), f.calls...)
}

func (f *sessionAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == "/api/health":
		_, _ = w.Write([]byte(`{"ok":true}`))
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/login":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "access-1",
			"refreshToken": "refresh-1",
			"expiresAt":    time.Now().Add(time.Hour).Unix(),
			"userId":       "usr_admin",
			"userName":     "Sam Admin",
			"role":         "admin",
		})
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/logout":
		_, _ = w.Write([]byte(`{"ok":true}`))
	case r.Method == http.MethodGet && r.URL.Path == "/api/session":
		roleID := f.viewAs
		if hint := r.Header.Get(viewas.HeaderName); hint != "" && f.superAdmin {
			roleID = hint
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"authenticated": true,
			"userId":        "usr_admin",
			"isSuperAdmin":  f.superAdmin,
			"viewAsRoleId":  roleID,
		})
	case r.Method == http.MethodPut && r.URL.Path == "/api/view-as":
		var body struct {
			RoleID string `json:"roleId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !f.superAdmin {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"code":"NOT_SUPER_ADMIN","error":"View-as requires a super-admin"}`))
			return
		}
		f.viewAs = body.RoleID
		_ = json.NewEncoder(w).Encode(map[string]any{"mode": "overridden", "roleId": body.RoleID, "effectiveRole": "workshop"})
	case r.Method == http.MethodDelete && r.URL.Path == "/api/view-as":
		if f.failClear {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"VIEW_AS_NOT_SAVED","error":"View-as could not be saved"}`))
			return
		}
		f.viewAs = ""
		_, _ = w.Write([]byte(`{"mode":"actual","effectiveRole":"admin"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func signedInAsSuperAdmin(t *testing.T) (*sessionAPI, []string) {
	t.Helper()
	api := &sessionAPI{superAdmin: true}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	common := []string{"--api", server.URL, "--db", filepath.Join(t.TempDir(), "agent.db"), "--log-level", "error"}

	t.Setenv("FLEETCTL_PASSWORD", "correct horse")
	if out, err := runCLI(t, append([]string{"login", "--email", "sam@example.com"}, common...)...); err != nil {
		t.Fatalf("login: err=%v out=%s", err, out)
	}
	if out, err := runCLI(t, append([]string{"view-as", "set", "role_workshop"}, common...)...); err != nil || !strings.Contains(out, "viewing as role_workshop") {
		t.Fatalf("view-as set: err=%v out=%s", err, out)
	}
	return api, common
}

func TestViewAsDroppedWhenSessionLosesSuperAdmin(t *testing.T) {
	api := &sessionAPI{superAdmin: true}
	server := httptest.NewServer(api)
	defer server.Close()

	logger = zap.NewNop()
	agentConf = config.AgentConfig{APIURL: server.URL, DBPath: filepath.Join(t.TempDir(), "agent.db"), ProbeInterval: time.Second}
	ctx := context.Background()
	a, err := openAgent(ctx)
	if err != nil {
		t.Fatalf("openAgent() error = %v", err)
	}
	defer a.Close()

	if err := a.viewAs.Set(ctx, "role_workshop"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got := a.viewAs.Get(ctx); got != "role_workshop" {
		t.Fatalf("Get() = %q, want role_workshop", got)
	}

	api.setSuperAdmin(false)
	if got := a.viewAs.Get(ctx); got != "" {
		t.Fatalf("after demotion Get() = %q, want empty", got)
	}

	// The stored value was wiped, not just hidden.
	api.setSuperAdmin(true)
	if got := a.viewAs.Get(ctx); got != "" {
		t.Fatalf("override came back after re-promotion: %q", got)
	}
}

func TestLogoutClearsServerViewAsBeforeRevoking(t *testing.T) {
	api, common := signedInAsSuperAdmin(t)

	if out, err := runCLI(t, append([]string{"logout"}, common...)...); err != nil || !strings.Contains(out, "signed out") {
		t.Fatalf("logout: err=%v out=%s", err, out)
	}
	mirror, calls := api.snapshot()
	if mirror != "" {
		t.Fatalf("server still holds view-as %q after logout", mirror)
	}
	clearAt, logoutAt := -1, -1
	for i, call := range calls {
		switch call {
		case "DELETE /api/view-as":
			clearAt = i
		case "POST /api/session/logout":
			logoutAt = i
		}
	}
	if clearAt < 0 || logoutAt < 0 || clearAt > logoutAt {
		t.Fatalf("expected view-as clear before token revocation, calls %v", calls)
	}
}

func TestViewAsClearFailsWhenServerKeepsOverride(t *testing.T) {
	api, common := signedInAsSuperAdmin(t)
	api.mu.Lock()
	api.failClear = true
	api.mu.Unlock()

	if _, err := runCLI(t, append([]string{"view-as", "clear"}, common...)...); err == nil {
		t.Fatal("expected clear to fail while the server keeps the override")
	}
	out, err := runCLI(t, append([]string{"view-as", "get"}, common...)...)
	if err != nil || !strings.Contains(out, "role: role_workshop") {
		t.Fatalf("local state should still match the server: err=%v out=%s", err, out)
	}
}
