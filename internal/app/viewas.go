package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"fleetsync/internal/rbac"
	"fleetsync/internal/store"
	"fleetsync/internal/viewas"
	"go.uber.org/zap"
)

// Actor is a session plus the role it is currently acting as.
type Actor struct {
	Session
	ViewAsRoleID  string
	EffectiveRole rbac.Role
}

func (a Actor) Can(action rbac.Action) bool {
	return rbac.Can(a.EffectiveRole, action)
}

type ViewAsState struct {
	Mode          viewas.Mode `json:"mode"`
	RoleID        string      `json:"roleId,omitempty"`
	ActualRole    string      `json:"actualRole"`
	EffectiveRole string      `json:"effectiveRole"`
}

func (s *Service) overlay(w http.ResponseWriter, r *http.Request, sess Session) *viewas.Overlay {
	var mirror viewas.Channel
	if s.mirror != nil {
		mirror = viewas.NewRedisMirror(s.mirror, sess.UserID, s.now)
	}
	return viewas.New(
		viewas.NewCookieChannel(w, r, r.TLS != nil, s.now),
		mirror,
		viewas.Fixed(sess.IsSuperAdmin),
		viewas.Options{TTL: s.cfg.ViewAsTTL, Now: s.now, Logger: s.logger.With(zap.String("user_id", sess.UserID))},
	)
}

// ResolveActor works out the effective role for a request. The header sent by
// the request layer wins over the cookie; both are ignored unless the user is
// a verified super-admin and the role exists.
func (s *Service) ResolveActor(w http.ResponseWriter, r *http.Request, sess Session) (Actor, error) {
	ctx := r.Context()
	actor := Actor{Session: sess, EffectiveRole: rbac.Normalize(sess.Role)}

	roleID := ""
	if sess.IsSuperAdmin {
		if hint := strings.TrimSpace(r.Header.Get(viewas.HeaderName)); viewas.ValidRoleID(hint) {
			roleID = hint
		}
	}
	if roleID == "" {
		roleID = s.overlay(w, r, sess).Get(ctx)
	}
	if roleID == "" {
		return actor, nil
	}

	role, err := s.store.GetRole(ctx, roleID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("ignoring view-as for unknown role", zap.String("user_id", sess.UserID), zap.String("role_id", roleID))
		return actor, nil
	}
	if err != nil {
		return Actor{}, err
	}
	actor.ViewAsRoleID = role.ID
	actor.EffectiveRole = rbac.Normalize(role.Name)
	return actor, nil
}

func (s *Service) ViewAs(actor Actor) ViewAsState {
	state := ViewAsState{Mode: viewas.ModeActual, ActualRole: actor.Role, EffectiveRole: string(actor.EffectiveRole)}
	if actor.ViewAsRoleID != "" {
		state.Mode = viewas.ModeOverridden
		state.RoleID = actor.ViewAsRoleID
	}
	return state
}

// SetViewAs stores or clears (empty roleID) the override for the session.
func (s *Service) SetViewAs(w http.ResponseWriter, r *http.Request, actor Actor, roleID string) (ViewAsState, error) {
	ctx := r.Context()
	roleID = strings.TrimSpace(roleID)

	next := Actor{Session: actor.Session, EffectiveRole: rbac.Normalize(actor.Role)}
	if roleID != "" {
		if !actor.IsSuperAdmin {
			return ViewAsState{}, domainError(http.StatusForbidden, "NOT_SUPER_ADMIN", "View-as requires a super-admin", nil)
		}
		if !viewas.ValidRoleID(roleID) {
			return ViewAsState{}, domainError(http.StatusBadRequest, "INVALID_ROLE_ID", "Invalid role id", nil)
		}
		role, err := s.store.GetRole(ctx, roleID)
		if errors.Is(err, store.ErrNotFound) {
			return ViewAsState{}, domainError(http.StatusNotFound, "ROLE_NOT_FOUND", "Role not found", nil)
		}
		if err != nil {
			return ViewAsState{}, err
		}
		next.ViewAsRoleID = role.ID
		next.EffectiveRole = rbac.Normalize(role.Name)
	}

	if err := s.overlay(w, r, actor.Session).Set(ctx, roleID); err != nil {
		switch {
		case errors.Is(err, viewas.ErrNotSuperAdmin):
			return ViewAsState{}, domainError(http.StatusForbidden, "NOT_SUPER_ADMIN", "View-as requires a super-admin", nil)
		case errors.Is(err, viewas.ErrPersistence):
			return ViewAsState{}, domainError(http.StatusServiceUnavailable, "VIEW_AS_NOT_SAVED", "View-as could not be saved", nil)
		default:
			return ViewAsState{}, err
		}
	}

	action := "view_as.set"
	if roleID == "" {
		action = "view_as.clear"
	}
	s.audit(ctx, next, action, roleID)
	return s.ViewAs(next), nil
}

type requestInfoKey struct{}

// requestInfo collects fields for the request log line.
type requestInfo struct {
	actor  string
	viewAs string
}

func withRequestInfo(ctx context.Context) (context.Context, *requestInfo) {
	info := &requestInfo{}
	return context.WithValue(ctx, requestInfoKey{}, info), info
}

func noteActor(ctx context.Context, actor Actor) {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.actor = actor.UserID
		info.viewAs = actor.ViewAsRoleID
	}
}
