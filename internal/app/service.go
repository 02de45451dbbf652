package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fleetsync/internal/auth"
	"fleetsync/internal/authpw"
	"fleetsync/internal/config"
	"fleetsync/internal/logging"
	"fleetsync/internal/rbac"
	"fleetsync/internal/session"
	"fleetsync/internal/store"
	"fleetsync/internal/util"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Session is an authenticated user as of this request. Role and IsSuperAdmin
// come from the database, never from the token.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	RoleID       string
	Role         string
	IsSuperAdmin bool
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(context.Context) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) error
	GetRole(context.Context, string) (store.Role, error)
	ListRoles(context.Context) ([]store.Role, error)
	GetAppliedOperation(context.Context, string) (store.AppliedOperation, error)
	InsertInspection(context.Context, store.Inspection, store.AppliedOperation) error
	RecordMileage(context.Context, store.MileageReading, store.AppliedOperation) error
	InsertWorkshopComment(context.Context, store.WorkshopComment, store.AppliedOperation) error
	UpsertTimesheet(context.Context, store.Timesheet, store.AppliedOperation) (store.Timesheet, error)
	InsertAbsence(context.Context, store.Absence, store.AppliedOperation) error
	ListInspections(context.Context, string, int) ([]store.Inspection, error)
	InsertAudit(context.Context, store.AuditEntry) error
	ListAudit(context.Context, int) ([]store.AuditEntry, error)
}

type refreshStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	ConsumeRefreshSession(context.Context, string) (string, error)
	RevokeRefreshSession(context.Context, string) error
}

// DefectNotifier is told about every applied inspection that found defects.
type DefectNotifier interface {
	NotifyDefects(context.Context, store.Inspection) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  refreshStore
	passwords *authpw.Service
	// mirror backs the server-side copy of the view-as override. Optional.
	mirror *redis.Client
	alerts DefectNotifier
	logger *zap.Logger
	now    func() time.Time
}

func New(cfg config.Config, dataStore dataStore, sessions refreshStore, mirror *redis.Client, logger *zap.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		passwords: authpw.NewService(dataStore),
		mirror:    mirror,
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
}

// SetDefectNotifier enables defect alerts. Alerts are sent in the background
// and never fail the operation that triggered them.
func (s *Service) SetDefectNotifier(n DefectNotifier) {
	s.alerts = n
}

func (s *Service) alertDefects(ctx context.Context, inspection store.Inspection) {
	if s.alerts == nil || inspection.DefectCount == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	go func() {
		defer cancel()
		if err := s.alerts.NotifyDefects(ctx, inspection); err != nil {
			s.logger.Warn("defect alert not sent",
				zap.String("inspection_id", inspection.ID),
				zap.String("vehicle_id", inspection.VehicleID),
				zap.Error(err),
			)
		}
	}()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap creates the configured super-admin account if it does not exist
// yet. It is a no-op when no bootstrap email is configured.
func (s *Service) Bootstrap(ctx context.Context) error {
	email := authpw.NormalizeEmail(s.cfg.BootstrapEmail)
	if email == "" {
		return nil
	}
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("look up bootstrap user: %w", err)
	}

	hash, err := s.passwords.HashPassword(s.cfg.BootstrapPassword)
	if err != nil {
		return fmt.Errorf("bootstrap password: %w", err)
	}
	user := store.User{
		ID:           util.NewID("usr"),
		DisplayName:  s.cfg.BootstrapName,
		Email:        email,
		PasswordHash: hash,
		RoleID:       "role_admin",
		IsSuperAdmin: true,
	}
	if err := s.store.CreateUser(ctx, user); err != nil && !errors.Is(err, store.ErrEmailTaken) {
		return fmt.Errorf("create bootstrap user: %w", err)
	}
	s.logger.Info("bootstrap super-admin ready", zap.String("email", email))
	return nil
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.Authenticate(ctx, email, password)
	if err != nil {
		if errors.Is(err, authpw.ErrUserDeactivated) {
			return Session{}, domainError(http.StatusForbidden, "USER_DEACTIVATED", "Account is deactivated", nil)
		}
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token. Each token can be used once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, auth.ErrInvalidToken
	}
	userID, err := s.sessions.ConsumeRefreshSession(ctx, auth.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if user.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.NewClaims(user.ID, user.DisplayName, user.RoleName, jti, user.IsSuperAdmin, expiresAt))
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		RoleID:       user.RoleID,
		Role:         user.RoleName,
		IsSuperAdmin: user.IsSuperAdmin,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token and re-reads the user, so a
// revoked super-admin flag takes effect on the next request.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if user.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if claims.SuperAdmin && !user.IsSuperAdmin {
		s.logger.Info("super-admin flag revoked since token issue", zap.String("user_id", user.ID))
	}

	return Session{
		Token:        token,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		RoleID:       user.RoleID,
		Role:         user.RoleName,
		IsSuperAdmin: user.IsSuperAdmin,
		JTI:          claims.ID,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) ListRoles(ctx context.Context, actor Actor) ([]store.Role, error) {
	if !actor.IsSuperAdmin {
		return nil, errForbidden
	}
	return s.store.ListRoles(ctx)
}

func (s *Service) ListInspections(ctx context.Context, actor Actor, vehicleID string) ([]store.Inspection, error) {
	if !actor.Can(rbac.ActionRead) {
		return nil, errForbidden
	}
	return s.store.ListInspections(ctx, vehicleID, 50)
}

// ListAudit is restricted to the actual identity: viewing as another role
// neither grants nor removes access.
func (s *Service) ListAudit(ctx context.Context, actor Actor, limit int) ([]store.AuditEntry, error) {
	if !actor.IsSuperAdmin {
		return nil, errForbidden
	}
	return s.store.ListAudit(ctx, limit)
}

// audit records a mutation by the true actor. Failures are logged only.
func (s *Service) audit(ctx context.Context, actor Actor, action, target string) {
	entry := store.AuditEntry{
		ActorUserID:   actor.UserID,
		ActualRole:    actor.Role,
		ViewAsRoleID:  actor.ViewAsRoleID,
		EffectiveRole: string(actor.EffectiveRole),
		Action:        action,
		Target:        target,
	}
	if err := s.store.InsertAudit(ctx, entry); err != nil {
		s.logger.Error("audit write failed",
			zap.Error(err),
			zap.String("actor", actor.UserID),
			zap.String("action", action),
		)
	}
}
