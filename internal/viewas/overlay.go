// Package viewas lets a verified super-admin act as another role without
// changing who they are authenticated as.
package viewas

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"fleetsync/internal/logging"
	"go.uber.org/zap"
)

const (
	// HeaderName carries the override on outgoing requests.
	HeaderName = "X-View-As-Role-Id"
	DefaultTTL = 30 * 24 * time.Hour
)

var (
	ErrNotSuperAdmin = errors.New("view-as requires a verified super-admin session")
	ErrInvalidRoleID = errors.New("invalid view-as role id")
	ErrPersistence   = errors.New("view-as override could not be persisted")
	// ErrAuthorizationDowngrade is logged when a stored override is dropped
	// because the session is no longer a verified super-admin.
	ErrAuthorizationDowngrade = errors.New("view-as override dropped: session is not a verified super-admin")
)

var roleIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,63}$`)

// ValidRoleID reports whether id is acceptable as an override value.
func ValidRoleID(id string) bool {
	return roleIDPattern.MatchString(id)
}

// Channel is one storage location for the override.
type Channel interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, roleID string, expiresAt time.Time) error
	Clear(ctx context.Context) error
}

// Verifier answers whether the current session is a super-admin. It is
// consulted on every read and must not trust stored override state.
type Verifier interface {
	IsSuperAdmin(ctx context.Context) (bool, error)
}

type VerifierFunc func(ctx context.Context) (bool, error)

func (f VerifierFunc) IsSuperAdmin(ctx context.Context) (bool, error) { return f(ctx) }

// Fixed returns a Verifier with a constant answer, for sessions already
// verified upstream.
func Fixed(superAdmin bool) Verifier {
	return VerifierFunc(func(context.Context) (bool, error) { return superAdmin, nil })
}

type Mode string

const (
	ModeActual     Mode = "actual"
	ModeOverridden Mode = "overridden"
)

type State struct {
	Mode   Mode   `json:"mode"`
	RoleID string `json:"roleId,omitempty"`
}

type Options struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger *zap.Logger
}

// Overlay holds the override for one session. primary is the source of
// truth; mirror, if set, is a redundant copy used to restore primary.
type Overlay struct {
	primary  Channel
	mirror   Channel
	verifier Verifier
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu     sync.Mutex
	roleID string
}

func New(primary, mirror Channel, verifier Verifier, opts Options) *Overlay {
	o := &Overlay{
		primary:  primary,
		mirror:   mirror,
		verifier: verifier,
		ttl:      opts.TTL,
		now:      opts.Now,
		logger:   logging.OrNop(opts.Logger),
	}
	if o.ttl <= 0 {
		o.ttl = DefaultTTL
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Set stores roleID as the override, or clears it when roleID is empty.
// Clearing is always allowed; setting requires a verified super-admin. The
// in-memory value is updated even if persistence fails.
func (o *Overlay) Set(ctx context.Context, roleID string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID != "" {
		if !ValidRoleID(roleID) {
			return ErrInvalidRoleID
		}
		verified, err := o.verifier.IsSuperAdmin(ctx)
		if err != nil {
			return fmt.Errorf("verify super-admin: %w", err)
		}
		if !verified {
			return ErrNotSuperAdmin
		}
	}

	o.mu.Lock()
	o.roleID = roleID
	o.mu.Unlock()

	if roleID == "" {
		return o.clearChannels(ctx)
	}
	expiresAt := o.now().Add(o.ttl)
	var errs []error
	for _, ch := range o.channels() {
		if err := ch.Save(ctx, roleID, expiresAt); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrPersistence, errors.Join(errs...))
	}
	return nil
}

// Get returns the persisted override, or "" when none is set. For a session
// that is not a verified super-admin it always returns "" and wipes any stale
// value from both channels.
func (o *Overlay) Get(ctx context.Context) string {
	verified, err := o.verifier.IsSuperAdmin(ctx)
	if err != nil {
		o.logger.Warn("view-as verification failed; using actual role", zap.Error(err))
		return ""
	}
	if !verified {
		o.downgrade(ctx)
		return ""
	}

	value, err := o.primary.Load(ctx)
	if err != nil {
		o.logger.Warn("view-as primary read failed", zap.Error(err))
		value = ""
	}
	if o.mirror != nil {
		mirrored, mirrorErr := o.mirror.Load(ctx)
		if mirrorErr != nil {
			o.logger.Warn("view-as mirror read failed", zap.Error(mirrorErr))
		}
		switch {
		case value == "" && mirrored != "" && err == nil:
			// Primary was cleared out from under us; restore it.
			value = mirrored
			if saveErr := o.primary.Save(ctx, value, o.now().Add(o.ttl)); saveErr != nil {
				o.logger.Warn("view-as primary restore failed", zap.Error(saveErr))
			}
		case value == "" && mirrored != "":
			value = mirrored
		case value != "" && mirrored != value && mirrorErr == nil:
			if saveErr := o.mirror.Save(ctx, value, o.now().Add(o.ttl)); saveErr != nil {
				o.logger.Warn("view-as mirror sync failed", zap.Error(saveErr))
			}
		}
	}
	if value != "" && !ValidRoleID(value) {
		o.logger.Warn("discarding malformed view-as value")
		_ = o.clearChannels(ctx)
		value = ""
	}

	o.mu.Lock()
	o.roleID = value
	o.mu.Unlock()
	return value
}

// State reports the overlay state machine position.
func (o *Overlay) State(ctx context.Context) State {
	if roleID := o.Get(ctx); roleID != "" {
		return State{Mode: ModeOverridden, RoleID: roleID}
	}
	return State{Mode: ModeActual}
}

// EffectiveRoleID returns the override if one is active, otherwise actual.
func (o *Overlay) EffectiveRoleID(ctx context.Context, actual string) string {
	if roleID := o.Get(ctx); roleID != "" {
		return roleID
	}
	return actual
}

// ViewAsRoleID satisfies the request layer's role source.
func (o *Overlay) ViewAsRoleID(ctx context.Context) string {
	return o.Get(ctx)
}

func (o *Overlay) downgrade(ctx context.Context) {
	o.mu.Lock()
	had := o.roleID != ""
	o.roleID = ""
	o.mu.Unlock()

	if !had {
		for _, ch := range o.channels() {
			if value, err := ch.Load(ctx); err == nil && value != "" {
				had = true
				break
			}
		}
	}
	if !had {
		return
	}
	o.logger.Warn("view-as override reset to actual role", zap.Error(ErrAuthorizationDowngrade))
	if err := o.clearChannels(ctx); err != nil {
		o.logger.Warn("view-as cleanup failed", zap.Error(err))
	}
}

func (o *Overlay) clearChannels(ctx context.Context) error {
	var errs []error
	for _, ch := range o.channels() {
		if err := ch.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrPersistence, errors.Join(errs...))
	}
	return nil
}

func (o *Overlay) channels() []Channel {
	if o.mirror == nil {
		return []Channel{o.primary}
	}
	return []Channel{o.primary, o.mirror}
}
