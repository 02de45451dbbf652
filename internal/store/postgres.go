package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateOperation means the idempotency key was already applied.
	ErrDuplicateOperation = errors.New("operation already applied")
	// ErrOdometerRegression means a reading is lower than the last one.
	ErrOdometerRegression = errors.New("odometer reading lower than last recorded value")
	ErrEmailTaken         = errors.New("email already registered")
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `u.id, u.display_name, u.email, u.password_hash, u.role_id, r.name, u.is_super_admin, u.deactivated_at, u.created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	var deactivatedAt sql.NullTime
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.RoleID, &user.RoleName, &user.IsSuperAdmin, &deactivatedAt, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	if deactivatedAt.Valid {
		user.DeactivatedAt = &deactivatedAt.Time
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u JOIN roles r ON r.id = u.role_id WHERE u.email = $1`, strings.ToLower(email))
	return scanUser(row)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u JOIN roles r ON r.id = u.role_id WHERE u.id = $1`, userID)
	return scanUser(row)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role_id, is_super_admin)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.DisplayName, strings.ToLower(user.Email), user.PasswordHash, user.RoleID, user.IsSuperAdmin)
	if isPgError(err, pgUniqueViolation) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRole(ctx context.Context, roleID string) (Role, error) {
	var role Role
	err := s.db.QueryRowContext(ctx, `SELECT id, name, label FROM roles WHERE id = $1`, roleID).Scan(&role.ID, &role.Name, &role.Label)
	if errors.Is(err, sql.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, fmt.Errorf("read role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, label FROM roles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	roles := []Role{}
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Label); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *PostgresStore) GetAppliedOperation(ctx context.Context, key string) (AppliedOperation, error) {
	var applied AppliedOperation
	var response []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, user_id, kind, status_code, response, applied_at
		FROM applied_operations
		WHERE idempotency_key = $1
	`, key).Scan(&applied.IdempotencyKey, &applied.UserID, &applied.Kind, &applied.StatusCode, &response, &applied.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AppliedOperation{}, ErrNotFound
	}
	if err != nil {
		return AppliedOperation{}, fmt.Errorf("read applied operation: %w", err)
	}
	applied.Response = response
	return applied, nil
}

// withOperation runs fn and records the applied operation in one transaction.
// A key that is already recorded yields ErrDuplicateOperation and nothing is
// written.
func (s *PostgresStore) withOperation(ctx context.Context, applied AppliedOperation, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin operation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO applied_operations (idempotency_key, user_id, kind, status_code, response)
		VALUES ($1, $2, $3, $4, $5)
	`, applied.IdempotencyKey, applied.UserID, applied.Kind, applied.StatusCode, []byte(applied.Response))
	if isPgError(err, pgUniqueViolation) {
		return ErrDuplicateOperation
	}
	if err != nil {
		return fmt.Errorf("record operation: %w", err)
	}

	if err := fn(tx); err != nil {
		if isPgError(err, pgForeignKeyViolation) {
			return ErrNotFound
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit operation: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertInspection(ctx context.Context, inspection Inspection, applied AppliedOperation) error {
	items, err := json.Marshal(inspection.Items)
	if err != nil {
		return fmt.Errorf("marshal inspection items: %w", err)
	}
	return s.withOperation(ctx, applied, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inspections (id, vehicle_id, inspector_name, odometer, items, defect_count, submitted_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, inspection.ID, inspection.VehicleID, inspection.InspectorName, inspection.Odometer, items, inspection.DefectCount, inspection.SubmittedBy)
		if err != nil {
			return fmt.Errorf("insert inspection: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE vehicles SET odometer = GREATEST(odometer, $2), updated_at = NOW() WHERE id = $1`, inspection.VehicleID, inspection.Odometer)
		if err != nil {
			return fmt.Errorf("update vehicle odometer: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) RecordMileage(ctx context.Context, reading MileageReading, applied AppliedOperation) error {
	return s.withOperation(ctx, applied, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT odometer FROM vehicles WHERE id = $1 FOR UPDATE`, reading.VehicleID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read vehicle odometer: %w", err)
		}
		if reading.Odometer < current {
			return ErrOdometerRegression
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mileage_readings (id, vehicle_id, odometer, recorded_at, recorded_by)
			VALUES ($1, $2, $3, $4, $5)
		`, reading.ID, reading.VehicleID, reading.Odometer, reading.RecordedAt, reading.RecordedBy); err != nil {
			return fmt.Errorf("insert mileage reading: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE vehicles SET odometer = $2, updated_at = NOW() WHERE id = $1`, reading.VehicleID, reading.Odometer); err != nil {
			return fmt.Errorf("update vehicle odometer: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) InsertWorkshopComment(ctx context.Context, comment WorkshopComment, applied AppliedOperation) error {
	return s.withOperation(ctx, applied, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workshop_comments (id, task_id, body, author_id)
			VALUES ($1, $2, $3, $4)
		`, comment.ID, comment.TaskID, comment.Body, comment.AuthorID)
		if err != nil {
			return fmt.Errorf("insert workshop comment: %w", err)
		}
		return nil
	})
}

// UpsertTimesheet replaces the user's timesheet for the week. On a resubmission
// the existing row keeps its id; the returned timesheet and the stored
// operation response carry the id actually persisted.
func (s *PostgresStore) UpsertTimesheet(ctx context.Context, timesheet Timesheet, applied AppliedOperation) (Timesheet, error) {
	entries, err := json.Marshal(timesheet.Entries)
	if err != nil {
		return Timesheet{}, fmt.Errorf("marshal timesheet entries: %w", err)
	}
	err = s.withOperation(ctx, applied, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `
			INSERT INTO timesheets (id, user_id, week_ending, entries, total_hours)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, week_ending) DO UPDATE
			SET entries = EXCLUDED.entries, total_hours = EXCLUDED.total_hours, submitted_at = NOW()
			RETURNING id
		`, timesheet.ID, timesheet.UserID, timesheet.WeekEnding, entries, timesheet.TotalHours).Scan(&id)
		if err != nil {
			return fmt.Errorf("upsert timesheet: %w", err)
		}
		if id == timesheet.ID {
			return nil
		}
		timesheet.ID = id
		response, err := json.Marshal(timesheet)
		if err != nil {
			return fmt.Errorf("marshal timesheet response: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE applied_operations SET response = $2 WHERE idempotency_key = $1`, applied.IdempotencyKey, response); err != nil {
			return fmt.Errorf("record timesheet response: %w", err)
		}
		return nil
	})
	if err != nil {
		return Timesheet{}, err
	}
	return timesheet, nil
}

func (s *PostgresStore) InsertAbsence(ctx context.Context, absence Absence, applied AppliedOperation) error {
	return s.withOperation(ctx, applied, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO absences (id, user_id, start_date, end_date, reason)
			VALUES ($1, $2, $3, $4, $5)
		`, absence.ID, absence.UserID, absence.StartDate, absence.EndDate, absence.Reason)
		if err != nil {
			return fmt.Errorf("insert absence: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListInspections(ctx context.Context, vehicleID string, limit int) ([]Inspection, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vehicle_id, inspector_name, odometer, items, defect_count, submitted_by, created_at
		FROM inspections
		WHERE vehicle_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, vehicleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list inspections: %w", err)
	}
	defer rows.Close()

	inspections := []Inspection{}
	for rows.Next() {
		var inspection Inspection
		var items []byte
		if err := rows.Scan(&inspection.ID, &inspection.VehicleID, &inspection.InspectorName, &inspection.Odometer, &items, &inspection.DefectCount, &inspection.SubmittedBy, &inspection.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan inspection: %w", err)
		}
		if err := json.Unmarshal(items, &inspection.Items); err != nil {
			return nil, fmt.Errorf("unmarshal inspection items: %w", err)
		}
		inspections = append(inspections, inspection)
	}
	return inspections, rows.Err()
}

func (s *PostgresStore) InsertAudit(ctx context.Context, entry AuditEntry) error {
	var viewAs any
	if entry.ViewAsRoleID != "" {
		viewAs = entry.ViewAsRoleID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor_user_id, actual_role, view_as_role_id, effective_role, action, target)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ActorUserID, entry.ActualRole, viewAs, entry.EffectiveRole, entry.Action, entry.Target)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_user_id, actual_role, COALESCE(view_as_role_id, ''), effective_role, action, target, created_at
		FROM audit_log
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var entry AuditEntry
		if err := rows.Scan(&entry.ID, &entry.ActorUserID, &entry.ActualRole, &entry.ViewAsRoleID, &entry.EffectiveRole, &entry.Action, &entry.Target, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
