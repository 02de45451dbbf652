package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID            string
	DisplayName   string
	Email         string
	PasswordHash  string
	RoleID        string
	RoleName      string
	IsSuperAdmin  bool
	DeactivatedAt *time.Time
	CreatedAt     time.Time
}

type Role struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Label string `json:"label"`
}

// AppliedOperation records a replayed operation by idempotency key together
// with the response that was returned for it.
type AppliedOperation struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	UserID         string          `json:"userId"`
	Kind           string          `json:"kind"`
	StatusCode     int             `json:"status"`
	Response       json.RawMessage `json:"response"`
	AppliedAt      time.Time       `json:"appliedAt"`
}

type InspectionItem struct {
	Code   string `json:"code"`
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

type Inspection struct {
	ID            string           `json:"id"`
	VehicleID     string           `json:"vehicleId"`
	InspectorName string           `json:"inspectorName"`
	Odometer      int64            `json:"odometer"`
	Items         []InspectionItem `json:"items"`
	DefectCount   int              `json:"defectCount"`
	SubmittedBy   string           `json:"submittedBy"`
	CreatedAt     time.Time        `json:"createdAt"`
}

type MileageReading struct {
	ID         string    `json:"id"`
	VehicleID  string    `json:"vehicleId"`
	Odometer   int64     `json:"odometer"`
	RecordedAt time.Time `json:"recordedAt"`
	RecordedBy string    `json:"recordedBy"`
}

type WorkshopComment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Body      string    `json:"body"`
	AuthorID  string    `json:"authorId"`
	CreatedAt time.Time `json:"createdAt"`
}

type TimesheetEntry struct {
	Day   string  `json:"day"`
	Hours float64 `json:"hours"`
}

type Timesheet struct {
	ID          string           `json:"id"`
	UserID      string           `json:"userId"`
	WeekEnding  time.Time        `json:"weekEnding"`
	Entries     []TimesheetEntry `json:"entries"`
	TotalHours  float64          `json:"totalHours"`
	SubmittedAt time.Time        `json:"submittedAt"`
}

type Absence struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuditEntry keeps the true actor alongside the role they acted as.
type AuditEntry struct {
	ID            int64     `json:"id"`
	ActorUserID   string    `json:"actorUserId"`
	ActualRole    string    `json:"actualRole"`
	ViewAsRoleID  string    `json:"viewAsRoleId,omitempty"`
	EffectiveRole string    `json:"effectiveRole"`
	Action        string    `json:"action"`
	Target        string    `json:"target"`
	CreatedAt     time.Time `json:"createdAt"`
}
