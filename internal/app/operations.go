package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"fleetsync/internal/offline"
	"fleetsync/internal/rbac"
	"fleetsync/internal/store"
	"fleetsync/internal/util"
	"go.uber.org/zap"
)

const (
	minCommentLength = 10
	dateLayout       = "2006-01-02"
)

// OperationRequest is the body of POST /api/operations.
type OperationRequest struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

type OperationResult struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Kind           string          `json:"kind"`
	Status         int             `json:"status"`
	Response       json.RawMessage `json:"response"`
	AppliedAt      time.Time       `json:"appliedAt"`
	// Duplicate is true when the key was applied before and the stored
	// result is returned unchanged.
	Duplicate bool `json:"duplicate"`
}

var requiredActions = map[offline.Kind]rbac.Action{
	offline.KindCreateInspection:      rbac.ActionInspect,
	offline.KindUpdateMileage:         rbac.ActionInspect,
	offline.KindCreateWorkshopComment: rbac.ActionWorkshop,
	offline.KindSubmitTimesheet:       rbac.ActionTimesheet,
	offline.KindRequestAbsence:        rbac.ActionTimesheet,
}

// ApplyOperation applies a replayed operation at most once per idempotency
// key. A repeated key returns the first result.
func (s *Service) ApplyOperation(ctx context.Context, actor Actor, key string, req OperationRequest) (OperationResult, error) {
	if !util.IsKey(key) {
		return OperationResult{}, domainError(http.StatusBadRequest, "INVALID_IDEMPOTENCY_KEY", "Idempotency-Key must be a UUID", nil)
	}
	kind := offline.Kind(req.Kind)
	if !kind.Known() {
		return OperationResult{}, domainError(http.StatusBadRequest, "UNKNOWN_KIND", "Unknown operation kind", map[string]string{"kind": req.Kind})
	}

	if result, found, err := s.previousResult(ctx, actor, key); err != nil || found {
		return result, err
	}

	if !actor.Can(requiredActions[kind]) {
		return OperationResult{}, errForbidden
	}

	applied := store.AppliedOperation{IdempotencyKey: key, UserID: actor.UserID, Kind: string(kind), StatusCode: http.StatusCreated}
	target, err := s.dispatch(ctx, actor, kind, req.Payload, &applied)
	if errors.Is(err, store.ErrDuplicateOperation) {
		// Lost a race with a concurrent replay of the same key.
		result, _, lookupErr := s.previousResult(ctx, actor, key)
		return result, lookupErr
	}
	if err != nil {
		return OperationResult{}, mapStoreError(err)
	}

	s.audit(ctx, actor, string(kind), target)
	s.logger.Info("operation applied",
		zap.String("kind", string(kind)),
		zap.String("idempotency_key", key),
		zap.String("actor", actor.UserID),
		zap.String("view_as", actor.ViewAsRoleID),
	)
	return OperationResult{
		IdempotencyKey: key,
		Kind:           string(kind),
		Status:         applied.StatusCode,
		Response:       applied.Response,
		AppliedAt:      s.now().UTC(),
	}, nil
}

// GetOperation reports a previously applied operation to its owner.
func (s *Service) GetOperation(ctx context.Context, actor Actor, key string) (OperationResult, error) {
	applied, err := s.store.GetAppliedOperation(ctx, key)
	if errors.Is(err, store.ErrNotFound) || (err == nil && applied.UserID != actor.UserID && !actor.IsSuperAdmin) {
		return OperationResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "Operation not found", nil)
	}
	if err != nil {
		return OperationResult{}, err
	}
	return resultFromApplied(applied, false), nil
}

func (s *Service) previousResult(ctx context.Context, actor Actor, key string) (OperationResult, bool, error) {
	applied, err := s.store.GetAppliedOperation(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return OperationResult{}, false, nil
	}
	if err != nil {
		return OperationResult{}, false, err
	}
	if applied.UserID != actor.UserID {
		return OperationResult{}, true, domainError(http.StatusConflict, "IDEMPOTENCY_KEY_REUSED", "Idempotency key belongs to another user", nil)
	}
	return resultFromApplied(applied, true), true, nil
}

func resultFromApplied(applied store.AppliedOperation, duplicate bool) OperationResult {
	return OperationResult{
		IdempotencyKey: applied.IdempotencyKey,
		Kind:           applied.Kind,
		Status:         applied.StatusCode,
		Response:       applied.Response,
		AppliedAt:      applied.AppliedAt,
		Duplicate:      duplicate,
	}
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Referenced record not found", nil)
	case errors.Is(err, store.ErrOdometerRegression):
		return domainError(http.StatusConflict, "ODOMETER_REGRESSION", "Odometer reading is lower than the last recorded value", nil)
	default:
		return err
	}
}

// dispatch validates the payload for kind and writes it. It fills in the
// stored response and returns the audit target.
func (s *Service) dispatch(ctx context.Context, actor Actor, kind offline.Kind, payload json.RawMessage, applied *store.AppliedOperation) (string, error) {
	switch kind {
	case offline.KindCreateInspection:
		inspection, err := parseInspection(payload)
		if err != nil {
			return "", err
		}
		inspection.ID = util.NewID("insp")
		inspection.SubmittedBy = actor.UserID
		inspection.CreatedAt = s.now().UTC()
		if applied.Response, err = json.Marshal(inspection); err != nil {
			return "", err
		}
		if err := s.store.InsertInspection(ctx, inspection, *applied); err != nil {
			return "", err
		}
		s.alertDefects(ctx, inspection)
		return inspection.VehicleID, nil

	case offline.KindUpdateMileage:
		reading, err := parseMileage(payload, s.now())
		if err != nil {
			return "", err
		}
		reading.ID = util.NewID("mil")
		reading.RecordedBy = actor.UserID
		if applied.Response, err = json.Marshal(reading); err != nil {
			return "", err
		}
		return reading.VehicleID, s.store.RecordMileage(ctx, reading, *applied)

	case offline.KindCreateWorkshopComment:
		comment, err := parseWorkshopComment(payload)
		if err != nil {
			return "", err
		}
		comment.ID = util.NewID("wcm")
		comment.AuthorID = actor.UserID
		comment.CreatedAt = s.now().UTC()
		if applied.Response, err = json.Marshal(comment); err != nil {
			return "", err
		}
		return comment.TaskID, s.store.InsertWorkshopComment(ctx, comment, *applied)

	case offline.KindSubmitTimesheet:
		timesheet, err := parseTimesheet(payload)
		if err != nil {
			return "", err
		}
		timesheet.ID = util.NewID("ts")
		timesheet.UserID = actor.UserID
		timesheet.SubmittedAt = s.now().UTC()
		if applied.Response, err = json.Marshal(timesheet); err != nil {
			return "", err
		}
		saved, err := s.store.UpsertTimesheet(ctx, timesheet, *applied)
		if err != nil {
			return "", err
		}
		// A resubmitted week keeps its original id.
		if saved.ID != timesheet.ID {
			if applied.Response, err = json.Marshal(saved); err != nil {
				return "", err
			}
		}
		return saved.WeekEnding.Format(dateLayout), nil

	case offline.KindRequestAbsence:
		absence, err := parseAbsence(payload)
		if err != nil {
			return "", err
		}
		absence.ID = util.NewID("abs")
		absence.UserID = actor.UserID
		absence.Status = "requested"
		absence.CreatedAt = s.now().UTC()
		if applied.Response, err = json.Marshal(absence); err != nil {
			return "", err
		}
		return absence.ID, s.store.InsertAbsence(ctx, absence, *applied)
	}
	return "", fmt.Errorf("no handler for kind %s", kind)
}

func decodePayload(payload json.RawMessage, target any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return validationError(map[string]string{"payload": "is required"})
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return validationError(map[string]string{"payload": "is not valid for this kind"})
	}
	return nil
}

func parseInspection(payload json.RawMessage) (store.Inspection, error) {
	var in struct {
		VehicleID     string                 `json:"vehicleId"`
		InspectorName string                 `json:"inspectorName"`
		Odometer      int64                  `json:"odometer"`
		Items         []store.InspectionItem `json:"items"`
	}
	if err := decodePayload(payload, &in); err != nil {
		return store.Inspection{}, err
	}

	fields := map[string]string{}
	if strings.TrimSpace(in.VehicleID) == "" {
		fields["vehicleId"] = "is required"
	}
	if strings.TrimSpace(in.InspectorName) == "" {
		fields["inspectorName"] = "is required"
	}
	if in.Odometer < 0 {
		fields["odometer"] = "must not be negative"
	}
	if len(in.Items) == 0 {
		fields["items"] = "at least one item is required"
	}
	defects := 0
	for i, item := range in.Items {
		key := fmt.Sprintf("items[%d]", i)
		switch {
		case strings.TrimSpace(item.Code) == "":
			fields[key+".code"] = "is required"
		case item.Status != "ok" && item.Status != "defect" && item.Status != "na":
			fields[key+".status"] = "must be ok, defect or na"
		case item.Status == "defect" && strings.TrimSpace(item.Note) == "":
			fields[key+".note"] = "is required for a defect"
		}
		if item.Status == "defect" {
			defects++
		}
	}
	if len(fields) > 0 {
		return store.Inspection{}, validationError(fields)
	}
	return store.Inspection{
		VehicleID:     strings.TrimSpace(in.VehicleID),
		InspectorName: strings.TrimSpace(in.InspectorName),
		Odometer:      in.Odometer,
		Items:         in.Items,
		DefectCount:   defects,
	}, nil
}

func parseMileage(payload json.RawMessage, now time.Time) (store.MileageReading, error) {
	var in struct {
		VehicleID  string     `json:"vehicleId"`
		Odometer   *int64     `json:"odometer"`
		RecordedAt *time.Time `json:"recordedAt"`
	}
	if err := decodePayload(payload, &in); err != nil {
		return store.MileageReading{}, err
	}
	fields := map[string]string{}
	if strings.TrimSpace(in.VehicleID) == "" {
		fields["vehicleId"] = "is required"
	}
	if in.Odometer == nil {
		fields["odometer"] = "is required"
	} else if *in.Odometer < 0 {
		fields["odometer"] = "must not be negative"
	}
	if len(fields) > 0 {
		return store.MileageReading{}, validationError(fields)
	}
	recordedAt := now.UTC()
	if in.RecordedAt != nil && !in.RecordedAt.IsZero() {
		recordedAt = in.RecordedAt.UTC()
	}
	return store.MileageReading{VehicleID: strings.TrimSpace(in.VehicleID), Odometer: *in.Odometer, RecordedAt: recordedAt}, nil
}

func parseWorkshopComment(payload json.RawMessage) (store.WorkshopComment, error) {
	var in struct {
		TaskID string `json:"taskId"`
		Body   string `json:"body"`
	}
	if err := decodePayload(payload, &in); err != nil {
		return store.WorkshopComment{}, err
	}
	fields := map[string]string{}
	if strings.TrimSpace(in.TaskID) == "" {
		fields["taskId"] = "is required"
	}
	body := strings.TrimSpace(in.Body)
	if utf8.RuneCountInString(body) < minCommentLength {
		fields["body"] = fmt.Sprintf("must be at least %d characters", minCommentLength)
	}
	if len(fields) > 0 {
		return store.WorkshopComment{}, validationError(fields)
	}
	return store.WorkshopComment{TaskID: strings.TrimSpace(in.TaskID), Body: body}, nil
}

func parseTimesheet(payload json.RawMessage) (store.Timesheet, error) {
	var in struct {
		WeekEnding string                 `json:"weekEnding"`
		Entries    []store.TimesheetEntry `json:"entries"`
	}
	if err := decodePayload(payload, &in); err != nil {
		return store.Timesheet{}, err
	}
	fields := map[string]string{}
	weekEnding, err := time.Parse(dateLayout, in.WeekEnding)
	if err != nil {
		fields["weekEnding"] = "must be a date (YYYY-MM-DD)"
	}
	if len(in.Entries) == 0 {
		fields["entries"] = "at least one entry is required"
	}
	seen := map[string]bool{}
	total := 0.0
	for i, entry := range in.Entries {
		key := fmt.Sprintf("entries[%d]", i)
		day, dayErr := time.Parse(dateLayout, entry.Day)
		switch {
		case dayErr != nil:
			fields[key+".day"] = "must be a date (YYYY-MM-DD)"
		case err == nil && (day.After(weekEnding) || !day.After(weekEnding.AddDate(0, 0, -7))):
			fields[key+".day"] = "must fall within the week"
		case seen[entry.Day]:
			fields[key+".day"] = "is duplicated"
		}
		seen[entry.Day] = true
		if entry.Hours < 0 || entry.Hours > 24 {
			fields[key+".hours"] = "must be between 0 and 24"
		}
		total += entry.Hours
	}
	if len(fields) > 0 {
		return store.Timesheet{}, validationError(fields)
	}
	return store.Timesheet{WeekEnding: weekEnding, Entries: in.Entries, TotalHours: total}, nil
}

func parseAbsence(payload json.RawMessage) (store.Absence, error) {
	var in struct {
		StartDate string `json:"startDate"`
		EndDate   string `json:"endDate"`
		Reason    string `json:"reason"`
	}
	if err := decodePayload(payload, &in); err != nil {
		return store.Absence{}, err
	}
	fields := map[string]string{}
	start, startErr := time.Parse(dateLayout, in.StartDate)
	if startErr != nil {
		fields["startDate"] = "must be a date (YYYY-MM-DD)"
	}
	end, endErr := time.Parse(dateLayout, in.EndDate)
	if endErr != nil {
		fields["endDate"] = "must be a date (YYYY-MM-DD)"
	}
	if startErr == nil && endErr == nil && end.Before(start) {
		fields["endDate"] = "must not be before startDate"
	}
	if len(fields) > 0 {
		return store.Absence{}, validationError(fields)
	}
	return store.Absence{StartDate: start, EndDate: end, Reason: strings.TrimSpace(in.Reason)}, nil
}
