// Package offline buffers mutations made while the agent has no connectivity
// and replays them, strictly in enqueue order, once it comes back.
package offline

import (
	"encoding/json"
	"time"
)

// Kind discriminates replayable operations.
type Kind string

const (
	KindCreateInspection      Kind = "inspection.create"
	KindUpdateMileage         Kind = "mileage.update"
	KindCreateWorkshopComment Kind = "workshop_comment.create"
	KindSubmitTimesheet       Kind = "timesheet.submit"
	KindRequestAbsence        Kind = "absence.request"
)

var knownKinds = map[Kind]struct{}{
	KindCreateInspection:      {},
	KindUpdateMileage:         {},
	KindCreateWorkshopComment: {},
	KindSubmitTimesheet:       {},
	KindRequestAbsence:        {},
}

// Known reports whether k is one of the kinds the backend accepts.
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

type Status string

const (
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// Operation is a queued mutation. Seq is assigned by the Store and defines
// replay order.
type Operation struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	Attempts       int             `json:"attempts"`
	Status         Status          `json:"status"`
	LastError      string          `json:"lastError,omitempty"`
	LastAttemptAt  *time.Time      `json:"lastAttemptAt,omitempty"`
}

// DrainResult describes one ProcessQueue pass.
type DrainResult struct {
	// Replayed holds ids removed after a confirmed replay, in order.
	Replayed []string
	// Failed holds operations moved to the terminal failed state in this pass.
	Failed []Operation
	// Halted is set when the pass stopped early; HaltedOn names the operation
	// that stays at the head of the queue and Cause is why.
	Halted   bool
	HaltedOn string
	Cause    error
	// Remaining is the pending backlog after the pass.
	Remaining int
	// Skipped is set when the queue was offline and nothing was attempted.
	Skipped bool
	// Coalesced is set for callers that joined a pass already in flight.
	Coalesced bool
}
