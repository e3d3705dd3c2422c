// Package event defines the domain event model and the in-process bus that
// fans events out to per-workspace subscribers.
package event

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// Type categorizes domain events.
type Type string

const (
	TypeJobQueued        Type = "job_queued"
	TypeJobStarted       Type = "job_started"
	TypeJobProgress      Type = "job_progress"
	TypeJobCompleted     Type = "job_completed"
	TypeJobFailed        Type = "job_failed"
	TypeJobTimedOut      Type = "job_timed_out"
	TypeWorktreeReady    Type = "worktree_ready"
	TypeWorktreeRemoved  Type = "worktree_removed"
	TypeWorktreeRetained Type = "worktree_retained"
	TypeAgentLog         Type = "agent_log"
	TypeError            Type = "error"
)

// DomainEvent is an immutable, versioned fact about a state change. Version
// is monotonically increasing per aggregate; subscribers use it to discard
// stale or out-of-order deliveries.
type DomainEvent struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Type        Type            `json:"type"`
	Workspace   string          `json:"workspace"`
	AggregateID string          `json:"aggregate_id"`
	Version     int64           `json:"version"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ProgressPayload is the payload for job_progress events.
type ProgressPayload struct {
	Step  int `json:"step"`
	Total int `json:"total"`
}

// ResultPayload is the payload for terminal job events.
type ResultPayload struct {
	Summary   string `json:"summary,omitempty"`
	CommitRef string `json:"commit_ref,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Added     int    `json:"files_added,omitempty"`
	Modified  int    `json:"files_modified,omitempty"`
	Deleted   int    `json:"files_deleted,omitempty"`
}

// RetainedPayload reports a worktree kept for manual inspection.
type RetainedPayload struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a lexically time-sortable event ID.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// New creates a DomainEvent with a fresh ID and timestamp. The version is
// assigned later, when the event is appended to the durable log.
func New(eventType Type, workspace, aggregateID string, payload any) *DomainEvent {
	ev := &DomainEvent{
		ID:          NewID(),
		Timestamp:   time.Now().UTC(),
		Type:        eventType,
		Workspace:   workspace,
		AggregateID: aggregateID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			ev.Payload = data
		}
	}
	return ev
}
