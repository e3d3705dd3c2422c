// Package store provides SQLite-backed persistence for Overseer state.
package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the main persistence layer for Overseer.
type Store struct {
	db *sql.DB
}

// New creates a new Store, initializing the database if needed.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Jobs: one unit of webhook-triggered autonomous work
	CREATE TABLE IF NOT EXISTS jobs (
		id              TEXT PRIMARY KEY,
		source          TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		subject_ref     TEXT NOT NULL,
		skill_kind      TEXT NOT NULL,
		workspace       TEXT NOT NULL,
		status          TEXT NOT NULL,
		worktree_path   TEXT,
		branch          TEXT,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
		started_at      DATETIME,
		ended_at        DATETIME,

		-- Result
		result_summary    TEXT,
		result_commit     TEXT,
		result_error_kind TEXT,
		files_added       INTEGER DEFAULT 0,
		files_modified    INTEGER DEFAULT 0,
		files_deleted     INTEGER DEFAULT 0
	);

	-- Append-only record of every state change
	CREATE TABLE IF NOT EXISTS job_transitions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id      TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		at          DATETIME DEFAULT CURRENT_TIMESTAMP,

		FOREIGN KEY (job_id) REFERENCES jobs(id)
	);

	-- Worktree registry
	CREATE TABLE IF NOT EXISTS worktrees (
		path            TEXT PRIMARY KEY,
		branch          TEXT NOT NULL,
		job_id          TEXT NOT NULL,
		workspace       TEXT NOT NULL,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
		retained        BOOLEAN DEFAULT FALSE,
		retained_reason TEXT,
		retained_at     DATETIME,

		FOREIGN KEY (job_id) REFERENCES jobs(id)
	);

	-- Durable domain event log; version is strictly increasing per aggregate
	CREATE TABLE IF NOT EXISTS domain_events (
		id           TEXT PRIMARY KEY,
		workspace    TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		version      INTEGER NOT NULL,
		event_type   TEXT NOT NULL,
		payload      TEXT,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,

		UNIQUE (aggregate_id, version)
	);

	-- Version counters survive event-history clears so versions stay
	-- strictly increasing for the lifetime of an aggregate
	CREATE TABLE IF NOT EXISTS aggregate_versions (
		aggregate_id TEXT PRIMARY KEY,
		version      INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_workspace ON jobs(workspace);
	CREATE INDEX IF NOT EXISTS idx_transitions_job ON job_transitions(job_id, at);
	CREATE INDEX IF NOT EXISTS idx_worktrees_retained ON worktrees(retained);
	CREATE INDEX IF NOT EXISTS idx_events_workspace ON domain_events(workspace, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending       JobStatus = "pending"
	JobStatusWorktreeReady JobStatus = "worktree_ready"
	JobStatusAgentRunning  JobStatus = "agent_running"
	JobStatusCompleted     JobStatus = "completed"
	JobStatusFailed        JobStatus = "failed"
	JobStatusTimedOut      JobStatus = "timed_out"
	JobStatusCleanupDone   JobStatus = "cleanup_done"
)

// IsTerminal reports whether the status ends agent work. cleanup_done is
// the post-terminal housekeeping state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimedOut, JobStatusCleanupDone:
		return true
	}
	return false
}

// ErrorKind classifies job-stage failures.
type ErrorKind string

const (
	ErrWorktreeCreationFailed ErrorKind = "worktree_creation_failed"
	ErrAgentLaunchFailed      ErrorKind = "agent_launch_failed"
	ErrAgentTimedOut          ErrorKind = "agent_timed_out"
	ErrAgentNoResult          ErrorKind = "agent_no_result"
	ErrAgentReportedFailure   ErrorKind = "agent_reported_failure"
	ErrWorktreeUnsafe         ErrorKind = "worktree_unsafe_to_remove"
	ErrSnapshotFailed         ErrorKind = "snapshot_failed"
	ErrInterrupted            ErrorKind = "interrupted"
)

// Job represents one unit of webhook-triggered work.
type Job struct {
	ID           string
	Source       string
	EventType    string
	SubjectRef   string
	SkillKind    string
	Workspace    string
	Status       JobStatus
	WorktreePath *string
	Branch       *string
	CreatedAt    time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time
	Result       JobResult
}

// JobResult holds the outcome attached at a terminal transition.
type JobResult struct {
	Summary   string
	CommitRef string
	ErrorKind ErrorKind
	Added     int
	Modified  int
	Deleted   int
}

// Worktree represents an isolated, branch-scoped checkout owned by one job.
type Worktree struct {
	Path           string
	Branch         string
	JobID          string
	Workspace      string
	CreatedAt      time.Time
	Retained       bool
	RetainedReason *string
	RetainedAt     *time.Time
}

// Transition is one row of a job's append-only state history.
type Transition struct {
	ID   int64
	JobID string
	From JobStatus
	To   JobStatus
	At   time.Time
}
