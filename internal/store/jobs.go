package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status change is not allowed by
// the job lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

// validTransitions maps each status to the statuses a job may move to next.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:       {JobStatusWorktreeReady, JobStatusFailed},
	JobStatusWorktreeReady: {JobStatusAgentRunning, JobStatusFailed},
	JobStatusAgentRunning:  {JobStatusCompleted, JobStatusFailed, JobStatusTimedOut},
	JobStatusCompleted:     {JobStatusCleanupDone},
	JobStatusFailed:        {JobStatusCleanupDone},
	JobStatusTimedOut:      {JobStatusCleanupDone},
}

func canTransition(from, to JobStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CreateJob inserts a new job in pending status.
func (s *Store) CreateJob(job *Job) error {
	job.Status = JobStatusPending
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, source, event_type, subject_ref, skill_kind, workspace, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Source, job.EventType, job.SubjectRef, job.SkillKind, job.Workspace, job.Status,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob returns one job by ID.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT id, source, event_type, subject_ref, skill_kind, workspace, status,
		       worktree_path, branch, created_at, started_at, ended_at,
		       result_summary, result_commit, result_error_kind,
		       files_added, files_modified, files_deleted
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns jobs ordered newest first, optionally filtered by
// workspace. A limit of 0 means no limit.
func (s *Store) ListJobs(workspace string, limit int) ([]*Job, error) {
	query := `
		SELECT id, source, event_type, subject_ref, skill_kind, workspace, status,
		       worktree_path, branch, created_at, started_at, ended_at,
		       result_summary, result_commit, result_error_kind,
		       files_added, files_modified, files_deleted
		FROM jobs`
	var args []any
	if workspace != "" {
		query += ` WHERE workspace = ?`
		args = append(args, workspace)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListJobsByStatus returns all jobs in the given status, oldest first, so
// requeueing after a restart preserves arrival order.
func (s *Store) ListJobsByStatus(status JobStatus) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT id, source, event_type, subject_ref, skill_kind, workspace, status,
		       worktree_path, branch, created_at, started_at, ended_at,
		       result_summary, result_commit, result_error_kind,
		       files_added, files_modified, files_deleted
		FROM jobs WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListActiveJobs returns jobs that were mid-flight: worktree_ready or
// agent_running. Used at boot to detect work interrupted by a crash.
func (s *Store) ListActiveJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT id, source, event_type, subject_ref, skill_kind, workspace, status,
		       worktree_path, branch, created_at, started_at, ended_at,
		       result_summary, result_commit, result_error_kind,
		       files_added, files_modified, files_deleted
		FROM jobs WHERE status IN (?, ?) ORDER BY created_at ASC`,
		JobStatusWorktreeReady, JobStatusAgentRunning)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// TransitionJob moves a job to a new status, recording the change in
// job_transitions. The read and the write happen in one transaction so a
// concurrent transition cannot interleave.
func (s *Store) TransitionJob(id string, to JobStatus) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var from JobStatus
	err = tx.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&from)
	if err == sql.ErrNoRows {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}

	if !canTransition(from, to) {
		return fmt.Errorf("job %s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	set := `status = ?`
	args := []any{to}
	switch to {
	case JobStatusAgentRunning:
		set += `, started_at = ?`
		args = append(args, now)
	case JobStatusCompleted, JobStatusFailed, JobStatusTimedOut:
		set += `, ended_at = ?`
		args = append(args, now)
	}
	args = append(args, id)

	if _, err := tx.Exec(`UPDATE jobs SET `+set+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO job_transitions (job_id, from_status, to_status) VALUES (?, ?, ?)`,
		id, from, to); err != nil {
		return fmt.Errorf("record transition: %w", err)
	}

	return tx.Commit()
}

// SetJobWorktree records the worktree path and branch provisioned for a job.
func (s *Store) SetJobWorktree(id, path, branch string) error {
	res, err := s.db.Exec(`UPDATE jobs SET worktree_path = ?, branch = ? WHERE id = ?`,
		path, branch, id)
	if err != nil {
		return fmt.Errorf("set job worktree: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetJobResult attaches the outcome details to a job. It does not change
// status; call TransitionJob for that.
func (s *Store) SetJobResult(id string, r JobResult) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET result_summary = ?, result_commit = ?, result_error_kind = ?,
		       files_added = ?, files_modified = ?, files_deleted = ?
		WHERE id = ?`,
		r.Summary, r.CommitRef, string(r.ErrorKind), r.Added, r.Modified, r.Deleted, id)
	if err != nil {
		return fmt.Errorf("set job result: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListTransitions returns a job's state history in order.
func (s *Store) ListTransitions(jobID string) ([]*Transition, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, from_status, to_status, at
		FROM job_transitions WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		t := &Transition{}
		if err := rows.Scan(&t.ID, &t.JobID, &t.From, &t.To, &t.At); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	j := &Job{}
	var summary, commit, errorKind sql.NullString
	err := row.Scan(
		&j.ID, &j.Source, &j.EventType, &j.SubjectRef, &j.SkillKind, &j.Workspace, &j.Status,
		&j.WorktreePath, &j.Branch, &j.CreatedAt, &j.StartedAt, &j.EndedAt,
		&summary, &commit, &errorKind,
		&j.Result.Added, &j.Result.Modified, &j.Result.Deleted,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Result.Summary = summary.String
	j.Result.CommitRef = commit.String
	j.Result.ErrorKind = ErrorKind(errorKind.String)
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
