package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateWorktree registers a provisioned worktree.
func (s *Store) CreateWorktree(wt *Worktree) error {
	_, err := s.db.Exec(`
		INSERT INTO worktrees (path, branch, job_id, workspace) VALUES (?, ?, ?, ?)`,
		wt.Path, wt.Branch, wt.JobID, wt.Workspace)
	if err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}
	return nil
}

// GetWorktree returns one worktree row by path.
func (s *Store) GetWorktree(path string) (*Worktree, error) {
	row := s.db.QueryRow(`
		SELECT path, branch, job_id, workspace, created_at, retained, retained_reason, retained_at
		FROM worktrees WHERE path = ?`, path)
	return scanWorktree(row)
}

// DeleteWorktree removes a worktree row after the checkout is gone from disk.
func (s *Store) DeleteWorktree(path string) error {
	_, err := s.db.Exec(`DELETE FROM worktrees WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete worktree: %w", err)
	}
	return nil
}

// MarkWorktreeRetained flags a worktree as kept for manual inspection,
// recording why and when.
func (s *Store) MarkWorktreeRetained(path, reason string) error {
	res, err := s.db.Exec(`
		UPDATE worktrees SET retained = TRUE, retained_reason = ?, retained_at = ?
		WHERE path = ?`, reason, time.Now().UTC(), path)
	if err != nil {
		return fmt.Errorf("mark worktree retained: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("worktree %s: %w", path, ErrNotFound)
	}
	return nil
}

// ListRetainedWorktrees returns worktrees held for inspection, oldest first.
func (s *Store) ListRetainedWorktrees() ([]*Worktree, error) {
	rows, err := s.db.Query(`
		SELECT path, branch, job_id, workspace, created_at, retained, retained_reason, retained_at
		FROM worktrees WHERE retained = TRUE ORDER BY retained_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list retained worktrees: %w", err)
	}
	defer rows.Close()

	var out []*Worktree
	for rows.Next() {
		wt, err := scanWorktree(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wt)
	}
	return out, rows.Err()
}

func scanWorktree(row scanner) (*Worktree, error) {
	wt := &Worktree{}
	err := row.Scan(&wt.Path, &wt.Branch, &wt.JobID, &wt.Workspace, &wt.CreatedAt,
		&wt.Retained, &wt.RetainedReason, &wt.RetainedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan worktree: %w", err)
	}
	return wt, nil
}
