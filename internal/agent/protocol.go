// Package agent runs and supervises the external agent process for one job.
package agent

import (
	"encoding/json"
	"fmt"
)

// DirectiveType identifies a line of the agent's output protocol.
type DirectiveType string

const (
	DirectiveLog      DirectiveType = "log"
	DirectiveProgress DirectiveType = "progress"
	DirectiveResult   DirectiveType = "result"
)

// Directive is one decoded line of the agent's stdout protocol. The agent
// emits newline-delimited JSON; which fields are meaningful depends on Type.
type Directive struct {
	Type DirectiveType `json:"type"`

	// log
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`

	// progress
	Step  int `json:"step,omitempty"`
	Total int `json:"total,omitempty"`

	// result
	Success   bool   `json:"success,omitempty"`
	Summary   string `json:"summary,omitempty"`
	CommitRef string `json:"commit_ref,omitempty"`
}

// ParseDirective decodes one protocol line. Unknown directive types are an
// error; the caller logs and skips them rather than aborting the run.
func ParseDirective(data []byte) (*Directive, error) {
	var d Directive
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	switch d.Type {
	case DirectiveLog, DirectiveProgress, DirectiveResult:
		return &d, nil
	default:
		return nil, fmt.Errorf("unknown directive type %q", d.Type)
	}
}

// Task is the job envelope written to the agent's stdin at launch.
type Task struct {
	JobID      string `json:"job_id"`
	SkillKind  string `json:"skill_kind"`
	SubjectRef string `json:"subject_ref"`
	EventType  string `json:"event_type"`
	Workspace  string `json:"workspace"`
}
