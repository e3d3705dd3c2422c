package webhook

// Classification maps a decoded event to a skill kind via an explicit rule
// table. It is a pure function: same inputs, same answer, no lookups
// outside the table.

type rule struct {
	eventType string
	action    string
	label     string // "" matches any label set
	skillKind string
}

// First match wins. Label-specific rules come before their catch-alls.
var rules = []rule{
	{"issues", "labeled", "bug", "fix"},
	{"issues", "labeled", "enhancement", "feature"},
	{"issues", "labeled", "feature", "feature"},
	{"issues", "opened", "bug", "fix"},
	{"issues", "opened", "", "feature"},
	{"issues", "reopened", "", "fix"},
	{"pull_request", "opened", "", "review"},
	{"pull_request", "ready_for_review", "", "review"},
	{"pull_request", "review_requested", "", "review"},
}

// Classify resolves (event_type, action, labels) to a skill kind. The
// second return is false for events no rule maps, which callers discard
// without creating a job.
func Classify(eventType, action string, labels []string) (string, bool) {
	labelSet := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		labelSet[l] = struct{}{}
	}

	for _, r := range rules {
		if r.eventType != eventType || r.action != action {
			continue
		}
		if r.label != "" {
			if _, ok := labelSet[r.label]; !ok {
				continue
			}
		}
		return r.skillKind, true
	}
	return "", false
}
