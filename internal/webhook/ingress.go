package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/calldwell/overseer/internal/config"
	"github.com/calldwell/overseer/internal/logging"
	"github.com/calldwell/overseer/internal/store"
)

const maxBodySize = 1 << 20 // 1 MiB

// IncomingEvent is the canonical decoded form of one webhook delivery.
type IncomingEvent struct {
	Source     string
	DeliveryID string
	EventType  string
	Action     string
	SubjectRef string
	Workspace  string
	Labels     []string
	ReceivedAt time.Time
}

// Ingress accepts webhook deliveries, verifies them, deduplicates by
// delivery ID, and hands classified jobs to the enqueue function. The
// acknowledgement returns immediately; job execution is asynchronous.
type Ingress struct {
	sources map[string]config.SourceConfig
	dedup   *dedupCache
	enqueue func(*store.Job) error
}

// NewIngress builds the webhook handler. enqueue is called once per fresh,
// classified delivery and must not block.
func NewIngress(sources map[string]config.SourceConfig, window time.Duration, maxEntries int, enqueue func(*store.Job) error) *Ingress {
	return &Ingress{
		sources: sources,
		dedup:   newDedupCache(window, maxEntries),
		enqueue: enqueue,
	}
}

// Routes mounts the ingress endpoints on a chi router.
func (in *Ingress) Routes(r chi.Router) {
	r.Post("/webhooks/{source}", in.handleDelivery)
}

func (in *Ingress) handleDelivery(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	src, ok := in.sources[source]
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	// Verify against the raw bytes before touching the payload. A failed
	// check gets a bare 401 with no detail.
	sig := r.Header.Get(signatureHeader(src.Kind))
	if err := VerifySignature(body, sig, src.Secret); err != nil {
		logging.Warn("webhook signature rejected", "source", source)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ev, err := decodeEnvelope(source, src, r, body)
	if err != nil {
		logging.Warn("webhook payload undecodable", "source", source, "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	if ev.DeliveryID != "" && !in.dedup.record(ev.DeliveryID) {
		logging.Debug("duplicate delivery ignored", "source", source, "delivery_id", ev.DeliveryID)
		writeAck(w, true)
		return
	}

	skill, mapped := Classify(ev.EventType, ev.Action, ev.Labels)
	if !mapped {
		logging.Debug("event not mapped to a skill, discarded",
			"source", source, "event_type", ev.EventType, "action", ev.Action)
		writeAck(w, false)
		return
	}

	job := &store.Job{
		ID:         uuid.NewString(),
		Source:     source,
		EventType:  ev.EventType + "." + ev.Action,
		SubjectRef: ev.SubjectRef,
		SkillKind:  skill,
		Workspace:  ev.Workspace,
	}
	if err := in.enqueue(job); err != nil {
		logging.Error("failed to enqueue job", "source", source, "error", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	logging.Info("job enqueued from webhook",
		"job_id", job.ID, "source", source, "skill", skill, "subject", job.SubjectRef)
	writeAck(w, false)
}

func writeAck(w http.ResponseWriter, duplicate bool) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "duplicate": duplicate})
}

func signatureHeader(kind string) string {
	switch kind {
	case "github":
		return "X-Hub-Signature-256"
	case "linear":
		return "Linear-Signature"
	default:
		return "X-Webhook-Signature"
	}
}

func deliveryHeader(kind string) string {
	switch kind {
	case "github":
		return "X-GitHub-Delivery"
	case "linear":
		return "Linear-Delivery"
	default:
		return "X-Delivery-ID"
	}
}

func decodeEnvelope(source string, src config.SourceConfig, r *http.Request, body []byte) (*IncomingEvent, error) {
	ev := &IncomingEvent{
		Source:     source,
		DeliveryID: r.Header.Get(deliveryHeader(src.Kind)),
		Workspace:  src.Workspace,
		ReceivedAt: time.Now().UTC(),
	}

	switch src.Kind {
	case "github":
		ev.EventType = r.Header.Get("X-GitHub-Event")
		var payload struct {
			Action string `json:"action"`
			Issue  struct {
				Number int `json:"number"`
				Labels []struct {
					Name string `json:"name"`
				} `json:"labels"`
			} `json:"issue"`
			PullRequest struct {
				Number int `json:"number"`
				Labels []struct {
					Name string `json:"name"`
				} `json:"labels"`
			} `json:"pull_request"`
			Repository struct {
				FullName string `json:"full_name"`
			} `json:"repository"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("github envelope: %w", err)
		}
		ev.Action = payload.Action
		number := payload.Issue.Number
		labels := payload.Issue.Labels
		if ev.EventType == "pull_request" {
			number = payload.PullRequest.Number
			labels = payload.PullRequest.Labels
		}
		ev.SubjectRef = fmt.Sprintf("%s#%d", payload.Repository.FullName, number)
		for _, l := range labels {
			ev.Labels = append(ev.Labels, strings.ToLower(l.Name))
		}

	case "linear":
		var payload struct {
			Action string `json:"action"`
			Type   string `json:"type"`
			Data   struct {
				Identifier string   `json:"identifier"`
				Labels     []string `json:"labelNames"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("linear envelope: %w", err)
		}
		ev.EventType = strings.ToLower(payload.Type)
		ev.Action = payload.Action
		ev.SubjectRef = payload.Data.Identifier
		for _, l := range payload.Data.Labels {
			ev.Labels = append(ev.Labels, strings.ToLower(l))
		}

	default:
		var payload struct {
			EventType  string   `json:"event_type"`
			Action     string   `json:"action"`
			SubjectRef string   `json:"subject_ref"`
			Labels     []string `json:"labels"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("generic envelope: %w", err)
		}
		ev.EventType = payload.EventType
		ev.Action = payload.Action
		ev.SubjectRef = payload.SubjectRef
		ev.Labels = payload.Labels
	}

	if ev.EventType == "" {
		return nil, fmt.Errorf("missing event type")
	}
	return ev, nil
}

// dedupCache remembers recent delivery IDs, bounded by both age and entry
// count so a flood of unique IDs cannot grow it without limit.
type dedupCache struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	seen    map[string]time.Time
	order   []string // insertion order for size-based eviction
	nowFunc func() time.Time
}

func newDedupCache(window time.Duration, max int) *dedupCache {
	if window <= 0 {
		window = time.Hour
	}
	if max <= 0 {
		max = 4096
	}
	return &dedupCache{
		window:  window,
		max:     max,
		seen:    make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

// record returns true if the id is fresh, false if it was seen within the
// window. Fresh ids are remembered.
func (c *dedupCache) record(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	if at, ok := c.seen[id]; ok && now.Sub(at) < c.window {
		return false
	}

	c.prune(now)
	if _, ok := c.seen[id]; !ok {
		c.order = append(c.order, id)
	}
	c.seen[id] = now
	return true
}

func (c *dedupCache) prune(now time.Time) {
	for len(c.order) > 0 {
		oldest := c.order[0]
		at, ok := c.seen[oldest]
		expired := ok && now.Sub(at) >= c.window
		if !expired && len(c.seen) < c.max {
			break
		}
		c.order = c.order[1:]
		if ok {
			delete(c.seen, oldest)
		}
	}
}
