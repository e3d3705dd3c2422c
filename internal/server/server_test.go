package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/calldwell/overseer/internal/config"
	"github.com/calldwell/overseer/internal/event"
	"github.com/calldwell/overseer/internal/store"
)

func testServer(t *testing.T) (*Server, *store.Store, *event.Bus) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "overseer.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := event.NewBus(100, 64)
	t.Cleanup(bus.Close)

	cfg := config.DefaultConfig()
	cfg.Server.AdminSecret = "admin-secret"

	srv := New(cfg, st, bus, func(*store.Job) error { return nil })
	return srv, st, bus
}

func adminRequest(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	token, err := AdminToken("admin-secret", time.Minute)
	if err != nil {
		t.Fatalf("AdminToken: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestAdminAuth(t *testing.T) {
	srv, _, _ := testServer(t)

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/admin/status", nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, _ := AdminToken("other-secret", time.Minute)
		req := httptest.NewRequest("GET", "/admin/status", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		token, _ := AdminToken("admin-secret", -time.Minute)
		req := httptest.NewRequest("GET", "/admin/status", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		w := adminRequest(t, srv, "GET", "/admin/status", nil)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})
}

func TestSyntheticAndClear(t *testing.T) {
	srv, st, bus := testServer(t)

	body, _ := json.Marshal(map[string]any{"workspace": "acme/widget", "count": 5})
	w := adminRequest(t, srv, "POST", "/admin/events/synthetic", body)
	if w.Code != http.StatusOK {
		t.Fatalf("synthetic status = %d: %s", w.Code, w.Body.String())
	}

	events, err := st.ListDomainEvents("acme/widget", 0)
	if err != nil {
		t.Fatalf("ListDomainEvents: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i, ev := range events {
		if ev.Version != int64(i)+1 {
			t.Errorf("event %d version = %d", i, ev.Version)
		}
	}
	if len(bus.History("acme/widget")) != 5 {
		t.Errorf("bus history = %d events, want 5", len(bus.History("acme/widget")))
	}

	t.Run("clear drops log and replay buffer", func(t *testing.T) {
		w := adminRequest(t, srv, "POST", "/admin/events/clear?workspace=acme%2Fwidget", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("clear status = %d", w.Code)
		}
		var resp struct {
			Cleared int64 `json:"cleared"`
		}
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Cleared != 5 {
			t.Errorf("cleared = %d, want 5", resp.Cleared)
		}
		if events, _ := st.ListDomainEvents("acme/widget", 0); len(events) != 0 {
			t.Errorf("durable log not cleared: %d events", len(events))
		}
		if len(bus.History("acme/widget")) != 0 {
			t.Error("replay buffer not cleared")
		}
	})

	t.Run("versions keep rising after clear", func(t *testing.T) {
		body, _ := json.Marshal(map[string]any{"workspace": "acme/widget", "count": 1})
		w := adminRequest(t, srv, "POST", "/admin/events/synthetic", body)
		if w.Code != http.StatusOK {
			t.Fatalf("synthetic status = %d", w.Code)
		}
		events, _ := st.ListDomainEvents("acme/widget", 0)
		if len(events) != 1 {
			t.Fatalf("got %d events", len(events))
		}
		// A fresh synthetic aggregate starts at 1; what matters is that the
		// old aggregate's counter was not reset, covered in the store tests.
		if events[0].Version != 1 {
			t.Errorf("version = %d", events[0].Version)
		}
	})
}

func TestRetainedWorktreesEndpoint(t *testing.T) {
	srv, st, _ := testServer(t)

	job := &store.Job{ID: "job-1", Source: "github", EventType: "issues.labeled",
		SubjectRef: "acme/widget#1", SkillKind: "fix", Workspace: "acme/widget"}
	if err := st.CreateJob(job); err != nil {
		t.Fatal(err)
	}
	wt := &store.Worktree{Path: "/tmp/wt/job-1", Branch: "overseer/job1", JobID: "job-1", Workspace: "acme/widget"}
	if err := st.CreateWorktree(wt); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkWorktreeRetained(wt.Path, "1 untracked"); err != nil {
		t.Fatal(err)
	}

	w := adminRequest(t, srv, "GET", "/admin/worktrees/retained", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var views []retainedView
	if err := json.NewDecoder(w.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d retained, want 1", len(views))
	}
	if views[0].Reason != "1 untracked" {
		t.Errorf("reason = %q", views[0].Reason)
	}
	if views[0].Stale {
		t.Error("fresh retention flagged stale")
	}
}

func TestEventStream(t *testing.T) {
	srv, st, bus := testServer(t)

	emit := func(typ event.Type, n int) {
		ev := event.New(typ, "acme/widget", "job-1", map[string]int{"n": n})
		if err := st.AppendDomainEvent(ev); err != nil {
			t.Fatal(err)
		}
		bus.Publish(ev)
	}
	emit(event.TypeJobQueued, 0)
	emit(event.TypeWorktreeReady, 1)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/events?workspace=acme%2Fwidget", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %s", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (name string, data string) {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				return name, data
			}
		}
	}

	t.Run("history replays first", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			name, data := readEvent()
			if name != "history" {
				t.Fatalf("event name = %s, want history", name)
			}
			var ev event.DomainEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				t.Fatalf("bad event payload: %v", err)
			}
			if ev.Version != int64(i)+1 {
				t.Errorf("history event %d version = %d", i, ev.Version)
			}
		}
	})

	t.Run("live events follow", func(t *testing.T) {
		emit(event.TypeJobStarted, 2)
		name, data := readEvent()
		if name != string(event.TypeJobStarted) {
			t.Fatalf("event name = %s, want %s", name, event.TypeJobStarted)
		}
		var ev event.DomainEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type != event.TypeJobStarted || ev.Version != 3 {
			t.Errorf("live event = %+v", ev)
		}
	})
}

func TestEventStreamRequiresWorkspace(t *testing.T) {
	srv, _, _ := testServer(t)
	req := httptest.NewRequest("GET", "/events", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
