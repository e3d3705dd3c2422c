package event

import (
	"sync"
)

// Bus distributes domain events to per-workspace subscriber sets. Each
// workspace keeps a bounded ring of recent events so late-joining
// subscribers can replay history. Publish never blocks on a slow
// subscriber: a full subscriber channel has its oldest entry dropped to
// make room, and if the send still fails the event is skipped for that
// subscriber only.
type Bus struct {
	mu          sync.RWMutex
	closed      bool
	nextSubID   int64
	historySize int
	subBuffer   int
	workspaces  map[string]*workspaceStream
}

type workspaceStream struct {
	history []*DomainEvent // ring, oldest first
	subs    map[int64]chan *DomainEvent
}

// NewBus creates a Bus with the given per-workspace history size and
// per-subscriber channel buffer.
func NewBus(historySize, subBuffer int) *Bus {
	if historySize <= 0 {
		historySize = 100
	}
	if subBuffer <= 0 {
		subBuffer = 64
	}
	return &Bus{
		historySize: historySize,
		subBuffer:   subBuffer,
		workspaces:  make(map[string]*workspaceStream),
	}
}

// Publish appends the event to the workspace's history ring and delivers it
// to all open subscriptions for that workspace, in publish order.
func (b *Bus) Publish(ev *DomainEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	ws := b.stream(ev.Workspace)

	ws.history = append(ws.history, ev)
	if len(ws.history) > b.historySize {
		ws.history = ws.history[len(ws.history)-b.historySize:]
	}

	// Fan out under the lock: sends are non-blocking, and holding the lock
	// keeps delivery order equal to publish order within the workspace.
	for _, ch := range ws.subs {
		deliver(ch, ev)
	}
}

// Subscribe registers a live viewer for one workspace. It returns the
// buffered history at the moment of subscription, the live channel, and a
// cancel function. The channel is closed on cancel or bus shutdown.
func (b *Bus) Subscribe(workspace string) ([]*DomainEvent, <-chan *DomainEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *DomainEvent, b.subBuffer)
	if b.closed {
		close(ch)
		return nil, ch, func() {}
	}

	ws := b.stream(workspace)
	b.nextSubID++
	id := b.nextSubID
	ws.subs[id] = ch

	history := make([]*DomainEvent, len(ws.history))
	copy(history, ws.history)

	return history, ch, func() {
		b.unsubscribe(workspace, id)
	}
}

// History returns a copy of the buffered events for a workspace.
func (b *Bus) History(workspace string) []*DomainEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ws, ok := b.workspaces[workspace]
	if !ok {
		return nil
	}
	out := make([]*DomainEvent, len(ws.history))
	copy(out, ws.history)
	return out
}

// ClearHistory drops the buffered events for a workspace. Live
// subscriptions are unaffected.
func (b *Bus) ClearHistory(workspace string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ws, ok := b.workspaces[workspace]; ok {
		ws.history = nil
	}
}

// SubscriberCount returns the number of open subscriptions for a workspace.
func (b *Bus) SubscriberCount(workspace string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ws, ok := b.workspaces[workspace]
	if !ok {
		return 0
	}
	return len(ws.subs)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ws := range b.workspaces {
		for id, ch := range ws.subs {
			close(ch)
			delete(ws.subs, id)
		}
	}
}

func (b *Bus) stream(workspace string) *workspaceStream {
	ws, ok := b.workspaces[workspace]
	if !ok {
		ws = &workspaceStream{subs: make(map[int64]chan *DomainEvent)}
		b.workspaces[workspace] = ws
	}
	return ws
}

func (b *Bus) unsubscribe(workspace string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ws, ok := b.workspaces[workspace]
	if !ok {
		return
	}
	ch, ok := ws.subs[id]
	if !ok {
		return
	}
	delete(ws.subs, id)
	close(ch)
}

// deliver attempts a non-blocking send. If the subscriber's buffer is full,
// one stale event is dropped and the send retried once, so a stalled viewer
// never backs up the publisher.
func deliver(ch chan *DomainEvent, ev *DomainEvent) bool {
	select {
	case ch <- ev:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}
