// Package events implements EventBus (spec.md §2.10): structured events
// written to the queue's events/ directory and fanned out to live SSE
// subscribers for observability.
//
// Grounded on the teacher's internal/bus/types.go EventPublisher
// interface (Subscribe/Unsubscribe/Broadcast over an in-process Event{
// Name, Payload}) generalized two ways: events are durably persisted to
// disk (spec.md §5 "event files are best-effort writes") rather than
// staying purely in-memory, and the broadcast transport is HTTP SSE
// (sse.go) plus a single-socket websocket variant (ws.go) in place of the
// teacher's WebSocket hub.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jlia0/tinyclaw/pkg/protocol"
)

// subscriberBuffer bounds how many events a slow subscriber can lag
// behind; once its buffer is full, further events to it are dropped and
// the subscriber stays registered. broadcast never blocks on a subscriber.
const subscriberBuffer = 64

// Bus persists events to dir and fans them out to subscribers.
type Bus struct {
	dir string

	mu          sync.RWMutex
	subscribers map[string]chan protocol.Event
}

// New builds a Bus writing to dir (FileQueue's events/ directory).
func New(dir string) *Bus {
	return &Bus{dir: dir, subscribers: make(map[string]chan protocol.Event)}
}

// Publish assigns an ID/timestamp if absent, durably writes the event via
// temp-write+rename (the same atomic pattern as FileQueue.CommitOut), and
// broadcasts it to every live subscriber without blocking on any of them.
func (b *Bus) Publish(ev protocol.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = protocol.Now()
	}

	if err := b.persist(ev); err != nil {
		slog.Warn("events: persist failed", "event", ev.Name, "error", err)
	}
	b.broadcast(ev)
	return nil
}

func (b *Bus) persist(ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%d_%s.json", ev.Timestamp, ev.ID)
	final := filepath.Join(b.dir, name)

	tmp, err := os.CreateTemp(b.dir, ".tmp-event-*")
	if err != nil {
		return err
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (b *Bus) broadcast(ev protocol.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			slog.Warn("events: subscriber lagging, dropping event", "subscriber", id, "event", ev.Name)
		}
	}
}

// Subscribe registers a new live listener, returning its channel and an
// unsubscribe function the caller must invoke when done.
func (b *Bus) Subscribe() (id string, ch <-chan protocol.Event, unsubscribe func()) {
	id = uuid.NewString()
	c := make(chan protocol.Event, subscriberBuffer)

	b.mu.Lock()
	b.subscribers[id] = c
	b.mu.Unlock()

	return id, c, func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		close(c)
	}
}

// CleanupOlderThan removes event files older than maxAge from disk,
// bounding disk usage on a throttled cadence (spec.md §5). It is
// best-effort: per-file errors are logged and skipped.
func (b *Bus) CleanupOlderThan(maxAge time.Duration) (removed int, err error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(b.dir, e.Name())); err != nil {
				slog.Warn("events: cleanup failed to remove file", "file", e.Name(), "error", err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// RunCleanupLoop runs CleanupOlderThan on a fixed interval until stop is
// closed, the throttled cadence spec.md §5 calls for.
func (b *Bus) RunCleanupLoop(stop <-chan struct{}, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := b.CleanupOlderThan(maxAge); err == nil && n > 0 {
				slog.Info("events: cleanup removed stale event files", "count", n)
			}
		case <-stop:
			return
		}
	}
}
