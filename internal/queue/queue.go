// Package queue implements FileQueue: a durable, file-backed hand-off
// between channel adapters, the core, and back, using atomic rename as
// the sole synchronization primitive (spec.md §4.1).
package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/jlia0/tinyclaw/pkg/protocol"
)

// FileQueue owns the incoming/processing/outgoing/events/files directory
// set under one workspace root.
type FileQueue struct {
	root    string
	counter atomic.Uint64
}

// New creates (if absent) the five workspace subdirectories and returns a
// ready FileQueue.
func New(root string) (*FileQueue, error) {
	q := &FileQueue{root: root}
	for _, dir := range []string{q.IncomingDir(), q.ProcessingDir(), q.OutgoingDir(), q.EventsDir(), q.FilesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("queue: mkdir %s: %w", dir, err)
		}
	}
	return q, nil
}

func (q *FileQueue) IncomingDir() string   { return filepath.Join(q.root, "incoming") }
func (q *FileQueue) ProcessingDir() string { return filepath.Join(q.root, "processing") }
func (q *FileQueue) OutgoingDir() string   { return filepath.Join(q.root, "outgoing") }
func (q *FileQueue) EventsDir() string     { return filepath.Join(q.root, "events") }
func (q *FileQueue) FilesDir() string      { return filepath.Join(q.root, "files") }

// entry pairs a queue filename with its source directory modification
// time, used to derive the best-effort per-tick ordering (spec.md §4.1's
// "ordering... only maintained best-effort via file mtime sort").
type entry struct {
	name    string
	modTime time.Time
}

// ListIncoming returns the names of files currently sitting in
// incoming/, sorted by mtime ascending (oldest first).
func (q *FileQueue) ListIncoming() ([]string, error) {
	dirEntries, err := os.ReadDir(q.IncomingDir())
	if err != nil {
		return nil, fmt.Errorf("queue: read incoming: %w", err)
	}
	entries := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, entry{name: de.Name(), modTime: info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].modTime.Before(entries[j].modTime) })
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names, nil
}

// Claim renames incoming/name → processing/name. If the destination
// already exists, the file was claimed by a prior tick (or survived a
// crash) and Claim reports claimed=false without error: this is the only
// admission point, preventing double-processing.
func (q *FileQueue) Claim(name string) (claimed bool, err error) {
	src := filepath.Join(q.IncomingDir(), name)
	dst := filepath.Join(q.ProcessingDir(), name)

	if _, statErr := os.Stat(dst); statErr == nil {
		return false, nil
	}

	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			// Another tick (or a concurrent claimer) already moved it.
			return false, nil
		}
		return false, fmt.Errorf("queue: claim %s: %w", name, err)
	}
	return true, nil
}

// ReadProcessing parses the claimed file's JSON body. Callers must have
// claimed name first.
func (q *FileQueue) ReadProcessing(name string) (protocol.IncomingMessage, error) {
	var msg protocol.IncomingMessage
	data, err := os.ReadFile(filepath.Join(q.ProcessingDir(), name))
	if err != nil {
		return msg, fmt.Errorf("queue: read processing %s: %w", name, err)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("queue: malformed incoming record %s: %w", name, err)
	}
	return msg, nil
}

// Release renames processing/name → incoming/name after a transient
// failure, giving the message another chance on a future tick.
func (q *FileQueue) Release(name string) error {
	src := filepath.Join(q.ProcessingDir(), name)
	dst := filepath.Join(q.IncomingDir(), name)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("queue: release %s: %w", name, err)
	}
	return nil
}

// Delete removes a processed file from processing/, used after a
// terminal outcome (success, admission denial, or a canned error reply
// that still counts as a completed attempt per spec.md §7).
func (q *FileQueue) Delete(name string) error {
	if err := os.Remove(filepath.Join(q.ProcessingDir(), name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queue: delete %s: %w", name, err)
	}
	return nil
}

// CommitOut atomically writes an OutgoingResponse to
// outgoing/<channel>_<messageId>_<monotonic>.json via write-to-temp +
// rename, so consumers never observe a partially written file.
func (q *FileQueue) CommitOut(record protocol.OutgoingResponse) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: marshal outgoing: %w", err)
	}

	seq := q.counter.Add(1)
	name := fmt.Sprintf("%s_%s_%d.json", sanitizeToken(record.Channel), sanitizeToken(record.MessageID), seq)
	dst := filepath.Join(q.OutgoingDir(), name)

	tmp, err := os.CreateTemp(q.OutgoingDir(), "out-*.tmp")
	if err != nil {
		return fmt.Errorf("queue: create temp outgoing: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("queue: write temp outgoing: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("queue: sync temp outgoing: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("queue: close temp outgoing: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("queue: rename outgoing: %w", err)
	}
	cleanup = false
	return nil
}

// EnqueueIncoming writes msg into incoming/ under the canonical
// <channel>_<messageId>.json filename, used by internal producers (the
// cron scheduler, mention fan-out) that synthesize messages the same way
// an external channel would.
func (q *FileQueue) EnqueueIncoming(msg protocol.IncomingMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = protocol.Now()
	}
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: marshal incoming: %w", err)
	}
	name := fmt.Sprintf("%s_%s.json", sanitizeToken(msg.Channel), sanitizeToken(msg.MessageID))
	dst := filepath.Join(q.IncomingDir(), name)

	tmp, err := os.CreateTemp(q.IncomingDir(), "in-*.tmp")
	if err != nil {
		return fmt.Errorf("queue: create temp incoming: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("queue: write temp incoming: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("queue: sync temp incoming: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("queue: close temp incoming: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("queue: rename incoming: %w", err)
	}
	cleanup = false
	return nil
}

// Recover renames every file sitting in processing/ back to incoming/,
// the crash-recovery sweep run once at startup (spec.md §4.1, §8
// scenario 5). It returns the count recovered.
func (q *FileQueue) Recover() (int, error) {
	entries, err := os.ReadDir(q.ProcessingDir())
	if err != nil {
		return 0, fmt.Errorf("queue: read processing: %w", err)
	}
	recovered := 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		if err := q.Release(de.Name()); err != nil {
			slog.Error("queue: failed to recover file", "name", de.Name(), "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		slog.Info("queue: recovered in-flight files", "count", recovered)
	}
	return recovered, nil
}

func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
