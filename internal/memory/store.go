// Package memory implements MemoryPrefetch and its gate (spec.md §4.5):
// best-effort retrieval of prior turns to enrich a user message, scoped by
// (channel, senderId, agentId), never on the blocking critical path.
//
// Grounded on the teacher's internal/store/file/sessions.go persistence
// idiom (one record per turn, looked up by key) and internal/agent/
// loop_history.go's history-assembly role, retargeted from "feed the model
// its own prior turns" to "retrieve and rerank snippets from a separate
// store." The underlying store is backed by modernc.org/sqlite, a
// dependency this codebase's original store/pg layer also reached for a
// SQL engine; sqlite keeps the daemon single-binary and local, matching
// TinyClaw's local-daemon scope where the teacher's Postgres layer does not
// (see DESIGN.md dropped-dependency note for golang-migrate/pgx/pq).
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Turn is one persisted conversational turn, the unit retrieval searches
// over and hydrates snippets from.
type Turn struct {
	ID        int64
	Channel   string
	SenderID  string
	AgentID   string
	Role      string // "user" or "assistant"
	Text      string
	Timestamp int64
}

// Store persists turns and answers scoped/global snippet searches.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite-backed turn store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	role TEXT NOT NULL,
	text TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_scope ON turns(channel, sender_id, agent_id);
`

// Append persists one turn. Memory persistence never blocks or fails the
// invocation path (spec.md §4.5 "memory failures are logged and never
// fail the invocation"); callers should treat a non-nil error as log-only.
func (s *Store) Append(ctx context.Context, t Turn) error {
	if t.Timestamp == 0 {
		t.Timestamp = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (channel, sender_id, agent_id, role, text, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		t.Channel, t.SenderID, t.AgentID, t.Role, t.Text, t.Timestamp)
	return err
}

// Search returns turns matching text in the given scope (channel+sender+
// agent), most recent first, bounded by limit. An empty senderID or
// agentID widens that dimension to "any."
func (s *Store) Search(ctx context.Context, channel, senderID, agentID, query string, limit int) ([]Turn, error) {
	q := `SELECT id, channel, sender_id, agent_id, role, text, timestamp FROM turns WHERE channel = ?`
	args := []any{channel}
	if senderID != "" {
		q += ` AND sender_id = ?`
		args = append(args, senderID)
	}
	if agentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	if query != "" {
		q += ` AND text LIKE ?`
		args = append(args, "%"+query+"%")
	}
	q += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.Channel, &t.SenderID, &t.AgentID, &t.Role, &t.Text, &t.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SearchGlobal widens the search to every sender/agent in the channel,
// the retry spec.md §4.5 specifies when a session-scoped search is empty.
func (s *Store) SearchGlobal(ctx context.Context, channel, query string, limit int) ([]Turn, error) {
	return s.Search(ctx, channel, "", "", query, limit)
}
