package cron

import (
	"testing"
	"time"

	"github.com/jlia0/tinyclaw/internal/config"
	"github.com/jlia0/tinyclaw/pkg/protocol"
)

type fakeQueue struct {
	enqueued []protocol.IncomingMessage
}

func (f *fakeQueue) EnqueueIncoming(msg protocol.IncomingMessage) error {
	f.enqueued = append(f.enqueued, msg)
	return nil
}

func TestTickEnqueuesWhenExpressionIsDue(t *testing.T) {
	q := &fakeQueue{}
	p := New(q)
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	entries := []config.CronEntry{{ID: "daily", Expression: "0 9 * * *", Channel: "cli", Agent: "default", Message: "good morning"}}

	p.Tick(entries, now)
	if len(q.enqueued) != 1 {
		t.Fatalf("expected 1 enqueued message, got %d", len(q.enqueued))
	}
	if q.enqueued[0].Message != "good morning" || q.enqueued[0].Agent != "default" {
		t.Fatalf("unexpected enqueued message: %+v", q.enqueued[0])
	}
}

func TestTickSkipsWhenNotDue(t *testing.T) {
	q := &fakeQueue{}
	p := New(q)
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	entries := []config.CronEntry{{ID: "daily", Expression: "0 9 * * *", Channel: "cli", Message: "good morning"}}

	p.Tick(entries, now)
	if len(q.enqueued) != 0 {
		t.Fatalf("expected no enqueue when expression isn't due, got %d", len(q.enqueued))
	}
}

func TestTickDedupesWithinSameMinute(t *testing.T) {
	q := &fakeQueue{}
	p := New(q)
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	entries := []config.CronEntry{{ID: "daily", Expression: "0 9 * * *", Channel: "cli", Message: "hi"}}

	p.Tick(entries, now)
	p.Tick(entries, now.Add(5*time.Second)) // still within the same minute
	if len(q.enqueued) != 1 {
		t.Fatalf("expected exactly 1 enqueue within the same due minute, got %d", len(q.enqueued))
	}
}

func TestTickMalformedExpressionSkippedNotFatal(t *testing.T) {
	q := &fakeQueue{}
	p := New(q)
	entries := []config.CronEntry{
		{ID: "bad", Expression: "not a cron expr", Channel: "cli", Message: "x"},
		{ID: "good", Expression: "* * * * *", Channel: "cli", Message: "y"},
	}
	p.Tick(entries, time.Now())
	if len(q.enqueued) != 1 || q.enqueued[0].Message != "y" {
		t.Fatalf("expected the malformed entry skipped and the valid one enqueued, got %+v", q.enqueued)
	}
}
