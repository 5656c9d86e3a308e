// Package cron implements the cron-like message producer SPEC_FULL.md adds
// to fulfill spec.md §1's "cron-like external schedulers: they enqueue
// messages the same way channels do" contract, which spec.md's distillation
// mentions but leaves unimplemented.
//
// Grounded on the teacher's cron-collaborator role referenced by
// internal/bus's CacheKindCron invalidation constant (the teacher re-reads
// cron entries from settings and re-schedules on change); rebuilt here as
// a standalone producer that only ever writes IncomingMessage records into
// FileQueue's incoming/ directory, exactly as any other channel adapter
// would, keeping it outside the core's transport-handling Non-goal.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/jlia0/tinyclaw/internal/config"
	"github.com/jlia0/tinyclaw/pkg/protocol"
)

// Enqueuer is the minimal FileQueue surface the producer depends on.
type Enqueuer interface {
	EnqueueIncoming(msg protocol.IncomingMessage) error
}

// Producer evaluates configured cron entries against wall-clock time and
// enqueues one IncomingMessage per entry the minute it becomes due.
type Producer struct {
	queue Enqueuer
	gx    gronx.Gronx

	mu        sync.Mutex
	lastFired map[string]string // entry ID -> "YYYY-MM-DDTHH:MM" last-fired minute
}

// New builds a Producer writing due messages to queue.
func New(queue Enqueuer) *Producer {
	return &Producer{queue: queue, gx: gronx.Gronx{}, lastFired: make(map[string]string)}
}

// Tick evaluates every entry against now, enqueuing a message for each one
// that is due and hasn't already fired this minute. Errors from individual
// malformed expressions are logged and skipped, never fatal to the tick.
func (p *Producer) Tick(entries []config.CronEntry, now time.Time) {
	minute := now.Format("2006-01-02T15:04")

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range entries {
		due, err := p.gx.IsDue(e.Expression, now)
		if err != nil {
			slog.Warn("cron: malformed expression, skipping", "entry", e.ID, "expression", e.Expression, "error", err)
			continue
		}
		if !due {
			continue
		}
		if p.lastFired[e.ID] == minute {
			continue
		}
		p.lastFired[e.ID] = minute

		msg := protocol.IncomingMessage{
			Channel:   e.Channel,
			Sender:    "cron",
			SenderID:  fmt.Sprintf("cron:%s", e.ID),
			Message:   e.Message,
			MessageID: uuid.NewString(),
			Agent:     e.Agent,
			Timestamp: protocol.Now(),
		}
		if err := p.queue.EnqueueIncoming(msg); err != nil {
			slog.Warn("cron: enqueue failed", "entry", e.ID, "error", err)
		}
	}
}

// Run polls Tick every interval (typically 1 minute, cron's native
// granularity) until ctx is cancelled. entries is re-read from cfg on
// every tick so settings changes take effect without a restart (the same
// hot-read pattern the dispatcher uses for ConfigStore, spec.md §2).
func (p *Producer) Run(ctx context.Context, cfg func() []config.CronEntry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			p.Tick(cfg(), t)
		}
	}
}
