// Command tinyclaw-bridge-telegram is a thin reference channel adapter: it
// forwards Telegram messages into a FileQueue's incoming/ directory and
// delivers outgoing/ records addressed to channel "telegram" back to the
// originating chat. It carries no routing or scheduling logic of its own —
// that is the core dispatcher's job (spec.md §1's Out-of-Scope contract).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/jlia0/tinyclaw/internal/queue"
	"github.com/jlia0/tinyclaw/pkg/protocol"
)

const channelName = "telegram"

func main() {
	var (
		token     = flag.String("token", os.Getenv("TINYCLAW_TELEGRAM_TOKEN"), "Telegram bot token")
		workspace = flag.String("workspace", "workspace", "TinyClaw FileQueue root")
		pollEvery = flag.Duration("poll", time.Second, "how often to check outgoing/ for replies")
	)
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if *token == "" {
		fmt.Fprintln(os.Stderr, "tinyclaw-bridge-telegram: -token or TINYCLAW_TELEGRAM_TOKEN is required")
		os.Exit(1)
	}

	q, err := queue.New(*workspace)
	if err != nil {
		slog.Error("open queue", "error", err)
		os.Exit(1)
	}

	bot, err := telego.NewBot(*token)
	if err != nil {
		slog.Error("create telegram bot", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	updates, err := bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		slog.Error("start telegram long polling", "error", err)
		os.Exit(1)
	}

	slog.Info("tinyclaw-bridge-telegram connected", "username", bot.Username())

	b := &bridge{queue: q, bot: bot}
	go b.pollUpdates(ctx, updates)
	b.deliverOutgoingLoop(ctx, *pollEvery)
}

type bridge struct {
	queue *queue.FileQueue
	bot   *telego.Bot
}

func (b *bridge) pollUpdates(ctx context.Context, updates <-chan telego.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				b.onMessage(update.Message)
			}
		}
	}
}

// onMessage admits one Telegram message into incoming/. Admission (sender
// allowlist) and routing happen downstream in the core dispatcher; this
// adapter only transcribes the wire shape.
func (b *bridge) onMessage(m *telego.Message) {
	if m.Text == "" || m.From == nil {
		return
	}
	msg := protocol.IncomingMessage{
		Channel:   channelName,
		Sender:    strconv.FormatInt(m.Chat.ID, 10),
		SenderID:  strconv.FormatInt(m.From.ID, 10),
		Message:   m.Text,
		MessageID: strconv.Itoa(m.MessageID),
		Timestamp: protocol.Now(),
	}
	if err := b.queue.EnqueueIncoming(msg); err != nil {
		slog.Warn("telegram bridge: enqueue incoming failed", "error", err)
	}
}

// deliverOutgoingLoop polls outgoing/ for records on this channel, sends
// them to Telegram, and deletes the record once delivered.
func (b *bridge) deliverOutgoingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.deliverOnce(ctx)
		}
	}
}

func (b *bridge) deliverOnce(ctx context.Context) {
	names, err := readDir(b.queue.OutgoingDir())
	if err != nil {
		slog.Warn("telegram bridge: list outgoing failed", "error", err)
		return
	}
	for _, name := range names {
		out, err := readOutgoing(b.queue.OutgoingDir(), name)
		if err != nil {
			continue
		}
		if out.Channel != channelName {
			continue
		}
		chatID, err := strconv.ParseInt(out.Sender, 10, 64)
		if err != nil {
			slog.Warn("telegram bridge: malformed chat id", "sender", out.Sender)
			continue
		}
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), out.Message)); err != nil {
			slog.Warn("telegram bridge: send failed", "error", err, "chat_id", chatID)
			continue
		}
		deleteOutgoing(b.queue.OutgoingDir(), name)
	}
}

func readDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func readOutgoing(dir, name string) (protocol.OutgoingResponse, error) {
	var out protocol.OutgoingResponse
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

func deleteOutgoing(dir, name string) {
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
		slog.Warn("bridge: failed to remove delivered outgoing record", "error", err)
	}
}
