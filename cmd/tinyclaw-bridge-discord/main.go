// Command tinyclaw-bridge-discord is a thin reference channel adapter: it
// forwards Discord messages into a FileQueue's incoming/ directory and
// delivers outgoing/ records addressed to channel "discord" back to
// Discord. It carries no routing or scheduling logic of its own — that is
// the core dispatcher's job (spec.md §1's Out-of-Scope contract).
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
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jlia0/tinyclaw/internal/queue"
	"github.com/jlia0/tinyclaw/pkg/protocol"
)

const channelName = "discord"

func main() {
	var (
		token     = flag.String("token", os.Getenv("TINYCLAW_DISCORD_TOKEN"), "Discord bot token")
		workspace = flag.String("workspace", "workspace", "TinyClaw FileQueue root")
		pollEvery = flag.Duration("poll", time.Second, "how often to check outgoing/ for replies")
	)
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if *token == "" {
		fmt.Fprintln(os.Stderr, "tinyclaw-bridge-discord: -token or TINYCLAW_DISCORD_TOKEN is required")
		os.Exit(1)
	}

	q, err := queue.New(*workspace)
	if err != nil {
		slog.Error("open queue", "error", err)
		os.Exit(1)
	}

	session, err := discordgo.New("Bot " + *token)
	if err != nil {
		slog.Error("create discord session", "error", err)
		os.Exit(1)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	bridge := &bridge{queue: q, session: session}
	session.AddHandler(bridge.onMessageCreate)

	if err := session.Open(); err != nil {
		slog.Error("open discord gateway", "error", err)
		os.Exit(1)
	}
	defer session.Close()

	me, err := session.User("@me")
	if err != nil {
		slog.Error("fetch discord bot identity", "error", err)
		os.Exit(1)
	}
	bridge.botUserID = me.ID
	slog.Info("tinyclaw-bridge-discord connected", "username", me.Username)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	bridge.deliverOutgoingLoop(ctx, *pollEvery)
}

type bridge struct {
	queue     *queue.FileQueue
	session   *discordgo.Session
	botUserID string
}

// onMessageCreate admits one Discord message into incoming/. Admission
// (sender allowlist) and routing happen downstream in the core dispatcher;
// this adapter only transcribes the wire shape.
func (b *bridge) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == b.botUserID {
		return
	}
	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	msg := protocol.IncomingMessage{
		Channel:   channelName,
		Sender:    m.ChannelID,
		SenderID:  m.Author.ID,
		Message:   content,
		MessageID: m.ID,
		Timestamp: protocol.Now(),
	}
	if err := b.queue.EnqueueIncoming(msg); err != nil {
		slog.Warn("discord bridge: enqueue incoming failed", "error", err)
	}
}

// deliverOutgoingLoop polls outgoing/ for records on this channel, sends
// them to Discord, and deletes the record once delivered. There is no
// outgoing-file API scoped by channel, so every record is inspected and
// skipped if it belongs to a different adapter.
func (b *bridge) deliverOutgoingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.deliverOnce()
		}
	}
}

func (b *bridge) deliverOnce() {
	names, err := readDir(b.queue.OutgoingDir())
	if err != nil {
		slog.Warn("discord bridge: list outgoing failed", "error", err)
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
		if err := b.sendChunked(out.Sender, out.Message); err != nil {
			slog.Warn("discord bridge: send failed", "error", err, "channel_id", out.Sender)
			continue
		}
		deleteOutgoing(b.queue.OutgoingDir(), name)
	}
}

// sendChunked splits content across Discord's 2000-character message limit,
// breaking on a newline where possible.
func (b *bridge) sendChunked(channelID, content string) error {
	const maxLen = 2000
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			cutAt := maxLen
			if idx := lastNewline(content[:maxLen]); idx > maxLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		if _, err := b.session.ChannelMessageSend(channelID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func lastNewline(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
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
