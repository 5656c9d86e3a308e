// Package invoker implements AgentInvoker: spawns the provider-specific
// subprocess for one model call, parses its JSON-lines event stream, and
// extracts the final response text, any session ID, and a human-readable
// activity summary (spec.md §4.7).
//
// The subprocess-invocation pattern (exec.CommandContext, deadline,
// stdout/stderr capture) is grounded on the teacher's
// internal/tools/shell.go executeOnHost. The JSON-lines scanning loop is
// grounded on the teacher's internal/providers/anthropic_stream.go
// bufio.Scanner pattern.
package invoker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/jlia0/tinyclaw/pkg/protocol"
)

// maxLineBuffer bounds a single JSON-lines event, matching the teacher's
// 1MB SSE line cap.
const maxLineBuffer = 1024 * 1024

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// Request is the input to one invocation.
type Request struct {
	Agent      protocol.AgentConfig
	Prompt     string
	Reset      bool
	SessionID  string
	Timeout    time.Duration
}

// Result is the output of one successful invocation.
type Result struct {
	Text       string
	SessionID  string
	Activities []string
}

// Error wraps a non-zero subprocess exit, carrying the captured stderr or
// a synthesized message (spec.md §4.7).
type Error struct {
	ExitCode int
	Stderr   string
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("agent invocation failed (exit %d): %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("agent invocation exited with code %d", e.ExitCode)
}

// ArgvBuilder constructs provider-specific command-line arguments. Real
// deployments register one per supported provider (claude-cli, codex-cli,
// ...); this indirection keeps the subprocess-spawning and JSON-lines
// parsing logic provider-agnostic.
type ArgvBuilder func(req Request) (command string, args []string)

// Invoker spawns the resolved provider's subprocess and parses its
// output.
type Invoker struct {
	builders       map[string]ArgvBuilder
	defaultTimeout time.Duration
}

// New builds an Invoker with the given provider→argv builders.
func New(builders map[string]ArgvBuilder, defaultTimeout time.Duration) *Invoker {
	return &Invoker{builders: builders, defaultTimeout: defaultTimeout}
}

// Invoke builds the provider's argv, spawns it with the agent's working
// directory and environment overlay, and parses its JSON-lines output.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (Result, error) {
	builder, ok := inv.builders[req.Agent.Provider]
	if !ok {
		return Result{}, fmt.Errorf("invoker: no argv builder registered for provider %q", req.Agent.Provider)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = inv.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command, args := builder(req)

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = req.Agent.WorkingDir
	cmd.Env = mergeEnv(os.Environ(), req.Agent.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("invoker: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("invoker: start %s: %w", command, err)
	}

	result := parseEventStream(stdout)

	err = cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return Result{}, fmt.Errorf("invoker: %s timed out after %s", command, timeout)
	}
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return Result{}, &Error{ExitCode: exitCode, Stderr: stderr.String()}
	}

	if result.SessionID == "" {
		if m := uuidPattern.FindString(stderr.String()); m != "" {
			result.SessionID = m
		}
	}
	return result, nil
}

// event is the tolerant sum-type shape for one JSON-lines record emitted
// by the subprocess. Every field is optional and validated at the edge,
// per spec.md §9's design note on dynamic JSON shapes.
type event struct {
	Type      string          `json:"type"`
	Role      string          `json:"role"`
	Text      string          `json:"text"`
	Content   json.RawMessage `json:"content"`
	SessionID string          `json:"session_id"`
	Tool      string          `json:"tool"`
	Path      string          `json:"path"`
	Command   string          `json:"command"`
}

func parseEventStream(r io.Reader) Result {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBuffer)

	var result Result
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev event
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Debug("invoker: skipping non-JSON line", "error", err)
			continue
		}
		if ev.SessionID != "" {
			result.SessionID = ev.SessionID
		}
		switch ev.Type {
		case "assistant", "assistant_message", "message":
			if text := extractText(ev); text != "" {
				result.Text = text
			}
		case "tool_use", "tool_call":
			result.Activities = append(result.Activities, activitySummary(ev))
		case "tool_result":
			result.Activities = append(result.Activities, fmt.Sprintf("Result from %s", fallback(ev.Tool, "tool")))
		}
	}
	return result
}

func extractText(ev event) string {
	if ev.Text != "" {
		return ev.Text
	}
	if len(ev.Content) == 0 {
		return ""
	}
	// content may be a bare string or an array of typed blocks.
	var s string
	if err := json.Unmarshal(ev.Content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(ev.Content, &blocks); err == nil {
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}

func activitySummary(ev event) string {
	switch ev.Tool {
	case "read", "read_file":
		return fmt.Sprintf("Read %s", ev.Path)
	case "exec", "shell", "bash":
		return fmt.Sprintf("Ran %s", ev.Command)
	default:
		if ev.Tool != "" {
			return fmt.Sprintf("Used tool %s", ev.Tool)
		}
		return "Used tool"
	}
}

func fallback(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func mergeEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	out := append([]string{}, base...)
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}
