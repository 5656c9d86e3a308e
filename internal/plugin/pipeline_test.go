package plugin

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jlia0/tinyclaw/pkg/protocol"
)

// fakeClient is an in-process HookClient stand-in, avoiding the need to
// spawn a real MCP server in tests.
type fakeClient struct {
	name  string
	calls []string
	fn    func(hook string, payload map[string]any) (map[string]any, error)
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) CallHook(ctx context.Context, hook string, payload map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, hook)
	if f.fn != nil {
		out, err := f.fn(hook, payload)
		if err != nil {
			return out, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return out, nil
	}
	return map[string]any{}, nil
}

func (f *fakeClient) Close() error { return nil }

func TestBeforeModelChainsReplacementAcrossPlugins(t *testing.T) {
	p1 := &fakeClient{name: "p1", fn: func(hook string, payload map[string]any) (map[string]any, error) {
		return map[string]any{"message": payload["message"].(string) + " +p1", "state": "p1-state"}, nil
	}}
	p2 := &fakeClient{name: "p2", fn: func(hook string, payload map[string]any) (map[string]any, error) {
		return map[string]any{"message": payload["message"].(string) + " +p2"}, nil
	}}
	pipe := New([]HookClient{p1, p2}, time.Second)

	msg, state, results := pipe.BeforeModel(context.Background(), "hello")
	if msg != "hello +p1 +p2" {
		t.Fatalf("expected sequential chaining of message replacement, got %q", msg)
	}
	if state["p1"] != "p1-state" {
		t.Fatalf("expected p1's state captured, got %+v", state)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 hook results, got %d", len(results))
	}
}

func TestAfterModelEchoesStateBackPerPlugin(t *testing.T) {
	var seenState any
	p1 := &fakeClient{name: "p1", fn: func(hook string, payload map[string]any) (map[string]any, error) {
		seenState = payload["state"]
		return nil, nil
	}}
	pipe := New([]HookClient{p1}, time.Second)
	state := protocol.PluginState{"p1": "remembered"}
	pipe.AfterModel(context.Background(), "final text", state)

	if seenState != "remembered" {
		t.Fatalf("expected afterModel to receive p1's own state, got %v", seenState)
	}
}

func TestHookTimeoutIsLoggedAndDoesNotPoisonPipeline(t *testing.T) {
	slow := &fakeClient{name: "slow", fn: func(hook string, payload map[string]any) (map[string]any, error) {
		time.Sleep(50 * time.Millisecond)
		return map[string]any{}, nil
	}}
	fast := &fakeClient{name: "fast"}
	pipe := New([]HookClient{slow, fast}, 5*time.Millisecond)

	results := pipe.OnStartup(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected both plugins to produce a result despite the timeout, got %d", len(results))
	}
	if len(fast.calls) != 1 {
		t.Fatalf("expected the second plugin to still run after the first timed out, got %d calls", len(fast.calls))
	}
}

func TestHookErrorOnOnePluginDoesNotBlockOthers(t *testing.T) {
	failing := &fakeClient{name: "failing", fn: func(hook string, payload map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("boom")
	}}
	ok := &fakeClient{name: "ok"}
	pipe := New([]HookClient{failing, ok}, time.Second)

	results := pipe.OnHealth(context.Background())
	if results[0].Err == nil {
		t.Fatalf("expected first plugin's error to be recorded")
	}
	if len(ok.calls) != 1 {
		t.Fatalf("expected second plugin to still run")
	}
}

func TestTransformIncomingRewritesMessage(t *testing.T) {
	p := &fakeClient{name: "rewriter", fn: func(hook string, payload map[string]any) (map[string]any, error) {
		return map[string]any{"message": "[redacted] " + payload["message"].(string)}, nil
	}}
	pipe := New([]HookClient{p}, time.Second)
	msg, _ := pipe.TransformIncoming(context.Background(), protocol.IncomingMessage{Message: "secret stuff"})
	if msg.Message != "[redacted] secret stuff" {
		t.Fatalf("unexpected transformed message: %q", msg.Message)
	}
}

func TestTransformOutgoingRewritesMessage(t *testing.T) {
	p := &fakeClient{name: "rewriter", fn: func(hook string, payload map[string]any) (map[string]any, error) {
		return map[string]any{"message": payload["message"].(string) + " [checked]"}, nil
	}}
	pipe := New([]HookClient{p}, time.Second)
	resp, _ := pipe.TransformOutgoing(context.Background(), protocol.OutgoingResponse{Message: "final"})
	if resp.Message != "final [checked]" {
		t.Fatalf("unexpected transformed response: %q", resp.Message)
	}
}

func TestOnSessionEndCarriesReasonToEveryPlugin(t *testing.T) {
	var gotReason string
	p := &fakeClient{name: "p1", fn: func(hook string, payload map[string]any) (map[string]any, error) {
		gotReason = payload["reason"].(string)
		return nil, nil
	}}
	pipe := New([]HookClient{p}, time.Second)
	pipe.OnSessionEnd(context.Background(), "shutdown")
	if gotReason != "shutdown" {
		t.Fatalf("expected reason propagated, got %q", gotReason)
	}
}
