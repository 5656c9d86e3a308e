package invoker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jlia0/tinyclaw/pkg/protocol"
)

// echoLinesBuilder builds a `sh -c` subprocess that prints fixed
// JSON-lines output, standing in for a real ClaudeCli/CodexCli process so
// Invoke's parsing logic can be exercised without shelling out to a real
// model provider.
func echoLinesBuilder(script string) ArgvBuilder {
	return func(req Request) (string, []string) {
		return "sh", []string{"-c", script}
	}
}

func TestInvokeParsesAssistantTextAndActivities(t *testing.T) {
	script := `echo '{"type":"tool_use","tool":"read","path":"a.txt"}'; ` +
		`echo '{"type":"tool_result","tool":"read"}'; ` +
		`echo '{"type":"assistant","text":"final answer","session_id":"11111111-2222-3333-4444-555555555555"}'`
	inv := New(map[string]ArgvBuilder{"anthropic": echoLinesBuilder(script)}, time.Second)

	result, err := inv.Invoke(context.Background(), Request{
		Agent: protocol.AgentConfig{Provider: "anthropic"}, Prompt: "hi",
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Text != "final answer" {
		t.Fatalf("unexpected text: %q", result.Text)
	}
	if result.SessionID != "11111111-2222-3333-4444-555555555555" {
		t.Fatalf("unexpected session id: %q", result.SessionID)
	}
	if len(result.Activities) != 2 {
		t.Fatalf("expected 2 activities, got %v", result.Activities)
	}
	if result.Activities[0] != "Read a.txt" {
		t.Fatalf("unexpected activity: %q", result.Activities[0])
	}
}

func TestInvokeNonZeroExitReturnsError(t *testing.T) {
	inv := New(map[string]ArgvBuilder{"anthropic": echoLinesBuilder(`echo "boom" 1>&2; exit 3`)}, time.Second)
	_, err := inv.Invoke(context.Background(), Request{Agent: protocol.AgentConfig{Provider: "anthropic"}})
	if err == nil {
		t.Fatalf("expected error on non-zero exit")
	}
	invErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if invErr.ExitCode != 3 || !strings.Contains(invErr.Stderr, "boom") {
		t.Fatalf("unexpected error: %+v", invErr)
	}
}

func TestInvokeUnknownProviderErrors(t *testing.T) {
	inv := New(map[string]ArgvBuilder{}, time.Second)
	_, err := inv.Invoke(context.Background(), Request{Agent: protocol.AgentConfig{Provider: "missing"}})
	if err == nil {
		t.Fatalf("expected error for unregistered provider")
	}
}

func TestInvokeTimeout(t *testing.T) {
	inv := New(map[string]ArgvBuilder{"anthropic": echoLinesBuilder("sleep 2")}, 10*time.Millisecond)
	_, err := inv.Invoke(context.Background(), Request{Agent: protocol.AgentConfig{Provider: "anthropic"}})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}
