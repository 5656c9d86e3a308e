package assembler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jlia0/tinyclaw/pkg/protocol"
)

func TestStripTagsRemovesAllControlTags(t *testing.T) {
	text := "hello [@bob: continue the task] world [send_file: /abs/path.txt] done"
	stripped := StripTags(text)
	if strings.Contains(stripped, "[@") || strings.Contains(stripped, "[send_file") {
		t.Fatalf("expected all control tags stripped, got %q", stripped)
	}
}

func TestExtractMentionsFansOutCommaListTargets(t *testing.T) {
	edges := ExtractMentions("a", "[@b,c: go help]")
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d: %+v", len(edges), edges)
	}
	if edges[0].TargetID != "b" || edges[1].TargetID != "c" {
		t.Fatalf("unexpected targets: %+v", edges)
	}
	for _, e := range edges {
		if e.DirectedBody != "go help" {
			t.Fatalf("unexpected body: %+v", e)
		}
	}
}

func TestExtractSendFiles(t *testing.T) {
	files := ExtractSendFiles("here [send_file: /a.txt] and [send_file: /b.txt]")
	if len(files) != 2 || files[0] != "/a.txt" || files[1] != "/b.txt" {
		t.Fatalf("unexpected files: %v", files)
	}
}

func TestFinalizeShortResponseNoAttachment(t *testing.T) {
	dir := t.TempDir()
	a := New(filepath.Join(dir, "files"), false)
	resp, err := a.Finalize(
		protocol.IncomingMessage{Channel: "cli", MessageID: "m1", Sender: "u1", Message: "hi"},
		"default", "hello there", nil, nil,
	)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if resp.Message != "hello there" || len(resp.Files) != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestFinalizeLongResponseOverflowsToFile(t *testing.T) {
	dir := t.TempDir()
	filesDir := filepath.Join(dir, "files")
	a := New(filesDir, false)

	long := strings.Repeat("x", LongResponseThreshold+1)
	fixedClock := func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	resp, err := a.Finalize(
		protocol.IncomingMessage{Channel: "cli", MessageID: "m1", Sender: "u1", Message: "hi"},
		"default", long, nil, fixedClock,
	)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !strings.Contains(resp.Message, "Full response attached as file") {
		t.Fatalf("expected overflow sentinel, got %q", resp.Message)
	}
	if len(resp.Files) != 1 {
		t.Fatalf("expected one attached file, got %v", resp.Files)
	}
	data, err := os.ReadFile(resp.Files[0])
	if err != nil {
		t.Fatalf("read attached file: %v", err)
	}
	if string(data) != long {
		t.Fatalf("expected attached file to contain the full response")
	}
}

func TestFinalizeAtExactThresholdHasNoAttachment(t *testing.T) {
	dir := t.TempDir()
	a := New(filepath.Join(dir, "files"), false)
	exact := strings.Repeat("x", LongResponseThreshold)
	resp, err := a.Finalize(
		protocol.IncomingMessage{Channel: "cli", MessageID: "m1"}, "default", exact, nil, nil,
	)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(resp.Files) != 0 {
		t.Fatalf("expected no attachment exactly at threshold, got %v", resp.Files)
	}
}

func TestFilterAllowedFilesRejectsOutsideWorkspaceByDefault(t *testing.T) {
	dir := t.TempDir()
	filesDir := filepath.Join(dir, "files")
	os.MkdirAll(filesDir, 0o755)
	outside := filepath.Join(dir, "outside.txt")
	os.WriteFile(outside, []byte("x"), 0o644)

	a := New(filesDir, false)
	resp, err := a.Finalize(
		protocol.IncomingMessage{Channel: "cli", MessageID: "m1"}, "default",
		"see [send_file: "+outside+"]", nil, nil,
	)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(resp.Files) != 0 {
		t.Fatalf("expected outside file to be rejected by default, got %v", resp.Files)
	}
}
