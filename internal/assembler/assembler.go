package assembler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jlia0/tinyclaw/pkg/protocol"
)

// LongResponseThreshold is the character count past which ResponseAssembler
// overflows the response into an attached file instead of inlining it
// (spec.md §4.8, §8 boundary behaviour: "Response exactly at threshold
// length: no file attachment"). spec.md leaves the exact number
// unspecified; 4000 characters is chosen to comfortably exceed any
// single-paragraph chat reply while still catching genuinely long
// generated documents — see DESIGN.md.
const LongResponseThreshold = 4000

// previewChars is how much of an overflowing response is kept inline as
// a preview before the "Full response attached as file" sentinel.
const previewChars = 1000

const overflowSentinel = "\n\n[Full response attached as file]"

// Assembler implements ResponseAssembler.
type Assembler struct {
	filesDir     string
	allowOutside bool
}

// New builds an Assembler rooted at the workspace's files/ directory.
// allowOutside mirrors security.allow_outbound_file_paths_outside_files_dir.
func New(filesDir string, allowOutside bool) *Assembler {
	return &Assembler{filesDir: filesDir, allowOutside: allowOutside}
}

// Finalize strips tags, harvests and filters file references, overflows
// long text into an attached file, and builds the outbound record.
// clock lets tests control the timestamp used for the overflow filename.
func (a *Assembler) Finalize(
	original protocol.IncomingMessage,
	agentID string,
	aggregateText string,
	conversationFileRefs []string,
	clock func() time.Time,
) (protocol.OutgoingResponse, error) {
	if clock == nil {
		clock = time.Now
	}

	harvested := ExtractSendFiles(aggregateText)
	cleaned := StripTags(aggregateText)

	allRefs := dedupStrings(append(append([]string{}, harvested...), conversationFileRefs...))
	files := a.filterAllowedFiles(allRefs)

	resp := protocol.OutgoingResponse{
		Channel:         original.Channel,
		Sender:          original.Sender,
		OriginalMessage: original.Message,
		Timestamp:       protocol.Now(),
		MessageID:       original.MessageID,
		Agent:           agentID,
	}

	if len(cleaned) <= LongResponseThreshold {
		resp.Message = cleaned
		resp.Files = files
		return resp, nil
	}

	attachPath, err := a.writeOverflowFile(cleaned, clock())
	if err != nil {
		return protocol.OutgoingResponse{}, fmt.Errorf("assembler: write overflow file: %w", err)
	}

	preview := cleaned
	if len(preview) > previewChars {
		preview = preview[:previewChars]
	}
	resp.Message = preview + overflowSentinel
	resp.Files = dedupStrings(append(files, attachPath))
	return resp, nil
}

// filterAllowedFiles keeps only references that exist on disk and pass
// the outbound-path policy: must live under filesDir unless explicitly
// allowed (spec.md §4.8, the Open Question resolved in §9).
func (a *Assembler) filterAllowedFiles(refs []string) []string {
	var out []string
	for _, ref := range refs {
		if _, err := os.Stat(ref); err != nil {
			continue
		}
		if !a.allowOutside {
			rel, err := filepath.Rel(a.filesDir, ref)
			if err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
		}
		out = append(out, ref)
	}
	return out
}

// writeOverflowFile commits the full response as response_<ts>.md under
// files/ via write-to-temp + rename (spec.md §9: "never expose a
// partially written file").
func (a *Assembler) writeOverflowFile(content string, at time.Time) (string, error) {
	if err := os.MkdirAll(a.filesDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("response_%s.md", at.UTC().Format("20060102T150405.000000000Z"))
	dst := filepath.Join(a.filesDir, name)

	tmp, err := os.CreateTemp(a.filesDir, "response-*.tmp")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", err
	}
	cleanup = false
	return dst, nil
}

func dedupStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
