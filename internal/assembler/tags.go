// Package assembler implements ResponseAssembler (spec.md §4.8) plus the
// MentionParser/TagStripper abstractions spec.md §9 calls for, wrapping
// the regex contract documented in §6 behind testable functions. Tags
// are removed by regexp replacement followed by a blank-line tidy-up,
// grounded on the teacher's internal/agent/sanitize.go.
package assembler

import (
	"regexp"
	"strings"

	"github.com/jlia0/tinyclaw/pkg/protocol"
)

// mentionPattern matches "[@agentId[,agentId...]: body]" — a teammate
// mention, per spec.md §6.
var mentionPattern = regexp.MustCompile(`\[@([A-Za-z0-9_,\-]+):\s*([^\]]*)\]`)

// sendFilePattern matches "[send_file: /absolute/path]".
var sendFilePattern = regexp.MustCompile(`\[send_file:\s*([^\]]+)\]`)

// ExtractMentions pulls every [@teammate[,teammate…]: body] directive out
// of text, fanning a comma-separated target list into one MentionEdge per
// target (dedup against same-branch repeats is ConversationRegistry's
// job, not the parser's). speakerID is the agent whose response is being
// parsed.
func ExtractMentions(speakerID, text string) []protocol.MentionEdge {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if matches == nil {
		return nil
	}
	var edges []protocol.MentionEdge
	for _, m := range matches {
		targets := strings.Split(m[1], ",")
		body := strings.TrimSpace(m[2])
		for _, t := range targets {
			target := strings.TrimSpace(t)
			if target == "" {
				continue
			}
			edges = append(edges, protocol.MentionEdge{
				SpeakerID:    speakerID,
				TargetID:     target,
				DirectedBody: body,
			})
		}
	}
	return edges
}

// ExtractSendFiles pulls every [send_file: path] directive's path out of
// text.
func ExtractSendFiles(text string) []string {
	matches := sendFilePattern.FindAllStringSubmatch(text, -1)
	if matches == nil {
		return nil
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}

// StripTags removes every mention and send_file tag from text, leaving
// the user-facing prose behind. This is the hygiene guarantee spec.md §8
// calls "Tag hygiene": no [@…:…] or [send_file:…] tag may appear in the
// final outbound text.
func StripTags(text string) string {
	stripped := mentionPattern.ReplaceAllString(text, "")
	stripped = sendFilePattern.ReplaceAllString(stripped, "")
	return collapseBlankLines(stripped)
}

// collapseBlankLines collapses runs of 3+ newlines left behind by tag
// removal down to 2 and trims whitespace at both ends, mirroring the
// teacher's collapseConsecutiveDuplicateBlocks tidy-up step in spirit.
var blankRunPattern = regexp.MustCompile(`\n{3,}`)

func collapseBlankLines(s string) string {
	s = blankRunPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
