// Package chat owns the conversation lifecycle: the chat set, the
// current-chat pointer, and the full send-message protocol including
// cancellation across chat switches.
package chat

import (
	"regexp"
	"strings"
)

// DiagramResult is the split of an assistant reply into diagram source and
// explanatory text.
type DiagramResult struct {
	HasDiagram  bool
	MermaidCode string
	Explanation string
}

var (
	mermaidBlockRe  = regexp.MustCompile("(?is)```mermaid\\s*(.*?)```")
	directMermaidRe = regexp.MustCompile(`(?im)^(flowchart|graph|sequenceDiagram|classDiagram|stateDiagram|erDiagram|journey|gantt|pie|mindmap|quadrantChart|sankey)`)
)

// ExtractContent splits a raw assistant reply into mermaid source and the
// remaining explanation. A fenced mermaid block is removed from the
// explanation; a reply that is bare mermaid grammar becomes all diagram.
func ExtractContent(text string) DiagramResult {
	if m := mermaidBlockRe.FindStringSubmatch(text); m != nil {
		return DiagramResult{
			HasDiagram:  true,
			MermaidCode: strings.TrimSpace(m[1]),
			Explanation: strings.TrimSpace(strings.Replace(text, m[0], "", 1)),
		}
	}

	if directMermaidRe.MatchString(text) {
		return DiagramResult{
			HasDiagram:  true,
			MermaidCode: strings.TrimSpace(text),
		}
	}

	return DiagramResult{Explanation: text}
}

// GenerateTitle derives a chat title from its first message: the first 50
// runes, with an ellipsis when truncated.
func GenerateTitle(text string) string {
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if len(runes) <= 50 {
		return trimmed
	}
	return string(runes[:50]) + "..."
}
