package llm

import (
	"strings"
)

// Intent classifies what kind of system prompt a user message needs.
type Intent int

const (
	IntentChat Intent = iota
	IntentDiagram
	IntentDataContext
)

// diagramKeywords covers English and Spanish phrasings; the original user
// base is bilingual.
var diagramKeywords = []string{
	"diagram", "esquema", "mind map", "mindmap", "mental",
	"visualize", "visualiza", "flowchart", "flow chart",
	"chart", "graph", "draw", "sketch", "mermaid",
	"sequence", "class diagram", "gantt", "timeline",
	"pie chart", "quadrant", "sankey", "show me",
	"create a diagram", "make a diagram", "generate diagram",
	"mapa mental", "hacer un mapa", "hazme un", "dame un",
	"crea un diagrama", "dibuja", "muestra",
	"gráfico", "organigrama", "línea de tiempo",
}

// DetectDiagramIntent reports whether the user is asking for a diagram.
func DetectDiagramIntent(message string) bool {
	lower := strings.ToLower(message)
	for _, keyword := range diagramKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// DetectIntent picks the system prompt flavor for a user message.
// hasDataContext is true when the conversation carries uploaded data the
// assistant should ground its answers in.
func DetectIntent(message string, hasDataContext bool) Intent {
	if DetectDiagramIntent(message) {
		return IntentDiagram
	}
	if hasDataContext {
		return IntentDataContext
	}
	return IntentChat
}

// SystemPrompt returns the system prompt for an intent.
func SystemPrompt(intent Intent) string {
	switch intent {
	case IntentDiagram:
		return diagramSystemPrompt
	case IntentDataContext:
		return dataContextSystemPrompt
	default:
		return chatSystemPrompt
	}
}

const chatSystemPrompt = `You are Hyperfocus AI, an AI assistant designed specifically to help neurodivergent individuals maximize their concentration and learning.

Your core principles:
1. Be clear, concise, and structured in your responses
2. Break down complex topics into digestible chunks
3. Use formatting (bold, lists, headings) to improve readability
4. Stay focused on the current topic without going off on tangents
5. When explaining concepts, prioritize understanding over exhaustiveness

Always be supportive and patient. Remember that you're helping someone who may struggle with traditional learning methods.`

const diagramSystemPrompt = `You are a Mermaid diagram expert. Generate ONLY valid, tested Mermaid code.

MANDATORY FORMAT:
` + "```mermaid\n[your code here]\n```" + `

VALID SYNTAXES:

**MINDMAP** (use for concepts/topics):
` + "```mermaid\nmindmap\n  root((Main Topic))\n    SubTopic1\n      Detail1\n      Detail2\n    SubTopic2\n      Detail3\n```" + `

**FLOWCHART** (use for processes):
` + "```mermaid\nflowchart LR\n    A[Start] --> B{Decision}\n    B -->|Yes| C[Action1]\n    B -->|No| D[Action2]\n```" + `

**ABSOLUTE RULES:**
1. ALWAYS start with diagram type (mindmap, flowchart, etc.)
2. Use 2-space indentation
3. NO tabs
4. Close ALL parentheses
5. Test code is valid before responding
6. Keep it SIMPLE - max 10 nodes
7. Add SHORT explanation AFTER code block (1-2 sentences)

RESPOND FORMAT:
` + "```mermaid\n[code]\n```" + `

Brief explanation.`

const dataContextSystemPrompt = `You are Hyperfocus AI, helping a neurodivergent user work with data they have uploaded.

Ground every answer in the provided data context. If the data does not contain the answer, say so plainly rather than guessing. Keep responses structured and concise: tables for comparisons, short lists for findings, bold for the key numbers.`
