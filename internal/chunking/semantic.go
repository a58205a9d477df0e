// Package chunking classifies assistant replies into semantic sections
// (definition, example, action, keypoint, explanation) used by the
// readability aids. Chunks are computed lazily, once per message.
package chunking

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"

	"github.com/hyperfocusai/hyperfocus/internal/llm"
	"github.com/hyperfocusai/hyperfocus/internal/storage"
)

// Analyzer splits text into classified sections via the completion
// capability, with a whole-text fallback when the provider misbehaves.
type Analyzer struct {
	client llm.Client
	model  string
}

// NewAnalyzer creates a semantic chunk analyzer.
func NewAnalyzer(client llm.Client, model string) *Analyzer {
	if model == "" {
		model = llm.DefaultModel
	}
	return &Analyzer{client: client, model: model}
}

var jsonArrayRe = regexp.MustCompile(`(?s)\[.*\]`)

// Analyze returns the semantic chunks for a text. On any failure the whole
// text comes back as a single explanation chunk; the caller cannot tell a
// degraded answer from a text with no sections, which is intentional.
func (a *Analyzer) Analyze(ctx context.Context, text string) []storage.SemanticChunk {
	fallback := []storage.SemanticChunk{{Type: storage.ChunkExplanation, Content: text}}

	prompt := fmt.Sprintf(`Analyze this text for a neurodivergent learning application. Separate it into semantic chunks BY SECTION (each title/heading = one chunk).

Text to analyze:
%s

CRITICAL RULES:
1. Detect section titles/headings (numbered sections, bold titles, question-style headers)
2. Each section becomes ONE chunk containing the title and ALL content under it (complete, not summarized)
3. Classify each chunk by its title + content:
   - "definition": sections introducing or defining a concept
   - "keypoint": characteristics, main points, impact, key aspects
   - "example": examples, cases, applications
   - "action": steps, how-to, procedures, instructions
   - "explanation": everything else (introduction, context, conclusion)
4. Keep FULL ORIGINAL CONTENT (don't shorten or summarize)
5. If no clear sections, separate by natural topic breaks
6. Minimum 2 chunks per response

Respond ONLY with a JSON array of {"type": "...", "content": "..."} objects (no markdown, no code fences).`, text)

	response, err := a.client.Complete(ctx, []llm.Message{
		{Role: "system", Content: "You are a semantic text analyzer. Separate text by sections/titles. Each section = one chunk. Keep full content. Respond ONLY with JSON array."},
		{Role: "user", Content: prompt},
	}, a.model)
	if err != nil {
		log.Printf("Semantic chunk analysis failed, returning single chunk: %v", err)
		return fallback
	}

	raw := jsonArrayRe.FindString(response)
	if raw == "" {
		log.Printf("Semantic chunk analysis returned no JSON array, returning single chunk")
		return fallback
	}

	var chunks []storage.SemanticChunk
	if err := json.Unmarshal([]byte(raw), &chunks); err != nil || len(chunks) == 0 {
		log.Printf("Semantic chunk analysis returned unparseable payload, returning single chunk")
		return fallback
	}

	for i, chunk := range chunks {
		if !validChunkType(chunk.Type) {
			chunks[i].Type = storage.ChunkExplanation
		}
	}
	return chunks
}

func validChunkType(t storage.ChunkType) bool {
	switch t {
	case storage.ChunkDefinition, storage.ChunkExample, storage.ChunkAction,
		storage.ChunkKeypoint, storage.ChunkExplanation:
		return true
	}
	return false
}
