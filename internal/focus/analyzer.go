// Package focus implements the Hyperfocus topic-drift control loop: an
// LLM-backed topic analyzer with deterministic fallbacks, and the
// per-chat state machine that decides whether a message passes, blocks,
// or re-anchors the conversation.
package focus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/hyperfocusai/hyperfocus/internal/llm"
)

// Analyzer maps free text to topic labels and similarity judgments. Every
// LLM-backed judgment has a cheap deterministic fallback so a provider
// outage degrades permissiveness, never availability.
type Analyzer struct {
	client llm.Client
	model  string
}

// NewAnalyzer creates an analyzer over the completion capability.
func NewAnalyzer(client llm.Client, model string) *Analyzer {
	if model == "" {
		model = llm.DefaultModel
	}
	return &Analyzer{client: client, model: model}
}

// TopicAnalysis is the similarity judgment between an anchored topic and a
// new message.
type TopicAnalysis struct {
	Similarity       int    `json:"similarity"` // 0-100
	NewTopic         string `json:"newTopic"`
	IsDifferentTopic bool   `json:"isDifferentTopic"`
}

// TaskRelevance reports whether a message relates to a user-declared task.
type TaskRelevance struct {
	IsRelevant bool `json:"isRelevant"`
	Confidence int  `json:"confidence"` // 0-100
}

var (
	jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)
)

// ExtractTopic asks for a 3-5 word topic phrase. On any provider failure it
// falls back to the first five words of the message. Returns an error only
// when ctx is done.
func (a *Analyzer) ExtractTopic(ctx context.Context, message string) (string, error) {
	prompt := fmt.Sprintf("Extract the main topic or subject from this message in 3-5 words:\n\n%q\n\nRespond with ONLY the topic phrase, nothing else.", message)

	response, err := a.client.Complete(ctx, []llm.Message{
		{Role: "system", Content: "You are a topic extractor. Respond with only the topic phrase."},
		{Role: "user", Content: prompt},
	}, a.model)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Printf("Topic extraction failed, using heuristic: %v", err)
		return firstWords(message, 5), nil
	}

	topic := strings.TrimSpace(response)
	if topic == "" {
		return firstWords(message, 5), nil
	}
	return topic, nil
}

// AnalyzeTopic asks for a structured similarity judgment between the
// anchored topic and a new message. If the call fails or the response does
// not parse, it falls back to a keyword-overlap heuristic.
func (a *Analyzer) AnalyzeTopic(ctx context.Context, currentTopic, newMessage string) (TopicAnalysis, error) {
	prompt := fmt.Sprintf(`Analyze if these two topics are related or different:

Topic 1: %q
Topic 2 (from new message): %q

Respond with ONLY a JSON object in this exact format (no markdown, no code blocks):
{
  "similarity": <number 0-100>,
  "newTopic": "<brief topic description>",
  "isDifferentTopic": <true or false>
}`, currentTopic, newMessage)

	response, err := a.client.Complete(ctx, []llm.Message{
		{Role: "system", Content: "You are a topic analyzer. Respond ONLY with valid JSON, no other text."},
		{Role: "user", Content: prompt},
	}, a.model)
	if err != nil {
		if ctx.Err() != nil {
			return TopicAnalysis{}, ctx.Err()
		}
		log.Printf("Topic analysis failed, using keyword overlap: %v", err)
		return keywordOverlap(currentTopic, newMessage), nil
	}

	var parsed struct {
		Similarity       float64 `json:"similarity"`
		NewTopic         string  `json:"newTopic"`
		IsDifferentTopic bool    `json:"isDifferentTopic"`
	}
	raw := jsonObjectRe.FindString(response)
	if raw == "" || json.Unmarshal([]byte(raw), &parsed) != nil {
		log.Printf("Topic analysis returned unparseable payload, using keyword overlap")
		return keywordOverlap(currentTopic, newMessage), nil
	}

	return TopicAnalysis{
		Similarity:       clampScore(int(parsed.Similarity)),
		NewTopic:         parsed.NewTopic,
		IsDifferentTopic: parsed.IsDifferentTopic,
	}, nil
}

// CheckTaskRelevance asks whether a message relates to a user-declared
// focus task. It fails open: on any failure the message is considered
// relevant with confidence 50, so an analyzer fault never flags the user.
func (a *Analyzer) CheckTaskRelevance(ctx context.Context, message, focusTask string) (TaskRelevance, error) {
	prompt := fmt.Sprintf(`You are helping a user stay focused on their task. Analyze if the user's message is related to their focus task.

FOCUS TASK: %q

USER MESSAGE: %q

Determine if the message is:
- RELEVANT (ON-TOPIC): Directly related to the focus task, asking questions about it, working on it, or discussing related concepts
- DISTRACTION (OFF-TOPIC): Completely unrelated, about different topics, or trying to change subject

Respond ONLY with JSON (no markdown, no backticks):
{
  "isRelevant": true/false,
  "confidence": 0-100,
  "reason": "brief explanation"
}`, focusTask, message)

	fallback := TaskRelevance{IsRelevant: true, Confidence: 50}

	response, err := a.client.Complete(ctx, []llm.Message{
		{Role: "system", Content: "You are a focus assistant. Analyze if messages are related to the user's task. Respond ONLY with JSON."},
		{Role: "user", Content: prompt},
	}, a.model)
	if err != nil {
		if ctx.Err() != nil {
			return TaskRelevance{}, ctx.Err()
		}
		log.Printf("Task relevance check failed, allowing message: %v", err)
		return fallback, nil
	}

	var parsed struct {
		IsRelevant *bool   `json:"isRelevant"`
		Confidence float64 `json:"confidence"`
	}
	raw := jsonObjectRe.FindString(response)
	if raw == "" || json.Unmarshal([]byte(raw), &parsed) != nil || parsed.IsRelevant == nil {
		log.Printf("Task relevance check returned unparseable payload, allowing message")
		return fallback, nil
	}

	confidence := clampScore(int(parsed.Confidence))
	if confidence == 0 {
		confidence = 50
	}
	return TaskRelevance{IsRelevant: *parsed.IsRelevant, Confidence: confidence}, nil
}

// keywordOverlap is the deterministic similarity fallback:
// |common tokens| / max(|topic tokens|, |message tokens|) * 100, with
// anything under 40 treated as a different topic.
func keywordOverlap(currentTopic, newMessage string) TopicAnalysis {
	topicTokens := strings.Fields(strings.ToLower(currentTopic))
	messageTokens := strings.Fields(strings.ToLower(newMessage))

	common := 0
	for _, t := range topicTokens {
		for _, m := range messageTokens {
			if strings.Contains(m, t) || strings.Contains(t, m) {
				common++
				break
			}
		}
	}

	denom := len(topicTokens)
	if len(messageTokens) > denom {
		denom = len(messageTokens)
	}
	similarity := 0
	if denom > 0 {
		similarity = common * 100 / denom
	}

	return TopicAnalysis{
		Similarity:       similarity,
		NewTopic:         truncate(newMessage, 50),
		IsDifferentTopic: similarity < 40,
	}
}

func firstWords(text string, n int) string {
	words := strings.Fields(strings.TrimSpace(text))
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
