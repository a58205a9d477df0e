package storage

import (
	"time"
)

// FocusMode controls whether topic-drift enforcement is active.
type FocusMode string

const (
	FocusModeDefault    FocusMode = "default"
	FocusModeHyperfocus FocusMode = "hyperfocus"
)

// FontStyle is a reading-aid presentation style. The core never interprets
// these values; they are snapshotted onto messages and handed back to the
// presentation layer.
type FontStyle string

const (
	FontNormal   FontStyle = "normal"
	FontBionic   FontStyle = "bionic"
	FontDyslexic FontStyle = "dyslexic"
	FontLexend   FontStyle = "lexend"
)

// ChunkType classifies a semantic section of an assistant reply.
type ChunkType string

const (
	ChunkDefinition  ChunkType = "definition"
	ChunkExample     ChunkType = "example"
	ChunkAction      ChunkType = "action"
	ChunkKeypoint    ChunkType = "keypoint"
	ChunkExplanation ChunkType = "explanation"
)

// SemanticChunk is one classified section of an assistant reply.
type SemanticChunk struct {
	Type    ChunkType `json:"type"`
	Content string    `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message represents a single chat message.
//
// AppliedFontStyle and AppliedChunking are frozen at creation time: once
// non-nil they are never reassigned, so changing global settings does not
// retroactively restyle history. Construct messages through NewUserMessage /
// NewAssistantMessage to get the freeze right.
type Message struct {
	ID             string          `json:"id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	MermaidCode    string          `json:"mermaid_code,omitempty"`
	SemanticChunks []SemanticChunk `json:"semantic_chunks,omitempty"`

	AppliedFontStyle *FontStyle `json:"applied_font_style,omitempty"`
	AppliedChunking  *bool      `json:"applied_chunking,omitempty"`

	IsDistraction bool      `json:"is_distraction,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewUserMessage constructs a user message with presentation settings frozen
// from the given settings snapshot.
func NewUserMessage(id, content string, settings *Settings, isDistraction bool) *Message {
	font := settings.FontStyle
	chunking := settings.SemanticChunking
	return &Message{
		ID:               id,
		Role:             RoleUser,
		Content:          content,
		AppliedFontStyle: &font,
		AppliedChunking:  &chunking,
		IsDistraction:    isDistraction,
		Timestamp:        time.Now(),
	}
}

// NewAssistantMessage constructs an assistant message carrying the same
// frozen presentation fields as the user message that triggered it.
func NewAssistantMessage(id, content, mermaidCode string, settings *Settings) *Message {
	font := settings.FontStyle
	chunking := settings.SemanticChunking
	return &Message{
		ID:               id,
		Role:             RoleAssistant,
		Content:          content,
		MermaidCode:      mermaidCode,
		AppliedFontStyle: &font,
		AppliedChunking:  &chunking,
		Timestamp:        time.Now(),
	}
}

// Chat represents a conversation and its messages.
type Chat struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Messages []*Message `json:"messages"`

	// Topic is the anchored subject in hyperfocus mode, empty until the
	// first message establishes it.
	Topic string `json:"topic,omitempty"`

	// MessageCount counts user messages only.
	MessageCount int `json:"message_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasMessage reports whether a message with the given id is already present.
func (c *Chat) HasMessage(id string) bool {
	for _, m := range c.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// AppendMessage adds a message unless one with the same id already exists
// and reports whether the message was appended. The dedup guards against a
// message being double-applied when an optimistic update and a storage
// reconciliation notification interleave.
func (c *Chat) AppendMessage(m *Message) bool {
	if c.HasMessage(m.ID) {
		return false
	}
	c.Messages = append(c.Messages, m)
	if m.Role == RoleUser {
		c.MessageCount++
	}
	c.UpdatedAt = time.Now()
	return true
}

// Clone returns a deep copy of the chat. Writers mutate a clone of the
// latest cached chat, never a shared pointer.
func (c *Chat) Clone() *Chat {
	cp := *c
	cp.Messages = make([]*Message, len(c.Messages))
	for i, m := range c.Messages {
		mc := *m
		if m.AppliedFontStyle != nil {
			f := *m.AppliedFontStyle
			mc.AppliedFontStyle = &f
		}
		if m.AppliedChunking != nil {
			b := *m.AppliedChunking
			mc.AppliedChunking = &b
		}
		if m.SemanticChunks != nil {
			mc.SemanticChunks = append([]SemanticChunk(nil), m.SemanticChunks...)
		}
		cp.Messages[i] = &mc
	}
	return &cp
}

// Settings is the per-user settings singleton.
type Settings struct {
	FontStyle        FontStyle `json:"font_style"`
	FocusMode        FocusMode `json:"focus_mode"`
	SemanticChunking bool      `json:"semantic_chunking"`

	// FocusTask is what the user declared they want to focus on. It is
	// independent of a chat's inferred topic.
	FocusTask string `json:"focus_task,omitempty"`

	// TopicSimilarityThreshold is the minimum 0-100 similarity score for a
	// message to count as on topic.
	TopicSimilarityThreshold int `json:"topic_similarity_threshold"`

	// MinMessagesBeforeTopicChange is legacy config kept for backward
	// compatibility; nothing gates on it anymore.
	MinMessagesBeforeTopicChange int `json:"min_messages_before_topic_change"`

	// TimerDuration is the optional focus timer length in minutes.
	TimerDuration int `json:"timer_duration,omitempty"`
}

// SettingsPatch is a partial settings update; nil fields are left unchanged.
type SettingsPatch struct {
	FontStyle                    *FontStyle `json:"font_style,omitempty"`
	FocusMode                    *FocusMode `json:"focus_mode,omitempty"`
	SemanticChunking             *bool      `json:"semantic_chunking,omitempty"`
	FocusTask                    *string    `json:"focus_task,omitempty"`
	TopicSimilarityThreshold     *int       `json:"topic_similarity_threshold,omitempty"`
	MinMessagesBeforeTopicChange *int       `json:"min_messages_before_topic_change,omitempty"`
	TimerDuration                *int       `json:"timer_duration,omitempty"`
}

// Apply shallow-merges the patch into a copy of s and returns the copy.
func (p SettingsPatch) Apply(s Settings) Settings {
	if p.FontStyle != nil {
		s.FontStyle = *p.FontStyle
	}
	if p.FocusMode != nil {
		s.FocusMode = *p.FocusMode
	}
	if p.SemanticChunking != nil {
		s.SemanticChunking = *p.SemanticChunking
	}
	if p.FocusTask != nil {
		s.FocusTask = *p.FocusTask
	}
	if p.TopicSimilarityThreshold != nil {
		s.TopicSimilarityThreshold = *p.TopicSimilarityThreshold
	}
	if p.MinMessagesBeforeTopicChange != nil {
		s.MinMessagesBeforeTopicChange = *p.MinMessagesBeforeTopicChange
	}
	if p.TimerDuration != nil {
		s.TimerDuration = *p.TimerDuration
	}
	return s
}

// DefaultSettings returns the settings used before any are persisted.
func DefaultSettings() *Settings {
	return &Settings{
		FontStyle:                    FontNormal,
		FocusMode:                    FocusModeDefault,
		SemanticChunking:             false,
		TopicSimilarityThreshold:     60,
		MinMessagesBeforeTopicChange: 5,
	}
}
