package focus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperfocusai/hyperfocus/internal/storage"
)

// State is the focus-enforcement lifecycle of a single chat.
type State int

const (
	// StateUninitialized means no topic has been anchored yet.
	StateUninitialized State = iota
	// StateAnchored means a topic is set and messages are compared to it.
	StateAnchored
	// StateDistracted means the most recent check failed the similarity
	// threshold and the user is being presented with a choice.
	StateDistracted
)

func (s State) String() string {
	switch s {
	case StateAnchored:
		return "anchored"
	case StateDistracted:
		return "distracted"
	default:
		return "uninitialized"
	}
}

// SettingsSource supplies the current settings snapshot. Injected so the
// controller never reads an ambient global.
type SettingsSource func() storage.Settings

// FocusState is the session-scoped snapshot surfaced to the UI. It is
// derived, never persisted.
type FocusState struct {
	State           State         `json:"state"`
	CurrentTopic    string        `json:"current_topic,omitempty"`
	FocusTask       string        `json:"focus_task,omitempty"`
	IsDistracted    bool          `json:"is_distracted"`
	MessageCount    int           `json:"message_count"`
	TopicConfidence int           `json:"topic_confidence"`
	TimerDuration   time.Duration `json:"timer_duration,omitempty"`
	TimerStart      time.Time     `json:"timer_start,omitzero"`
	TimerActive     bool          `json:"timer_active"`
}

// CheckResult is the outcome of a focus check for one message.
type CheckResult struct {
	IsOnTopic   bool   `json:"is_on_topic"`
	Topic       string `json:"topic"`
	Confidence  int    `json:"confidence"`
	ShouldBlock bool   `json:"should_block"`
}

// Controller runs topic-drift enforcement for whichever chat is active.
// Its state is rebuilt whenever the active chat identity changes and is
// never shared across chats.
type Controller struct {
	analyzer *Analyzer
	settings SettingsSource

	mu           sync.Mutex
	chatID       string
	state        State
	currentTopic string
	messageCount int
	confidence   int

	timerDuration time.Duration
	timerStart    time.Time
	timerActive   bool

	// inFlight guards against two concurrent checks racing a second LLM
	// round-trip; the loser fails open.
	inFlight atomic.Bool
}

// NewController creates a controller. Settings are read through the
// injected source at each check, so toggling hyperfocus mode takes effect
// immediately.
func NewController(analyzer *Analyzer, settings SettingsSource) *Controller {
	return &Controller{
		analyzer:   analyzer,
		settings:   settings,
		confidence: 100,
	}
}

// SetActiveChat rebuilds focus state for a chat identity change. The
// distraction flag resets only when the chat identity or topic actually
// changes, not on every call.
func (fc *Controller) SetActiveChat(chat *storage.Chat) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if chat == nil {
		fc.chatID = ""
		fc.state = StateUninitialized
		fc.currentTopic = ""
		fc.messageCount = 0
		fc.confidence = 100
		return
	}

	sameIdentity := chat.ID == fc.chatID && chat.Topic == fc.currentTopic
	fc.chatID = chat.ID
	fc.currentTopic = chat.Topic
	fc.messageCount = chat.MessageCount
	if !sameIdentity {
		if chat.Topic == "" {
			fc.state = StateUninitialized
		} else {
			fc.state = StateAnchored
		}
		fc.confidence = 100
	}
}

// CheckFocus decides whether a message passes, anchors a topic, or blocks.
//
// Hyperfocus is strictly opt-in: outside hyperfocus mode, or with no active
// chat, everything passes. The first message of a chat anchors its topic
// and never blocks. A concurrent check short-circuits and fails open
// rather than starting a second LLM round-trip. Any analyzer error fails
// open too.
func (fc *Controller) CheckFocus(ctx context.Context, message string) CheckResult {
	pass := CheckResult{
		IsOnTopic:   true,
		Topic:       truncate(message, 50),
		Confidence:  100,
		ShouldBlock: false,
	}

	settings := fc.settings()

	fc.mu.Lock()
	chatID := fc.chatID
	topic := fc.currentTopic
	count := fc.messageCount
	fc.mu.Unlock()

	if settings.FocusMode != storage.FocusModeHyperfocus || chatID == "" {
		return pass
	}

	if !fc.inFlight.CompareAndSwap(false, true) {
		return pass
	}
	defer fc.inFlight.Store(false)

	// Establishing a topic never blocks: the first message cannot be
	// off-topic relative to itself.
	if count == 0 || topic == "" {
		extracted, err := fc.analyzer.ExtractTopic(ctx, message)
		if err != nil {
			return pass
		}
		fc.mu.Lock()
		if fc.chatID == chatID {
			fc.currentTopic = extracted
			fc.state = StateAnchored
			fc.confidence = 100
		}
		fc.mu.Unlock()
		pass.Topic = extracted
		return pass
	}

	analysis, err := fc.analyzer.AnalyzeTopic(ctx, topic, message)
	if err != nil {
		return pass
	}

	shouldBlock := analysis.Similarity < settings.TopicSimilarityThreshold

	fc.mu.Lock()
	if fc.chatID == chatID {
		fc.confidence = analysis.Similarity
		if shouldBlock {
			fc.state = StateDistracted
		} else {
			fc.state = StateAnchored
		}
	}
	fc.mu.Unlock()

	return CheckResult{
		IsOnTopic:   !shouldBlock,
		Topic:       analysis.NewTopic,
		Confidence:  analysis.Similarity,
		ShouldBlock: shouldBlock,
	}
}

// ResetDistraction clears the blocked flag and restores confidence without
// touching the anchored topic. Used when the user chooses to continue on
// the current topic.
func (fc *Controller) ResetDistraction() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.state == StateDistracted {
		fc.state = StateAnchored
	}
	fc.confidence = 100
}

// AnchorTopic sets the topic directly, used when the conversation manager
// establishes a topic outside the check path.
func (fc *Controller) AnchorTopic(chatID, topic string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.chatID != chatID {
		return
	}
	fc.currentTopic = topic
	if topic != "" {
		fc.state = StateAnchored
	} else {
		fc.state = StateUninitialized
	}
}

// NoteUserMessage bumps the tracked user-message count after a send.
func (fc *Controller) NoteUserMessage(chatID string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.chatID == chatID {
		fc.messageCount++
	}
}

// StartTimer starts the focus timer.
func (fc *Controller) StartTimer(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.timerDuration = d
	fc.timerStart = time.Now()
	fc.timerActive = true
}

// StopTimer stops the focus timer.
func (fc *Controller) StopTimer() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.timerActive = false
	fc.timerStart = time.Time{}
	fc.timerDuration = 0
}

// TimerRemaining returns the remaining timer duration and whether a timer
// is running. An elapsed timer reads as zero remaining but still active;
// the presentation layer decides what "done" looks like.
func (fc *Controller) TimerRemaining() (time.Duration, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.timerActive {
		return 0, false
	}
	remaining := fc.timerDuration - time.Since(fc.timerStart)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Snapshot returns the current derived focus state for the UI.
func (fc *Controller) Snapshot() FocusState {
	settings := fc.settings()

	fc.mu.Lock()
	defer fc.mu.Unlock()
	return FocusState{
		State:           fc.state,
		CurrentTopic:    fc.currentTopic,
		FocusTask:       settings.FocusTask,
		IsDistracted:    fc.state == StateDistracted,
		MessageCount:    fc.messageCount,
		TopicConfidence: fc.confidence,
		TimerDuration:   fc.timerDuration,
		TimerStart:      fc.timerStart,
		TimerActive:     fc.timerActive,
	}
}
