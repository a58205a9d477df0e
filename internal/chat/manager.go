package chat

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperfocusai/hyperfocus/internal/chunking"
	"github.com/hyperfocusai/hyperfocus/internal/focus"
	"github.com/hyperfocusai/hyperfocus/internal/llm"
	"github.com/hyperfocusai/hyperfocus/internal/storage"
)

var (
	// ErrNoActiveChat is returned by SendMessage when no chat is selected.
	ErrNoActiveChat = errors.New("chat: no active chat")
	// ErrCreateInProgress is returned when CreateNewChat is called while a
	// previous creation has not settled; the call is a no-op.
	ErrCreateInProgress = errors.New("chat: creation already in progress")
)

// createCooldown holds the creation guard briefly after a create settles so
// a rapid double-click cannot produce two chats.
const createCooldown = 500 * time.Millisecond

// sendToken identifies one in-flight send. It is created at SendMessage
// call time, bound to the chat that was current at that moment, and checked
// at every resumption; SelectChat cancels the token of the chat being
// navigated away from so a stale completion is discarded without touching
// any state.
type sendToken struct {
	chatID string
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager orchestrates the chat lifecycle. All chat/settings state lives in
// the SyncCache; the manager only holds session state (current pointer,
// loading flags, in-flight sends).
type Manager struct {
	cache      *storage.SyncCache
	client     llm.Client
	analyzer   *focus.Analyzer
	controller *focus.Controller
	chunker    *chunking.Analyzer

	mu            sync.Mutex
	currentChatID string
	model         string
	dataContext   string
	loading       map[string]bool
	sends         map[string]*sendToken

	creating     bool
	creatingGate sync.Mutex
}

// NewManager wires the conversation manager. The controller is injected so
// the API layer and the manager share one focus state.
func NewManager(cache *storage.SyncCache, client llm.Client, analyzer *focus.Analyzer, controller *focus.Controller, model string) *Manager {
	if model == "" {
		model = llm.DefaultModel
	}
	return &Manager{
		cache:      cache,
		client:     client,
		analyzer:   analyzer,
		controller: controller,
		chunker:    chunking.NewAnalyzer(client, model),
		model:      model,
		loading:    make(map[string]bool),
		sends:      make(map[string]*sendToken),
	}
}

// ChunksFor returns a message's semantic chunks, computing and caching them
// on first request. Chunks are computed at most once per message.
func (m *Manager) ChunksFor(ctx context.Context, chatID, messageID string) []storage.SemanticChunk {
	chat := m.cache.Chat(chatID)
	if chat == nil {
		return nil
	}
	for _, msg := range chat.Messages {
		if msg.ID != messageID {
			continue
		}
		if msg.SemanticChunks != nil {
			return msg.SemanticChunks
		}
		chunks := m.chunker.Analyze(ctx, msg.Content)

		updated := chat.Clone()
		for _, cm := range updated.Messages {
			if cm.ID == messageID {
				cm.SemanticChunks = chunks
				break
			}
		}
		m.cache.SaveChat(ctx, updated)
		return chunks
	}
	return nil
}

// Start loads the cache and restores the persisted current-chat pointer.
func (m *Manager) Start(ctx context.Context) {
	m.cache.Initialize(ctx)

	id := m.cache.CurrentChatID()
	m.mu.Lock()
	m.currentChatID = id
	m.mu.Unlock()
	m.controller.SetActiveChat(m.cache.Chat(id))
}

// Controller returns the shared focus controller.
func (m *Manager) Controller() *focus.Controller {
	return m.controller
}

// Chats returns the cached chat list, most recently updated first.
func (m *Manager) Chats() []*storage.Chat {
	return m.cache.Chats()
}

// CurrentChat returns the currently selected chat, or nil.
func (m *Manager) CurrentChat() *storage.Chat {
	m.mu.Lock()
	id := m.currentChatID
	m.mu.Unlock()
	if id == "" {
		return nil
	}
	return m.cache.Chat(id)
}

// SetModel selects the completion model for subsequent sends.
func (m *Manager) SetModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if model != "" {
		m.model = model
	}
}

// Model returns the selected completion model.
func (m *Manager) Model() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

// SetDataContext attaches uploaded data the assistant should ground its
// answers in; empty clears it.
func (m *Manager) SetDataContext(data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataContext = data
}

// IsLoading reports whether a send is in flight for the given chat.
func (m *Manager) IsLoading(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading[chatID]
}

// CreateNewChat constructs an empty chat, makes it current, and persists
// it. Reentrant-safe: a second call while one is settling is a no-op.
func (m *Manager) CreateNewChat(ctx context.Context) (*storage.Chat, error) {
	m.creatingGate.Lock()
	if m.creating {
		m.creatingGate.Unlock()
		return nil, ErrCreateInProgress
	}
	m.creating = true
	m.creatingGate.Unlock()

	defer time.AfterFunc(createCooldown, func() {
		m.creatingGate.Lock()
		m.creating = false
		m.creatingGate.Unlock()
	})

	now := time.Now()
	chat := &storage.Chat{
		ID:        uuid.New().String(),
		Title:     "New Chat",
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.cache.SaveChat(ctx, chat)
	m.cache.SetCurrentChatID(ctx, chat.ID)

	m.mu.Lock()
	m.currentChatID = chat.ID
	m.mu.Unlock()
	m.controller.SetActiveChat(chat)

	return chat, nil
}

// SelectChat makes the chat current, cancelling any in-flight send that
// belongs to the chat being navigated away from.
func (m *Manager) SelectChat(ctx context.Context, id string) {
	m.mu.Lock()
	previous := m.currentChatID
	m.currentChatID = id
	var stale *sendToken
	if previous != "" && previous != id {
		stale = m.sends[previous]
	}
	m.mu.Unlock()

	if stale != nil {
		stale.cancel()
	}

	m.cache.SetCurrentChatID(ctx, id)
	m.controller.SetActiveChat(m.cache.Chat(id))
}

// DeleteChat removes a chat. If it was current, current becomes none.
func (m *Manager) DeleteChat(ctx context.Context, id string) {
	m.mu.Lock()
	stale := m.sends[id]
	wasCurrent := m.currentChatID == id
	if wasCurrent {
		m.currentChatID = ""
	}
	m.mu.Unlock()

	if stale != nil {
		stale.cancel()
	}

	m.cache.DeleteChat(ctx, id)
	if wasCurrent {
		m.cache.SetCurrentChatID(ctx, "")
		m.controller.SetActiveChat(nil)
	}
}

// UpdateTopic sets a chat's anchored topic directly, used when the focus
// controller establishes a topic outside the send path.
func (m *Manager) UpdateTopic(ctx context.Context, chatID, topic string) {
	chat := m.cache.Chat(chatID)
	if chat == nil {
		return
	}
	updated := chat.Clone()
	updated.Topic = topic
	updated.UpdatedAt = time.Now()
	m.cache.SaveChat(ctx, updated)
	m.controller.AnchorTopic(chatID, topic)
}

// SetUser switches the authenticated identity, clearing session state on
// sign-out and reloading on a new identity.
func (m *Manager) SetUser(ctx context.Context, userID string) {
	m.mu.Lock()
	for _, token := range m.sends {
		token.cancel()
	}
	m.sends = make(map[string]*sendToken)
	m.loading = make(map[string]bool)
	m.currentChatID = ""
	m.mu.Unlock()

	m.controller.SetActiveChat(nil)
	m.cache.SetUser(ctx, userID)

	if userID != "" {
		id := m.cache.CurrentChatID()
		m.mu.Lock()
		m.currentChatID = id
		m.mu.Unlock()
		m.controller.SetActiveChat(m.cache.Chat(id))
	}
}

// SendMessage runs the send protocol against the chat that is current at
// call time. The returned message is the assistant reply; a cancelled send
// returns (nil, nil) and leaves no trace in the chat.
//
// Focus blocking is the caller's concern: the UI runs CheckFocus before
// calling this. SendMessage only tags isDistraction via the independent
// task-relevance signal.
func (m *Manager) SendMessage(ctx context.Context, content string) (*storage.Message, error) {
	m.mu.Lock()
	activeChatID := m.currentChatID
	model := m.model
	dataContext := m.dataContext
	m.mu.Unlock()

	if activeChatID == "" || m.cache.Chat(activeChatID) == nil {
		return nil, ErrNoActiveChat
	}

	// Presentation settings are frozen now, onto both messages this call
	// produces.
	settings := m.cache.Settings()

	isDistraction := false
	if settings.FocusMode == storage.FocusModeHyperfocus && settings.FocusTask != "" {
		relevance, err := m.analyzer.CheckTaskRelevance(ctx, content, settings.FocusTask)
		if err == nil && !relevance.IsRelevant {
			isDistraction = true
		}
	}

	token := m.registerSend(ctx, activeChatID)
	defer m.finishSend(token)

	userMessage := storage.NewUserMessage(uuid.New().String(), content, &settings, isDistraction)
	m.appendAndSave(ctx, activeChatID, userMessage)
	m.controller.NoteUserMessage(activeChatID)

	request := m.buildRequest(activeChatID, content, dataContext)

	response, err := m.client.Complete(token.ctx, request, model)

	if !m.tokenLive(token) {
		// Stale resumption: the user navigated away. Discard the result,
		// success or error, without mutating any chat.
		return nil, nil
	}

	if err != nil {
		if llm.IsCancellation(err) {
			return nil, nil
		}
		errMessage := storage.NewAssistantMessage(uuid.New().String(), humanizeProviderError(err), "", &settings)
		m.appendAndSave(ctx, activeChatID, errMessage)
		return errMessage, nil
	}

	extracted := ExtractContent(response)
	body := extracted.Explanation
	if body == "" && !extracted.HasDiagram {
		body = response
	}
	assistantMessage := storage.NewAssistantMessage(uuid.New().String(), body, extracted.MermaidCode, &settings)
	m.appendAndSave(ctx, activeChatID, assistantMessage)

	return assistantMessage, nil
}

// registerSend creates the cancellation token for one send and flips the
// chat's loading flag. A previous in-flight send for the same chat is
// cancelled first.
func (m *Manager) registerSend(ctx context.Context, chatID string) *sendToken {
	sendCtx, cancel := context.WithCancel(ctx)
	token := &sendToken{chatID: chatID, ctx: sendCtx, cancel: cancel}

	m.mu.Lock()
	previous := m.sends[chatID]
	m.sends[chatID] = token
	m.loading[chatID] = true
	m.mu.Unlock()

	if previous != nil {
		previous.cancel()
	}
	return token
}

// finishSend clears the loading flag for the token's chat specifically,
// never for whatever chat happens to be current at completion time.
func (m *Manager) finishSend(token *sendToken) {
	m.mu.Lock()
	if m.sends[token.chatID] == token {
		delete(m.sends, token.chatID)
		m.loading[token.chatID] = false
	}
	m.mu.Unlock()
	token.cancel()
}

// tokenLive reports whether the token is uncancelled and still the latest
// send registered for its chat.
func (m *Manager) tokenLive(token *sendToken) bool {
	if token.ctx.Err() != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends[token.chatID] == token
}

// appendAndSave re-reads the latest cached chat, appends the message with
// dedup, applies first-message title derivation, and persists. Re-reading
// (rather than holding a snapshot) keeps concurrent writers from losing
// each other's updates.
func (m *Manager) appendAndSave(ctx context.Context, chatID string, message *storage.Message) {
	chat := m.cache.Chat(chatID)
	if chat == nil {
		log.Printf("Warning: dropping message %s for missing chat %s", message.ID, chatID)
		return
	}
	updated := chat.Clone()
	if !updated.AppendMessage(message) {
		return
	}
	if message.Role == storage.RoleUser && updated.MessageCount == 1 {
		updated.Title = GenerateTitle(message.Content)
	}
	m.cache.SaveChat(ctx, updated)
}

// buildRequest assembles the completion request: an intent-selected system
// prompt, then the chat's full role-mapped history (which already ends with
// the current user content).
func (m *Manager) buildRequest(chatID, content, dataContext string) []llm.Message {
	intent := llm.DetectIntent(content, dataContext != "")
	request := []llm.Message{{Role: storage.RoleSystem, Content: llm.SystemPrompt(intent)}}
	if dataContext != "" {
		request = append(request, llm.Message{
			Role:    storage.RoleSystem,
			Content: "Data context provided by the user:\n\n" + dataContext,
		})
	}

	if chat := m.cache.Chat(chatID); chat != nil {
		for _, msg := range chat.Messages {
			request = append(request, llm.Message{Role: msg.Role, Content: msg.Content})
		}
	}
	return request
}

// humanizeProviderError maps a provider failure to the short string shown
// as a synthetic assistant message. None of these are retried.
func humanizeProviderError(err error) string {
	if llm.IsTimeout(err) {
		return "I couldn't reach the AI service in time. Check your connection and try again."
	}
	switch llm.Categorize(err) {
	case llm.ErrorAuth:
		return "There's a problem with the AI service credentials. Please check the API key configuration."
	case llm.ErrorRateLimit:
		return "The AI service is receiving too many requests right now. Give it a moment and try again."
	case llm.ErrorModelUnavailable:
		return "The selected model isn't available right now. Try switching to a different model."
	case llm.ErrorNetwork:
		return "I couldn't reach the AI service. Check your connection and try again."
	default:
		return "Sorry, I encountered an error while processing your message. Please try again."
	}
}
