package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// RemoteStore talks to the hosted database backend over its PostgREST-style
// API. It is authoritative when reachable; every failure here is recoverable
// because the local store holds the same data.
type RemoteStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRemoteStore creates a remote store for the given project base URL and
// API key. Transient HTTP failures are retried by the underlying client;
// anything that survives the retries surfaces as a RemoteStoreError.
func NewRemoteStore(baseURL, apiKey string) *RemoteStore {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 15 * time.Second
	rc.Logger = nil

	return &RemoteStore{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  rc.StandardClient(),
	}
}

// RemoteStoreError wraps a failed remote call with its HTTP status.
type RemoteStoreError struct {
	Op     string
	Status int
	Body   string
}

func (e *RemoteStoreError) Error() string {
	return fmt.Sprintf("remote store %s failed: status %d: %s", e.Op, e.Status, e.Body)
}

// Row shapes for the remote tables.

type dbChat struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	Topic        *string   `json:"topic"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type dbMessage struct {
	ID              string          `json:"id"`
	ChatID          string          `json:"chat_id"`
	Role            string          `json:"role"`
	Content         string          `json:"content"`
	MermaidCode     *string         `json:"mermaid_code"`
	SemanticChunks  []SemanticChunk `json:"semantic_chunks"`
	AppliedFont     *string         `json:"applied_font_style"`
	AppliedChunking *bool           `json:"applied_chunking"`
	IsDistraction   bool            `json:"is_distraction"`
	CreatedAt       time.Time       `json:"created_at"`
}

type dbSettings struct {
	UserID                       string  `json:"user_id"`
	FontStyle                    string  `json:"font_style"`
	FocusMode                    string  `json:"focus_mode"`
	SemanticChunking             bool    `json:"semantic_chunking"`
	FocusTask                    *string `json:"focus_task"`
	TopicSimilarityThreshold     int     `json:"topic_similarity_threshold"`
	MinMessagesBeforeTopicChange int     `json:"min_messages_before_topic_change"`
	TimerDuration                *int    `json:"timer_duration"`
}

type dbSessionState struct {
	UserID        string  `json:"user_id"`
	CurrentChatID *string `json:"current_chat_id"`
}

func (r *RemoteStore) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	u := r.baseURL + "/rest/v1/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote store %s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("remote store %s: build request: %w", op, err)
	}
	req.Header.Set("apikey", r.apiKey)
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if method == http.MethodPost {
		// Upsert semantics for singleton rows and replayed writes.
		req.Header.Set("Prefer", "resolution=merge-duplicates")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote store %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("remote store %s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RemoteStoreError{Op: op, Status: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("remote store %s: decode response: %w", op, err)
		}
	}
	return nil
}

// ListChats fetches all chats (with messages) for a user, most recently
// updated first.
func (r *RemoteStore) ListChats(ctx context.Context, userID string) ([]*Chat, error) {
	if userID == "" {
		return nil, nil
	}

	q := url.Values{}
	q.Set("user_id", "eq."+userID)
	q.Set("order", "updated_at.desc")

	var rows []dbChat
	if err := r.do(ctx, "list chats", http.MethodGet, "chats", q, nil, &rows); err != nil {
		return nil, err
	}

	chats := make([]*Chat, 0, len(rows))
	for _, row := range rows {
		messages, err := r.listMessages(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chatFromRow(row, messages))
	}
	return chats, nil
}

// GetChat fetches a single chat with its messages.
func (r *RemoteStore) GetChat(ctx context.Context, userID, chatID string) (*Chat, error) {
	q := url.Values{}
	q.Set("id", "eq."+chatID)
	q.Set("user_id", "eq."+userID)

	var rows []dbChat
	if err := r.do(ctx, "get chat", http.MethodGet, "chats", q, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}

	messages, err := r.listMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return chatFromRow(rows[0], messages), nil
}

func (r *RemoteStore) listMessages(ctx context.Context, chatID string) ([]*Message, error) {
	q := url.Values{}
	q.Set("chat_id", "eq."+chatID)
	q.Set("order", "created_at.asc")

	var rows []dbMessage
	if err := r.do(ctx, "list messages", http.MethodGet, "messages", q, nil, &rows); err != nil {
		return nil, err
	}

	messages := make([]*Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, messageFromRow(row))
	}
	return messages, nil
}

// PutChat upserts the chat row and replaces its message rows. Rows absent
// from the chat are pruned so the remote set matches what the local store
// keeps after a rewrite.
func (r *RemoteStore) PutChat(ctx context.Context, userID string, chat *Chat) error {
	if err := r.do(ctx, "put chat", http.MethodPost, "chats", nil, []dbChat{chatToRow(chat, userID)}, nil); err != nil {
		return err
	}

	rows := make([]dbMessage, 0, len(chat.Messages))
	ids := make([]string, 0, len(chat.Messages))
	for _, m := range chat.Messages {
		rows = append(rows, messageToRow(m, chat.ID))
		ids = append(ids, m.ID)
	}

	q := url.Values{}
	q.Set("chat_id", "eq."+chat.ID)
	if len(ids) > 0 {
		q.Set("id", "not.in.("+strings.Join(ids, ",")+")")
	}
	if err := r.do(ctx, "prune messages", http.MethodDelete, "messages", q, nil, nil); err != nil {
		return err
	}

	if len(rows) == 0 {
		return nil
	}
	return r.do(ctx, "put messages", http.MethodPost, "messages", nil, rows, nil)
}

// DeleteChat removes a chat and its messages.
func (r *RemoteStore) DeleteChat(ctx context.Context, userID, chatID string) error {
	q := url.Values{}
	q.Set("chat_id", "eq."+chatID)
	if err := r.do(ctx, "delete messages", http.MethodDelete, "messages", q, nil, nil); err != nil {
		return err
	}

	q = url.Values{}
	q.Set("id", "eq."+chatID)
	q.Set("user_id", "eq."+userID)
	return r.do(ctx, "delete chat", http.MethodDelete, "chats", q, nil, nil)
}

// GetSettings fetches the user settings singleton.
func (r *RemoteStore) GetSettings(ctx context.Context, userID string) (*Settings, error) {
	q := url.Values{}
	q.Set("user_id", "eq."+userID)

	var rows []dbSettings
	if err := r.do(ctx, "get settings", http.MethodGet, "user_settings", q, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}

	row := rows[0]
	st := &Settings{
		FontStyle:                    FontStyle(row.FontStyle),
		FocusMode:                    FocusMode(row.FocusMode),
		SemanticChunking:             row.SemanticChunking,
		TopicSimilarityThreshold:     row.TopicSimilarityThreshold,
		MinMessagesBeforeTopicChange: row.MinMessagesBeforeTopicChange,
	}
	if row.FocusTask != nil {
		st.FocusTask = *row.FocusTask
	}
	if row.TimerDuration != nil {
		st.TimerDuration = *row.TimerDuration
	}
	return st, nil
}

// PutSettings upserts the user settings singleton.
func (r *RemoteStore) PutSettings(ctx context.Context, userID string, settings *Settings) error {
	row := dbSettings{
		UserID:                       userID,
		FontStyle:                    string(settings.FontStyle),
		FocusMode:                    string(settings.FocusMode),
		SemanticChunking:             settings.SemanticChunking,
		TopicSimilarityThreshold:     settings.TopicSimilarityThreshold,
		MinMessagesBeforeTopicChange: settings.MinMessagesBeforeTopicChange,
	}
	if settings.FocusTask != "" {
		row.FocusTask = &settings.FocusTask
	}
	if settings.TimerDuration != 0 {
		row.TimerDuration = &settings.TimerDuration
	}
	return r.do(ctx, "put settings", http.MethodPost, "user_settings", nil, []dbSettings{row}, nil)
}

// CurrentChatID fetches the persisted current-chat pointer.
func (r *RemoteStore) CurrentChatID(ctx context.Context, userID string) (string, error) {
	q := url.Values{}
	q.Set("user_id", "eq."+userID)

	var rows []dbSessionState
	if err := r.do(ctx, "get session state", http.MethodGet, "session_state", q, nil, &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 || rows[0].CurrentChatID == nil {
		return "", nil
	}
	return *rows[0].CurrentChatID, nil
}

// SetCurrentChatID upserts the current-chat pointer.
func (r *RemoteStore) SetCurrentChatID(ctx context.Context, userID, chatID string) error {
	row := dbSessionState{UserID: userID}
	if chatID != "" {
		row.CurrentChatID = &chatID
	}
	return r.do(ctx, "set session state", http.MethodPost, "session_state", nil, []dbSessionState{row}, nil)
}

func chatFromRow(row dbChat, messages []*Message) *Chat {
	chat := &Chat{
		ID:           row.ID,
		Title:        row.Title,
		Messages:     messages,
		MessageCount: row.MessageCount,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
	if row.Topic != nil {
		chat.Topic = *row.Topic
	}
	return chat
}

func chatToRow(chat *Chat, userID string) dbChat {
	row := dbChat{
		ID:           chat.ID,
		UserID:       userID,
		Title:        chat.Title,
		MessageCount: chat.MessageCount,
		CreatedAt:    chat.CreatedAt,
		UpdatedAt:    chat.UpdatedAt,
	}
	if chat.Topic != "" {
		row.Topic = &chat.Topic
	}
	return row
}

func messageFromRow(row dbMessage) *Message {
	m := &Message{
		ID:             row.ID,
		Role:           row.Role,
		Content:        row.Content,
		SemanticChunks: row.SemanticChunks,
		IsDistraction:  row.IsDistraction,
		Timestamp:      row.CreatedAt,
	}
	if row.MermaidCode != nil {
		m.MermaidCode = *row.MermaidCode
	}
	if row.AppliedFont != nil {
		f := FontStyle(*row.AppliedFont)
		m.AppliedFontStyle = &f
	}
	if row.AppliedChunking != nil {
		b := *row.AppliedChunking
		m.AppliedChunking = &b
	}
	return m
}

func messageToRow(m *Message, chatID string) dbMessage {
	row := dbMessage{
		ID:             m.ID,
		ChatID:         chatID,
		Role:           m.Role,
		Content:        m.Content,
		SemanticChunks: m.SemanticChunks,
		IsDistraction:  m.IsDistraction,
		CreatedAt:      m.Timestamp,
	}
	if m.MermaidCode != "" {
		row.MermaidCode = &m.MermaidCode
	}
	if m.AppliedFontStyle != nil {
		f := string(*m.AppliedFontStyle)
		row.AppliedFont = &f
	}
	if m.AppliedChunking != nil {
		b := *m.AppliedChunking
		row.AppliedChunking = &b
	}
	return row
}
