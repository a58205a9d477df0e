package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperfocusai/hyperfocus/internal/chat"
	"github.com/hyperfocusai/hyperfocus/internal/focus"
	"github.com/hyperfocusai/hyperfocus/internal/llm"
	"github.com/hyperfocusai/hyperfocus/internal/storage"
)

type memStore struct {
	mu       sync.Mutex
	chats    map[string]*storage.Chat
	settings *storage.Settings
	current  string
}

func newMemStore() *memStore {
	return &memStore{chats: make(map[string]*storage.Chat)}
}

func (s *memStore) ListChats(ctx context.Context, userID string) ([]*storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.Chat
	for _, c := range s.chats {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (s *memStore) GetChat(ctx context.Context, userID, chatID string) (*storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chats[chatID]; ok {
		return c.Clone(), nil
	}
	return nil, storage.ErrNotFound
}

func (s *memStore) PutChat(ctx context.Context, userID string, c *storage.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.ID] = c.Clone()
	return nil
}

func (s *memStore) DeleteChat(ctx context.Context, userID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, chatID)
	return nil
}

func (s *memStore) GetSettings(ctx context.Context, userID string) (*storage.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return nil, storage.ErrNotFound
	}
	cp := *s.settings
	return &cp, nil
}

func (s *memStore) PutSettings(ctx context.Context, userID string, settings *storage.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *settings
	s.settings = &cp
	return nil
}

func (s *memStore) CurrentChatID(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *memStore) SetCurrentChatID(ctx context.Context, userID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = chatID
	return nil
}

type scriptedClient struct {
	mu        sync.Mutex
	responses []string
}

func (c *scriptedClient) Complete(ctx context.Context, messages []llm.Message, model string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return "", errors.New("no scripted response left")
	}
	response := c.responses[0]
	c.responses = c.responses[1:]
	return response, nil
}

func newTestServer(t *testing.T, client llm.Client) (*Server, *storage.SyncCache) {
	t.Helper()
	cache := storage.NewSyncCache(newMemStore(), nil, "u1")
	analyzer := focus.NewAnalyzer(client, "test-model")
	controller := focus.NewController(analyzer, cache.Settings)
	manager := chat.NewManager(cache, client, analyzer, controller, "test-model")
	manager.Start(context.Background())
	t.Cleanup(cache.Close)
	return NewServer(manager, cache), cache
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestStatusEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &scriptedClient{})

	rec := doJSON(t, server.Router(), http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test-model", body["model"])
}

func TestChatEndpoints(t *testing.T) {
	server, _ := newTestServer(t, &scriptedClient{})
	router := server.Router()

	t.Run("create then list", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/chats", nil)
		require.Equal(t, http.StatusCreated, rec.Code)

		var created storage.Chat
		decode(t, rec, &created)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, "New Chat", created.Title)

		rec = doJSON(t, router, http.MethodGet, "/api/v1/chats", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var list struct {
			Chats         []map[string]interface{} `json:"chats"`
			CurrentChatID string                   `json:"current_chat_id"`
		}
		decode(t, rec, &list)
		require.Len(t, list.Chats, 1)
		assert.Equal(t, created.ID, list.CurrentChatID)
	})

	t.Run("rapid double create returns conflict", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/chats", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown chat is 404", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/chats/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = doJSON(t, router, http.MethodDelete, "/api/v1/chats/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSendMessageEndpoint(t *testing.T) {
	t.Run("happy path returns the reply", func(t *testing.T) {
		client := &scriptedClient{responses: []string{"Recursion is a function calling itself."}}
		server, cache := newTestServer(t, client)
		router := server.Router()

		cache.SaveChat(context.Background(), &storage.Chat{ID: "c1", Title: "New Chat"})

		rec := doJSON(t, router, http.MethodPost, "/api/v1/chats/c1/messages",
			sendMessageRequest{Content: "explain recursion"})
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Message *storage.Message `json:"message"`
		}
		decode(t, rec, &body)
		require.NotNil(t, body.Message)
		assert.Equal(t, "Recursion is a function calling itself.", body.Message.Content)
	})

	t.Run("empty content is rejected", func(t *testing.T) {
		server, cache := newTestServer(t, &scriptedClient{})
		cache.SaveChat(context.Background(), &storage.Chat{ID: "c1"})

		rec := doJSON(t, server.Router(), http.MethodPost, "/api/v1/chats/c1/messages",
			sendMessageRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("off-topic message in hyperfocus mode is blocked", func(t *testing.T) {
		client := &scriptedClient{responses: []string{
			`{"similarity": 15, "newTopic": "pizza places", "isDifferentTopic": true}`,
		}}
		server, cache := newTestServer(t, client)
		router := server.Router()

		ctx := context.Background()
		mode := storage.FocusModeHyperfocus
		cache.UpdateSettings(ctx, storage.SettingsPatch{FocusMode: &mode})
		cache.SaveChat(ctx, &storage.Chat{ID: "c1", Topic: "spanish verbs", MessageCount: 2})

		rec := doJSON(t, router, http.MethodPost, "/api/v1/chats/c1/messages",
			sendMessageRequest{Content: "best pizza near me?"})
		require.Equal(t, http.StatusConflict, rec.Code)

		var body map[string]interface{}
		decode(t, rec, &body)
		assert.Equal(t, true, body["blocked"])
		assert.Equal(t, "pizza places", body["topic"])
		assert.Equal(t, "spanish verbs", body["current_topic"])
	})

	t.Run("skip_focus_check bypasses the gate", func(t *testing.T) {
		client := &scriptedClient{responses: []string{"Okay, quick break."}}
		server, cache := newTestServer(t, client)

		ctx := context.Background()
		mode := storage.FocusModeHyperfocus
		cache.UpdateSettings(ctx, storage.SettingsPatch{FocusMode: &mode})
		cache.SaveChat(ctx, &storage.Chat{ID: "c1", Topic: "spanish verbs", MessageCount: 2})

		rec := doJSON(t, server.Router(), http.MethodPost, "/api/v1/chats/c1/messages",
			sendMessageRequest{Content: "best pizza near me?", SkipFocusCheck: true})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestSettingsEndpoints(t *testing.T) {
	server, _ := newTestServer(t, &scriptedClient{})
	router := server.Router()

	rec := doJSON(t, router, http.MethodGet, "/api/v1/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var settings storage.Settings
	decode(t, rec, &settings)
	assert.Equal(t, storage.FocusModeDefault, settings.FocusMode)

	mode := storage.FocusModeHyperfocus
	task := "study calculus"
	rec = doJSON(t, router, http.MethodPatch, "/api/v1/settings",
		storage.SettingsPatch{FocusMode: &mode, FocusTask: &task})
	require.Equal(t, http.StatusOK, rec.Code)

	decode(t, rec, &settings)
	assert.Equal(t, storage.FocusModeHyperfocus, settings.FocusMode)
	assert.Equal(t, "study calculus", settings.FocusTask)
}

func TestFocusEndpoints(t *testing.T) {
	server, _ := newTestServer(t, &scriptedClient{})
	router := server.Router()

	t.Run("state snapshot", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/focus", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var state focus.FocusState
		decode(t, rec, &state)
		assert.False(t, state.IsDistracted)
	})

	t.Run("check passes outside hyperfocus mode", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/focus/check",
			focusCheckRequest{Message: "anything"})
		require.Equal(t, http.StatusOK, rec.Code)

		var result focus.CheckResult
		decode(t, rec, &result)
		assert.True(t, result.IsOnTopic)
		assert.False(t, result.ShouldBlock)
	})

	t.Run("timer start and stop", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/focus/timer/start",
			timerStartRequest{Minutes: 25})
		require.Equal(t, http.StatusOK, rec.Code)

		var state focus.FocusState
		decode(t, rec, &state)
		assert.True(t, state.TimerActive)

		rec = doJSON(t, router, http.MethodPost, "/api/v1/focus/timer/stop", nil)
		decode(t, rec, &state)
		assert.False(t, state.TimerActive)
	})

	t.Run("timer remaining", func(t *testing.T) {
		doJSON(t, router, http.MethodPost, "/api/v1/focus/timer/start",
			timerStartRequest{Minutes: 25})

		rec := doJSON(t, router, http.MethodGet, "/api/v1/focus/timer", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Active           bool `json:"active"`
			RemainingSeconds int  `json:"remaining_seconds"`
		}
		decode(t, rec, &body)
		assert.True(t, body.Active)
		assert.Greater(t, body.RemainingSeconds, 24*60)

		doJSON(t, router, http.MethodPost, "/api/v1/focus/timer/stop", nil)
	})

	t.Run("timer rejects non-positive minutes", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/focus/timer/start",
			timerStartRequest{Minutes: 0})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSessionUserEndpoint(t *testing.T) {
	server, cache := newTestServer(t, &scriptedClient{})
	router := server.Router()

	cache.SaveChat(context.Background(), &storage.Chat{ID: "c1"})

	rec := doJSON(t, router, http.MethodPut, "/api/v1/session/user",
		setUserRequest{UserID: ""})
	require.Equal(t, http.StatusOK, rec.Code)

	// Signing out clears the cached chats.
	assert.Empty(t, cache.Chats())
}

func TestDataContextEndpoints(t *testing.T) {
	server, _ := newTestServer(t, &scriptedClient{})
	router := server.Router()

	rec := doJSON(t, router, http.MethodPut, "/api/v1/data-context",
		dataContextRequest{Data: "col_a,col_b\n1,2"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]bool
	decode(t, rec, &body)
	assert.True(t, body["data_context"])

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/data-context", nil)
	decode(t, rec, &body)
	assert.False(t, body["data_context"])
}

func TestModelEndpoints(t *testing.T) {
	server, _ := newTestServer(t, &scriptedClient{})
	router := server.Router()

	rec := doJSON(t, router, http.MethodPut, "/api/v1/model",
		setModelRequest{Model: "anthropic/claude-sonnet"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/model", nil)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "anthropic/claude-sonnet", body["model"])
}
