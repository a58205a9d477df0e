package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperfocusai/hyperfocus/internal/focus"
	"github.com/hyperfocusai/hyperfocus/internal/llm"
	"github.com/hyperfocusai/hyperfocus/internal/storage"
)

// memStore is a minimal in-memory storage.Store for manager tests.
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

func (s *memStore) PutChat(ctx context.Context, userID string, chat *storage.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chat.ID] = chat.Clone()
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

// scriptedClient returns queued responses. With hold set it signals started
// and then waits for cancellation, emulating a slow provider.
type scriptedClient struct {
	mu        sync.Mutex
	responses []string
	err       error

	hold    chan struct{}
	started chan struct{}
}

func (c *scriptedClient) Complete(ctx context.Context, messages []llm.Message, model string) (string, error) {
	if c.hold != nil {
		c.started <- struct{}{}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.hold:
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	if len(c.responses) == 0 {
		return "", errors.New("no scripted response left")
	}
	response := c.responses[0]
	c.responses = c.responses[1:]
	return response, nil
}

func newTestManager(t *testing.T, client llm.Client) (*Manager, *storage.SyncCache) {
	t.Helper()
	cache := storage.NewSyncCache(newMemStore(), nil, "u1")
	analyzer := focus.NewAnalyzer(client, "test-model")
	controller := focus.NewController(analyzer, cache.Settings)
	manager := NewManager(cache, client, analyzer, controller, "test-model")
	manager.Start(context.Background())
	t.Cleanup(cache.Close)
	return manager, cache
}

func TestCreateNewChat(t *testing.T) {
	ctx := context.Background()

	t.Run("creates and selects an empty chat", func(t *testing.T) {
		manager, cache := newTestManager(t, &scriptedClient{})

		chat, err := manager.CreateNewChat(ctx)
		require.NoError(t, err)

		assert.Equal(t, "New Chat", chat.Title)
		assert.Empty(t, chat.Messages)
		assert.Equal(t, chat.ID, cache.CurrentChatID())
		require.NotNil(t, manager.CurrentChat())
		assert.Equal(t, chat.ID, manager.CurrentChat().ID)
	})

	t.Run("rapid double create is rejected", func(t *testing.T) {
		manager, _ := newTestManager(t, &scriptedClient{})

		_, err := manager.CreateNewChat(ctx)
		require.NoError(t, err)

		_, err = manager.CreateNewChat(ctx)
		assert.ErrorIs(t, err, ErrCreateInProgress)
	})

	t.Run("guard releases after the cooldown", func(t *testing.T) {
		manager, _ := newTestManager(t, &scriptedClient{})

		_, err := manager.CreateNewChat(ctx)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			_, err := manager.CreateNewChat(ctx)
			return err == nil
		}, 2*time.Second, 50*time.Millisecond)
	})
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("no active chat", func(t *testing.T) {
		manager, _ := newTestManager(t, &scriptedClient{})
		_, err := manager.SendMessage(ctx, "hello")
		assert.ErrorIs(t, err, ErrNoActiveChat)
	})

	t.Run("happy path appends both messages and titles the chat", func(t *testing.T) {
		client := &scriptedClient{responses: []string{"Hi! How can I help?"}}
		manager, cache := newTestManager(t, client)

		chat, err := manager.CreateNewChat(ctx)
		require.NoError(t, err)

		reply, err := manager.SendMessage(ctx, "explain recursion to me")
		require.NoError(t, err)
		require.NotNil(t, reply)
		assert.Equal(t, "Hi! How can I help?", reply.Content)
		assert.Equal(t, storage.RoleAssistant, reply.Role)

		saved := cache.Chat(chat.ID)
		require.Len(t, saved.Messages, 2)
		assert.Equal(t, storage.RoleUser, saved.Messages[0].Role)
		assert.Equal(t, "explain recursion to me", saved.Messages[0].Content)
		assert.Equal(t, 1, saved.MessageCount)
		assert.Equal(t, "explain recursion to me", saved.Title)
		assert.False(t, manager.IsLoading(chat.ID))
	})

	t.Run("presentation settings are frozen per send", func(t *testing.T) {
		client := &scriptedClient{responses: []string{"ok"}}
		manager, cache := newTestManager(t, client)

		chat, err := manager.CreateNewChat(ctx)
		require.NoError(t, err)

		font := storage.FontBionic
		cache.UpdateSettings(ctx, storage.SettingsPatch{FontStyle: &font})

		_, err = manager.SendMessage(ctx, "first question")
		require.NoError(t, err)

		// Settings change after the send; recorded messages keep the old style.
		later := storage.FontDyslexic
		cache.UpdateSettings(ctx, storage.SettingsPatch{FontStyle: &later})

		saved := cache.Chat(chat.ID)
		for _, msg := range saved.Messages {
			require.NotNil(t, msg.AppliedFontStyle)
			assert.Equal(t, storage.FontBionic, *msg.AppliedFontStyle)
		}
	})

	t.Run("provider failure becomes a synthetic assistant message", func(t *testing.T) {
		client := &scriptedClient{err: &llm.ProviderError{Category: llm.ErrorRateLimit, Status: 429}}
		manager, cache := newTestManager(t, client)

		chat, err := manager.CreateNewChat(ctx)
		require.NoError(t, err)

		reply, err := manager.SendMessage(ctx, "hello")
		require.NoError(t, err)
		require.NotNil(t, reply)
		assert.Equal(t, storage.RoleAssistant, reply.Role)
		assert.Contains(t, reply.Content, "too many requests")

		// The user message stays; the chat is still usable.
		saved := cache.Chat(chat.ID)
		require.Len(t, saved.Messages, 2)
		assert.False(t, manager.IsLoading(chat.ID))
	})

	t.Run("mermaid reply is split into code and explanation", func(t *testing.T) {
		client := &scriptedClient{responses: []string{"```mermaid\nflowchart LR\n  A --> B\n```\nTwo steps."}}
		manager, _ := newTestManager(t, client)

		_, err := manager.CreateNewChat(ctx)
		require.NoError(t, err)

		reply, err := manager.SendMessage(ctx, "draw a flowchart of A to B")
		require.NoError(t, err)
		assert.Equal(t, "flowchart LR\n  A --> B", reply.MermaidCode)
		assert.Equal(t, "Two steps.", reply.Content)
	})

	t.Run("hyperfocus with a focus task tags distractions", func(t *testing.T) {
		client := &scriptedClient{responses: []string{
			`{"isRelevant": false, "confidence": 90, "reason": "unrelated"}`,
			"Let's get back to calculus.",
		}}
		manager, cache := newTestManager(t, client)

		chat, err := manager.CreateNewChat(ctx)
		require.NoError(t, err)

		mode := storage.FocusModeHyperfocus
		task := "study calculus"
		cache.UpdateSettings(ctx, storage.SettingsPatch{FocusMode: &mode, FocusTask: &task})

		reply, err := manager.SendMessage(ctx, "what's a good pizza place?")
		require.NoError(t, err)
		require.NotNil(t, reply)

		saved := cache.Chat(chat.ID)
		require.Len(t, saved.Messages, 2)
		assert.True(t, saved.Messages[0].IsDistraction)
		assert.False(t, saved.Messages[1].IsDistraction)
	})
}

func TestSendMessageCancellation(t *testing.T) {
	ctx := context.Background()

	t.Run("switching chats discards the in-flight reply", func(t *testing.T) {
		client := &scriptedClient{
			hold:    make(chan struct{}),
			started: make(chan struct{}, 1),
		}
		manager, cache := newTestManager(t, client)

		chat, err := manager.CreateNewChat(ctx)
		require.NoError(t, err)

		other := &storage.Chat{ID: "other", Title: "Other"}
		cache.SaveChat(ctx, other)

		type sendResult struct {
			reply *storage.Message
			err   error
		}
		done := make(chan sendResult, 1)
		go func() {
			reply, err := manager.SendMessage(ctx, "slow question")
			done <- sendResult{reply, err}
		}()

		<-client.started
		manager.SelectChat(ctx, "other")

		result := <-done
		assert.NoError(t, result.err)
		assert.Nil(t, result.reply)

		// The user message landed before the switch; no assistant reply did.
		saved := cache.Chat(chat.ID)
		require.Len(t, saved.Messages, 1)
		assert.Equal(t, storage.RoleUser, saved.Messages[0].Role)
		assert.False(t, manager.IsLoading(chat.ID))
	})

	t.Run("deleting the chat discards the in-flight reply", func(t *testing.T) {
		client := &scriptedClient{
			hold:    make(chan struct{}),
			started: make(chan struct{}, 1),
		}
		manager, cache := newTestManager(t, client)

		chat, err := manager.CreateNewChat(ctx)
		require.NoError(t, err)

		done := make(chan *storage.Message, 1)
		go func() {
			reply, _ := manager.SendMessage(ctx, "slow question")
			done <- reply
		}()

		<-client.started
		manager.DeleteChat(ctx, chat.ID)

		assert.Nil(t, <-done)
		assert.Nil(t, cache.Chat(chat.ID))
		assert.Nil(t, manager.CurrentChat())
	})
}

func TestSelectChat(t *testing.T) {
	ctx := context.Background()
	manager, cache := newTestManager(t, &scriptedClient{})

	cache.SaveChat(ctx, &storage.Chat{ID: "c1", Topic: "spanish verbs"})
	manager.SelectChat(ctx, "c1")

	assert.Equal(t, "c1", cache.CurrentChatID())
	require.NotNil(t, manager.CurrentChat())
	assert.Equal(t, "spanish verbs", manager.Controller().Snapshot().CurrentTopic)
}

func TestUpdateTopic(t *testing.T) {
	ctx := context.Background()
	manager, cache := newTestManager(t, &scriptedClient{})

	chat, err := manager.CreateNewChat(ctx)
	require.NoError(t, err)

	manager.UpdateTopic(ctx, chat.ID, "spanish verbs")

	assert.Equal(t, "spanish verbs", cache.Chat(chat.ID).Topic)
	assert.Equal(t, "spanish verbs", manager.Controller().Snapshot().CurrentTopic)
}

func TestSetUser(t *testing.T) {
	ctx := context.Background()
	manager, cache := newTestManager(t, &scriptedClient{})

	chat, err := manager.CreateNewChat(ctx)
	require.NoError(t, err)
	require.NotNil(t, cache.Chat(chat.ID))

	manager.SetUser(ctx, "")

	assert.Nil(t, manager.CurrentChat())
	assert.Empty(t, cache.Chats())
}

func TestChunksFor(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{responses: []string{
		"assistant reply",
		`[{"type": "definition", "content": "A stack is..."}, {"type": "example", "content": "For example..."}]`,
	}}
	manager, _ := newTestManager(t, client)

	chat, err := manager.CreateNewChat(ctx)
	require.NoError(t, err)

	reply, err := manager.SendMessage(ctx, "what is a stack?")
	require.NoError(t, err)

	chunks := manager.ChunksFor(ctx, chat.ID, reply.ID)
	require.Len(t, chunks, 2)
	assert.Equal(t, storage.ChunkDefinition, chunks[0].Type)

	// Chunks are cached on the message; a second call does not hit the
	// provider again (the scripted client has no responses left).
	again := manager.ChunksFor(ctx, chat.ID, reply.ID)
	assert.Equal(t, chunks, again)
}

func TestHumanizeProviderError(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		fragment string
	}{
		{"auth", &llm.ProviderError{Category: llm.ErrorAuth}, "API key"},
		{"rate limit", &llm.ProviderError{Category: llm.ErrorRateLimit}, "too many requests"},
		{"model unavailable", &llm.ProviderError{Category: llm.ErrorModelUnavailable}, "different model"},
		{"network", &llm.ProviderError{Category: llm.ErrorNetwork}, "connection"},
		{"timeout", context.DeadlineExceeded, "in time"},
		{"unknown", errors.New("boom"), "encountered an error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Contains(t, humanizeProviderError(tc.err), tc.fragment)
		})
	}
}
