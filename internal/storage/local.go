package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

// LocalStore is the durable on-disk store. It is the persistence guarantee:
// every write lands here synchronously before the remote mirror is attempted.
type LocalStore struct {
	db *sql.DB
}

// NewDefaultLocalStore opens the store in the default user data directory.
func NewDefaultLocalStore() (*LocalStore, error) {
	dbPath, err := NewPathManager("").DatabasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to get default database path: %w", err)
	}
	return NewLocalStore(dbPath)
}

// NewLocalStore opens (or creates) the local chat database at dbPath.
func NewLocalStore(dbPath string) (*LocalStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("libsql", "file:"+dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &LocalStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Printf("Local store initialized: %s", dbPath)
	return store, nil
}

func (s *LocalStore) initSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// ListChats returns all chats for a user, most recently updated first,
// with messages populated in conversation order.
func (s *LocalStore) ListChats(ctx context.Context, userID string) ([]*Chat, error) {
	query := `SELECT id, title, topic, message_count, created_at, updated_at
	          FROM chats WHERE user_id = ?
	          ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		var chat Chat
		var topic sql.NullString
		if err := rows.Scan(&chat.ID, &chat.Title, &topic, &chat.MessageCount,
			&chat.CreatedAt, &chat.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chat.Topic = topic.String
		chats = append(chats, &chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chats: %w", err)
	}

	for _, chat := range chats {
		messages, err := s.loadMessages(ctx, chat.ID)
		if err != nil {
			return nil, err
		}
		chat.Messages = messages
	}

	return chats, nil
}

// GetChat retrieves a single chat with its messages.
func (s *LocalStore) GetChat(ctx context.Context, userID, chatID string) (*Chat, error) {
	query := `SELECT id, title, topic, message_count, created_at, updated_at
	          FROM chats WHERE user_id = ? AND id = ?`

	var chat Chat
	var topic sql.NullString
	err := s.db.QueryRowContext(ctx, query, userID, chatID).Scan(
		&chat.ID, &chat.Title, &topic, &chat.MessageCount, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	chat.Topic = topic.String

	messages, err := s.loadMessages(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	chat.Messages = messages
	return &chat, nil
}

func (s *LocalStore) loadMessages(ctx context.Context, chatID string) ([]*Message, error) {
	query := `SELECT id, role, content, mermaid_code, semantic_chunks,
	                 applied_font_style, applied_chunking, is_distraction, created_at
	          FROM messages WHERE chat_id = ?
	          ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		var mermaid, chunksJSON, fontStyle sql.NullString
		var chunking sql.NullBool
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &mermaid, &chunksJSON,
			&fontStyle, &chunking, &m.IsDistraction, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.MermaidCode = mermaid.String
		if chunksJSON.Valid && chunksJSON.String != "" {
			if err := json.Unmarshal([]byte(chunksJSON.String), &m.SemanticChunks); err != nil {
				log.Printf("Warning: failed to unmarshal semantic chunks for message %s: %v", m.ID, err)
			}
		}
		if fontStyle.Valid {
			f := FontStyle(fontStyle.String)
			m.AppliedFontStyle = &f
		}
		if chunking.Valid {
			b := chunking.Bool
			m.AppliedChunking = &b
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// PutChat upserts a chat and rewrites its message set in one transaction.
func (s *LocalStore) PutChat(ctx context.Context, userID string, chat *Chat) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	chatQuery := `INSERT INTO chats (id, user_id, title, topic, message_count, created_at, updated_at)
	              VALUES (?, ?, ?, ?, ?, ?, ?)
	              ON CONFLICT(id) DO UPDATE SET
	                  title = excluded.title,
	                  topic = excluded.topic,
	                  message_count = excluded.message_count,
	                  updated_at = excluded.updated_at`

	if _, err := tx.ExecContext(ctx, chatQuery,
		chat.ID, userID, chat.Title, chat.Topic, chat.MessageCount,
		chat.CreatedAt, chat.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert chat: %w", err)
	}

	// Messages are append-only in normal operation, but reconciliation can
	// replace a chat wholesale, so rewrite the set.
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chat.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	msgQuery := `INSERT INTO messages (id, chat_id, role, content, mermaid_code, semantic_chunks,
	                                   applied_font_style, applied_chunking, is_distraction, created_at)
	             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, m := range chat.Messages {
		var chunksJSON interface{}
		if m.SemanticChunks != nil {
			b, err := json.Marshal(m.SemanticChunks)
			if err != nil {
				return fmt.Errorf("failed to marshal semantic chunks: %w", err)
			}
			chunksJSON = string(b)
		}
		var fontStyle, chunking interface{}
		if m.AppliedFontStyle != nil {
			fontStyle = string(*m.AppliedFontStyle)
		}
		if m.AppliedChunking != nil {
			chunking = *m.AppliedChunking
		}
		if _, err := tx.ExecContext(ctx, msgQuery,
			m.ID, chat.ID, m.Role, m.Content, m.MermaidCode, chunksJSON,
			fontStyle, chunking, m.IsDistraction, m.Timestamp); err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chat: %w", err)
	}
	return nil
}

// DeleteChat deletes a chat; cascade handles its messages.
func (s *LocalStore) DeleteChat(ctx context.Context, userID, chatID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chats WHERE user_id = ? AND id = ?`, userID, chatID); err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	return nil
}

// GetSettings returns the stored settings, or ErrNotFound before first save.
func (s *LocalStore) GetSettings(ctx context.Context, userID string) (*Settings, error) {
	query := `SELECT font_style, focus_mode, semantic_chunking, focus_task,
	                 topic_similarity_threshold, min_messages_before_topic_change, timer_duration
	          FROM settings WHERE user_id = ?`

	var st Settings
	var focusTask sql.NullString
	var timer sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&st.FontStyle, &st.FocusMode, &st.SemanticChunking, &focusTask,
		&st.TopicSimilarityThreshold, &st.MinMessagesBeforeTopicChange, &timer)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	st.FocusTask = focusTask.String
	st.TimerDuration = int(timer.Int64)
	return &st, nil
}

// PutSettings upserts the settings singleton for a user.
func (s *LocalStore) PutSettings(ctx context.Context, userID string, settings *Settings) error {
	query := `INSERT INTO settings (user_id, font_style, focus_mode, semantic_chunking, focus_task,
	                                topic_similarity_threshold, min_messages_before_topic_change,
	                                timer_duration, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(user_id) DO UPDATE SET
	              font_style = excluded.font_style,
	              focus_mode = excluded.focus_mode,
	              semantic_chunking = excluded.semantic_chunking,
	              focus_task = excluded.focus_task,
	              topic_similarity_threshold = excluded.topic_similarity_threshold,
	              min_messages_before_topic_change = excluded.min_messages_before_topic_change,
	              timer_duration = excluded.timer_duration,
	              updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query,
		userID, settings.FontStyle, settings.FocusMode, settings.SemanticChunking,
		settings.FocusTask, settings.TopicSimilarityThreshold,
		settings.MinMessagesBeforeTopicChange, settings.TimerDuration, time.Now()); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// CurrentChatID returns the persisted current-chat pointer, empty if unset.
func (s *LocalStore) CurrentChatID(ctx context.Context, userID string) (string, error) {
	var chatID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT current_chat_id FROM session_state WHERE user_id = ?`, userID).Scan(&chatID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get current chat id: %w", err)
	}
	return chatID.String, nil
}

// SetCurrentChatID persists the current-chat pointer.
func (s *LocalStore) SetCurrentChatID(ctx context.Context, userID, chatID string) error {
	query := `INSERT INTO session_state (user_id, current_chat_id, updated_at)
	          VALUES (?, ?, ?)
	          ON CONFLICT(user_id) DO UPDATE SET
	              current_chat_id = excluded.current_chat_id,
	              updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, userID, chatID, time.Now()); err != nil {
		return fmt.Errorf("failed to set current chat id: %w", err)
	}
	return nil
}

// Stats returns storage counters, used by the API status endpoint.
func (s *LocalStore) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int)

	var chatCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chats").Scan(&chatCount); err != nil {
		return nil, fmt.Errorf("failed to get chat count: %w", err)
	}
	stats["chats"] = chatCount

	var messageCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&messageCount); err != nil {
		return nil, fmt.Errorf("failed to get message count: %w", err)
	}
	stats["messages"] = messageCount

	return stats, nil
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT 'New Chat',
    topic TEXT,
    message_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(id)
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    chat_id TEXT NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    content TEXT NOT NULL,
    mermaid_code TEXT,
    semantic_chunks TEXT,
    applied_font_style TEXT,
    applied_chunking BOOLEAN,
    is_distraction BOOLEAN NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE,
    UNIQUE(id)
);

CREATE TABLE IF NOT EXISTS settings (
    user_id TEXT PRIMARY KEY,
    font_style TEXT NOT NULL DEFAULT 'normal',
    focus_mode TEXT NOT NULL DEFAULT 'default',
    semantic_chunking BOOLEAN NOT NULL DEFAULT 0,
    focus_task TEXT,
    topic_similarity_threshold INTEGER NOT NULL DEFAULT 60,
    min_messages_before_topic_change INTEGER NOT NULL DEFAULT 5,
    timer_duration INTEGER,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS session_state (
    user_id TEXT PRIMARY KEY,
    current_chat_id TEXT,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_chats_user_id ON chats(user_id);
CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id);
`
