package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/hyperfocusai/hyperfocus/internal/chat"
	"github.com/hyperfocusai/hyperfocus/internal/storage"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"phase":  s.cache.Phase().String(),
		"chats":  len(s.manager.Chats()),
		"model":  s.manager.Model(),
	})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats := s.manager.Chats()
	// Summaries only; messages come from the per-chat endpoint.
	type chatSummary struct {
		ID           string    `json:"id"`
		Title        string    `json:"title"`
		Topic        string    `json:"topic,omitempty"`
		MessageCount int       `json:"message_count"`
		UpdatedAt    time.Time `json:"updated_at"`
	}
	out := make([]chatSummary, 0, len(chats))
	for _, c := range chats {
		out = append(out, chatSummary{
			ID:           c.ID,
			Title:        c.Title,
			Topic:        c.Topic,
			MessageCount: c.MessageCount,
			UpdatedAt:    c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chats":           out,
		"current_chat_id": s.cache.CurrentChatID(),
	})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	created, err := s.manager.CreateNewChat(r.Context())
	if err != nil {
		if errors.Is(err, chat.ErrCreateInProgress) {
			writeError(w, http.StatusConflict, "chat creation already in progress")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c := s.cache.Chat(id)
	if c == nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.cache.Chat(id) == nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	s.manager.DeleteChat(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleSelectChat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c := s.cache.Chat(id)
	if c == nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	s.manager.SelectChat(r.Context(), id)
	writeJSON(w, http.StatusOK, c)
}

type sendMessageRequest struct {
	Content string `json:"content"`
	// SkipFocusCheck lets the client resend a message it already confirmed
	// past a distraction prompt.
	SkipFocusCheck bool `json:"skip_focus_check,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if s.cache.Chat(id) == nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	s.manager.SelectChat(r.Context(), id)

	if !req.SkipFocusCheck {
		result := s.controller.CheckFocus(r.Context(), req.Content)
		if result.ShouldBlock {
			state := s.controller.Snapshot()
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"blocked":       true,
				"topic":         result.Topic,
				"current_topic": state.CurrentTopic,
				"confidence":    result.Confidence,
			})
			return
		}
		if result.IsOnTopic && result.Topic != "" {
			current := s.cache.Chat(id)
			if current != nil && current.Topic == "" {
				s.manager.UpdateTopic(r.Context(), id, result.Topic)
			}
		}
	}

	reply, err := s.manager.SendMessage(r.Context(), req.Content)
	if err != nil {
		if errors.Is(err, chat.ErrNoActiveChat) {
			writeError(w, http.StatusConflict, "no active chat")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reply == nil {
		// Superseded by a chat switch or deletion mid-flight.
		writeJSON(w, http.StatusOK, map[string]interface{}{"discarded": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": reply})
}

func (s *Server) handleMessageChunks(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chunks := s.manager.ChunksFor(r.Context(), vars["id"], vars["messageID"])
	writeJSON(w, http.StatusOK, map[string]interface{}{"chunks": chunks})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Settings())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch storage.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated := s.cache.UpdateSettings(r.Context(), patch)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleFocusState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

type focusCheckRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleFocusCheck(w http.ResponseWriter, r *http.Request) {
	var req focusCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, s.controller.CheckFocus(r.Context(), req.Message))
}

func (s *Server) handleFocusReset(w http.ResponseWriter, r *http.Request) {
	s.controller.ResetDistraction()
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

type timerStartRequest struct {
	Minutes int `json:"minutes"`
}

func (s *Server) handleTimerStart(w http.ResponseWriter, r *http.Request) {
	var req timerStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Minutes <= 0 {
		writeError(w, http.StatusBadRequest, "minutes must be positive")
		return
	}
	s.controller.StartTimer(time.Duration(req.Minutes) * time.Minute)
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleTimerRemaining(w http.ResponseWriter, r *http.Request) {
	remaining, active := s.controller.TimerRemaining()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":            active,
		"remaining_seconds": int(remaining.Seconds()),
	})
}

func (s *Server) handleTimerStop(w http.ResponseWriter, r *http.Request) {
	s.controller.StopTimer()
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"model": s.manager.Model()})
}

type setModelRequest struct {
	Model string `json:"model"`
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var req setModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	s.manager.SetModel(req.Model)
	writeJSON(w, http.StatusOK, map[string]string{"model": req.Model})
}

type dataContextRequest struct {
	Data string `json:"data"`
}

func (s *Server) handleSetDataContext(w http.ResponseWriter, r *http.Request) {
	var req dataContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.manager.SetDataContext(req.Data)
	writeJSON(w, http.StatusOK, map[string]bool{"data_context": req.Data != ""})
}

func (s *Server) handleClearDataContext(w http.ResponseWriter, r *http.Request) {
	s.manager.SetDataContext("")
	writeJSON(w, http.StatusOK, map[string]bool{"data_context": false})
}

type setUserRequest struct {
	UserID string `json:"user_id"`
}

// handleSetUser switches the authenticated identity. An empty user_id signs
// out and drops to guest mode.
func (s *Server) handleSetUser(w http.ResponseWriter, r *http.Request) {
	var req setUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.manager.SetUser(r.Context(), req.UserID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": req.UserID,
		"phase":   s.cache.Phase().String(),
	})
}
