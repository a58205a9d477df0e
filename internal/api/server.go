// Package api exposes the conversation core over a small REST + WebSocket
// surface for the presentation layer.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/hyperfocusai/hyperfocus/internal/chat"
	"github.com/hyperfocusai/hyperfocus/internal/focus"
	"github.com/hyperfocusai/hyperfocus/internal/storage"
)

// Server is the HTTP surface over the conversation manager.
type Server struct {
	manager    *chat.Manager
	cache      *storage.SyncCache
	controller *focus.Controller
	router     *mux.Router
	httpServer *http.Server
}

// NewServer wires the routes.
func NewServer(manager *chat.Manager, cache *storage.SyncCache) *Server {
	s := &Server{
		manager:    manager,
		cache:      cache,
		controller: manager.Controller(),
		router:     mux.NewRouter(),
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	api.HandleFunc("/chats", s.handleListChats).Methods("GET")
	api.HandleFunc("/chats", s.handleCreateChat).Methods("POST")
	api.HandleFunc("/chats/{id}", s.handleGetChat).Methods("GET")
	api.HandleFunc("/chats/{id}", s.handleDeleteChat).Methods("DELETE")
	api.HandleFunc("/chats/{id}/select", s.handleSelectChat).Methods("POST")
	api.HandleFunc("/chats/{id}/messages", s.handleSendMessage).Methods("POST")
	api.HandleFunc("/chats/{id}/messages/{messageID}/chunks", s.handleMessageChunks).Methods("GET")

	api.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/settings", s.handleUpdateSettings).Methods("PATCH")

	api.HandleFunc("/focus", s.handleFocusState).Methods("GET")
	api.HandleFunc("/focus/check", s.handleFocusCheck).Methods("POST")
	api.HandleFunc("/focus/reset", s.handleFocusReset).Methods("POST")
	api.HandleFunc("/focus/timer", s.handleTimerRemaining).Methods("GET")
	api.HandleFunc("/focus/timer/start", s.handleTimerStart).Methods("POST")
	api.HandleFunc("/focus/timer/stop", s.handleTimerStop).Methods("POST")

	api.HandleFunc("/session/user", s.handleSetUser).Methods("PUT")

	api.HandleFunc("/model", s.handleGetModel).Methods("GET")
	api.HandleFunc("/model", s.handleSetModel).Methods("PUT")

	api.HandleFunc("/data-context", s.handleSetDataContext).Methods("PUT")
	api.HandleFunc("/data-context", s.handleClearDataContext).Methods("DELETE")

	s.router.HandleFunc("/ws/events", s.handleEventsWebSocket)

	return s
}

// Router returns the HTTP handler, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // sends block on the completion call
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown failed", "error", err)
		}
	}()

	log.Info("API server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Error("failed to encode response", "error", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
