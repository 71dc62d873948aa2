// Package server provides the HTTP server for the session router.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/session-router/internal/auth"
	"github.com/workspace/session-router/internal/config"
	"github.com/workspace/session-router/internal/query"
	"github.com/workspace/session-router/internal/router"
	"github.com/workspace/session-router/internal/store"
)

// ConversationReader is the read side of the store served over HTTP.
type ConversationReader interface {
	GetConversation(id string) (*store.Conversation, error)
	ListConversations(limit int) ([]store.Conversation, error)
	ListMessages(conversationID string) ([]store.Message, error)
}

// Deps are the collaborators the server exposes.
type Deps struct {
	Auth    auth.Authenticator
	Router  *router.Router
	Queries *query.Manager
	Store   ConversationReader
	Logger  *slog.Logger
}

// Server is the HTTP server for the session router.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	handler    http.Handler
	auth       auth.Authenticator
	router     *router.Router
	queries    *query.Manager
	store      ConversationReader
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	startedAt  time.Time
}

// New creates a new server instance.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Auth == nil || deps.Router == nil || deps.Queries == nil {
		return nil, fmt.Errorf("server: auth, router and query manager are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    cfg,
		auth:      deps.Auth,
		router:    deps.Router,
		queries:   deps.Queries,
		store:     deps.Store,
		logger:    logger.With("component", "server"),
		startedAt: time.Now(),
	}
	s.upgrader = s.createUpgrader()

	mux := http.NewServeMux()
	s.setupRoutes(mux)
	s.handler = corsMiddleware(mux, cfg.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	return s, nil
}

// Handler returns the root handler, CORS included.
func (s *Server) Handler() http.Handler { return s.handler }

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("Starting session router", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop drops live connections and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.router.Close()
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Client connection
	mux.HandleFunc("GET /ws", s.handleWS)

	// Conversation history
	mux.HandleFunc("GET /conversations", s.handleListConversations)
	mux.HandleFunc("GET /conversations/{conversationId}", s.handleGetConversation)
	mux.HandleFunc("GET /conversations/{conversationId}/messages", s.handleListMessages)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			if strings.Contains(o, "*") && matchWildcardOrigin(origin, o) {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
