package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/clipflow/clipflow/pkg/messaging"
	"github.com/clipflow/clipflow/pkg/orchestrator"
	"github.com/clipflow/clipflow/pkg/session"
)

const (
	writeTimeout      = 10 * time.Second
	clientSendBacklog = 64
)

// Config holds stream server configuration.
type Config struct {
	Host         string
	Port         int
	Sessions     *session.Manager
	Orchestrator *orchestrator.Orchestrator
	Hub          *messaging.Hub
	Logger       zerolog.Logger

	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler
}

// Server is the host-side transport: it exposes session lifecycle calls over
// HTTP and forwards each session's outbound messages over a websocket, while
// feeding inbound user responses back into the session's channel.
type Server struct {
	host     string
	port     int
	sessions *session.Manager
	orch     *orchestrator.Orchestrator
	hub      *messaging.Hub
	logger   zerolog.Logger
	metrics  http.Handler

	upgrader websocket.Upgrader
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a stream server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}

	return &Server{
		host:     cfg.Host,
		port:     cfg.Port,
		sessions: cfg.Sessions,
		orch:     cfg.Orchestrator,
		hub:      cfg.Hub,
		logger:   cfg.Logger.With().Str("component", "stream").Logger(),
		metrics:  cfg.MetricsHandler,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessionByID)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start begins serving. It returns after the listener is bound; serving
// continues on a background goroutine until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{Handler: s.Handler()}
	server := s.server
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Msg("Stream server listening")

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Stream server stopped unexpectedly")
		}
	}()

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createSession(w, r)
	case http.MethodGet:
		s.listSessions(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	sess, err := s.orch.StartWorkflow(r.Context(), req.Prompt, req.Context)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to start workflow")
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	writeJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID: sess.ID,
		Status:    string(sess.Status),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	sessions := s.sessions.List(userID, 0)
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		sess, err := s.sessions.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				writeError(w, http.StatusNotFound, "session not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		writeJSON(w, http.StatusOK, sess)

	case http.MethodDelete:
		if err := s.sessions.Delete(r.Context(), id); err != nil && !errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, "failed to delete session")
			return
		}
		s.hub.Remove(id)
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleWebSocket upgrades the connection and bridges it to the session's
// message channel: outbound messages are forwarded as JSON frames, inbound
// user_response frames resolve pending input requests.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if _, err := s.sessions.Get(r.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Websocket upgrade failed")
		return
	}

	ch := s.hub.Channel(sessionID)
	logger := s.logger.With().Str("session_id", sessionID).Logger()

	// One writer goroutine per connection; gorilla connections permit a
	// single concurrent writer.
	send := make(chan messaging.Message, clientSendBacklog)
	done := make(chan struct{})

	subID := ch.SubscribeAsync(func(m messaging.Message) {
		select {
		case send <- m:
		case <-done:
		default:
			logger.Warn().Str("kind", string(m.Kind)).Msg("Client send backlog full, dropping frame")
		}
	})

	// Replay history so late subscribers see the full transcript.
	go func() {
		defer conn.Close()
		for _, m := range ch.History() {
			if err := writeFrame(conn, m); err != nil {
				return
			}
		}
		for {
			select {
			case m := <-send:
				if err := writeFrame(conn, m); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	go func() {
		defer func() {
			ch.Unsubscribe(subID)
			close(done)
			logger.Debug().Msg("Websocket client disconnected")
		}()

		for {
			var frame InboundFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			s.dispatchInbound(sessionID, ch, frame, logger)
		}
	}()
}

func (s *Server) dispatchInbound(sessionID string, ch *messaging.Channel, frame InboundFrame, logger zerolog.Logger) {
	switch frame.Type {
	case "user_response":
		if err := ch.DeliverResponse(frame.StepID, frame.Value); err != nil {
			logger.Warn().Err(err).Str("step_id", frame.StepID).Msg("Dropped user response")
		}
	case "pause":
		if err := s.orch.Pause(sessionID); err != nil {
			logger.Warn().Err(err).Msg("Pause request failed")
		}
	case "resume":
		if err := s.orch.Resume(sessionID); err != nil {
			logger.Warn().Err(err).Msg("Resume request failed")
		}
	case "cancel":
		if err := s.orch.Cancel(sessionID); err != nil {
			logger.Warn().Err(err).Msg("Cancel request failed")
		}
	default:
		logger.Warn().Str("type", frame.Type).Msg("Unknown inbound frame type")
	}
}

func writeFrame(conn *websocket.Conn, m messaging.Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(m)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
