// Package transport serves clients: a WebSocket endpoint carrying the
// command protocol, and a small JSON API over plain HTTP.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/shaded/internal/controller"
	"github.com/dokzlo13/shaded/internal/eventbus"
	"github.com/dokzlo13/shaded/internal/ledger"
	"github.com/dokzlo13/shaded/internal/metrics"
	"github.com/dokzlo13/shaded/internal/protocol"
)

// ErrRateLimited is sent to clients exceeding their message rate.
var ErrRateLimited = errors.New("rate limited")

// Defaults
const (
	DefaultRateLimit      = 10
	DefaultRateBurst      = 20
	DefaultSendBuffer     = 64
	DefaultCommandTimeout = 5 * time.Second
	DefaultHistoryLimit   = 50
	maxHistoryLimit       = 1000
)

// Controller is the part of the control loop the server talks to.
type Controller interface {
	Submit(in controller.Inbound) error
	View() controller.View
}

// History serves recent ledger entries.
type History interface {
	Recent(limit int) ([]*ledger.Entry, error)
	GetByType(eventType ledger.EventType, limit int) ([]*ledger.Entry, error)
}

// Options configures a server.
type Options struct {
	Addr           string
	RateLimit      rate.Limit // Per-client messages per second
	RateBurst      int
	SendBuffer     int // Per-client outbound queue
	CommandTimeout time.Duration
}

// Server is the client-facing HTTP and WebSocket server.
type Server struct {
	opts     Options
	ctrl     Controller
	history  History
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	httpServer *http.Server
}

// NewServer creates a server. history and m may be nil.
func NewServer(opts Options, ctrl Controller, history History, m *metrics.Metrics) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = DefaultRateBurst
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	return &Server{
		opts:    opts,
		ctrl:    ctrl,
		history: history,
		metrics: m,
		upgrader: websocket.Upgrader{
			// Clients are served from the device itself or from local files.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Handler returns the HTTP routes wrapped with request logging, CORS and
// panic recovery.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/command", s.handleCommand).Methods(http.MethodPost)
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/history/{type}", s.handleHistory).Methods(http.MethodGet)

	logged := handlers.CustomLoggingHandler(io.Discard, r, logRequest)
	cors := handlers.CORS(
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{}),
		handlers.PrintRecoveryStack(true),
	)
	return recovery(cors(logged))
}

func logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	log.Debug().
		Str("method", p.Request.Method).
		Str("path", p.URL.Path).
		Int("status", p.StatusCode).
		Int("size", p.Size).
		Dur("duration", time.Since(p.TimeStamp)).
		Str("remote", p.Request.RemoteAddr).
		Msg("HTTP request")
}

// recoveryLogger sends handler panics to zerolog.
type recoveryLogger struct{}

func (recoveryLogger) Println(v ...interface{}) {
	log.Error().Msg(fmt.Sprint(v...))
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.opts.Addr).Msg("Starting client server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked WebSocket connections are not tracked by Shutdown.
		s.closeClients()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Client server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Deliver routes an outbound message to one client, or to every client
// when ClientID is empty. Messages for unknown clients are dropped.
func (s *Server) Deliver(msg protocol.Outbound) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if msg.ClientID == "" {
		for _, c := range s.clients {
			c.Send(msg.Payload)
		}
		return
	}
	if c, ok := s.clients[msg.ClientID]; ok {
		c.Send(msg.Payload)
	}
}

// HandleEvent is an eventbus handler for EventTypeOutbound.
func (s *Server) HandleEvent(e eventbus.Event) {
	if msg, ok := eventbus.Outbound(e); ok {
		s.Deliver(msg)
	}
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := s.newClient(uuid.NewString(), conn)

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Clients.Inc()
	}

	log.Info().Str("client_id", c.id).Str("remote", r.RemoteAddr).Msg("Client connected")

	go c.writePump()

	if err := s.ctrl.Submit(controller.Inbound{ClientID: c.id, Connect: true}); err != nil {
		// The client still gets the next broadcast.
		log.Warn().Err(err).Str("client_id", c.id).Msg("Failed to queue initial state")
	}

	c.readPump()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()

	if !ok {
		return
	}
	if s.metrics != nil {
		s.metrics.Clients.Dec()
	}
	log.Info().Str("client_id", c.id).Msg("Client disconnected")
}

func (s *Server) closeClients() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

// handleMessage submits one client message. Rejections are answered on the
// same connection.
func (s *Server) handleMessage(c *client, data []byte) {
	if !c.limiter.Allow() {
		log.Debug().Str("client_id", c.id).Msg("Client rate limited")
		c.Send(rejection(data, ErrRateLimited))
		return
	}

	err := s.ctrl.Submit(controller.Inbound{ClientID: c.id, Data: data})
	if err != nil {
		log.Warn().Err(err).Str("client_id", c.id).Msg("Command not queued")
		c.Send(rejection(data, err))
	}
}

// rejection builds a reply for a message the controller never saw.
func rejection(data []byte, err error) protocol.Reply {
	cmd, _ := protocol.Parse(data)
	return protocol.NewReply(cmd, protocol.Result{}, err)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	replies := make(chan protocol.Reply, 1)
	if err := s.ctrl.Submit(controller.Inbound{ClientID: "http", Data: body, Reply: replies}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, rejection(body, err))
		return
	}

	select {
	case reply := <-replies:
		status := http.StatusOK
		if !reply.OK {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, reply)
	case <-time.After(s.opts.CommandTimeout):
		writeError(w, http.StatusGatewayTimeout, "controller did not answer")
	case <-r.Context().Done():
	}
}

type stateResponse struct {
	Config   protocol.ConfigSnapshot   `json:"config"`
	Schedule protocol.ScheduleSnapshot `json:"schedule"`
	Clients  int                       `json:"clients"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	v := s.ctrl.View()
	writeJSON(w, http.StatusOK, stateResponse{
		Config:   v.Config,
		Schedule: v.Schedule,
		Clients:  s.Clients(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}

	limit := DefaultHistoryLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	var entries []*ledger.Entry
	var err error
	if eventType, ok := mux.Vars(r)["type"]; ok {
		entries, err = s.history.GetByType(ledger.EventType(eventType), limit)
	} else {
		entries, err = s.history.Recent(limit)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to read history")
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
