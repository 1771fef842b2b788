// Package gateway exposes the router to browser contexts over WebSocket.
//
// Each connection is one sender: GET /ws?tab=<id> for a tab, GET /ws?popup=1
// for the popup. Text messages carry JSON requests and binary messages carry
// msgpack; replies follow the encoding of the sender's latest message.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nzilbb/jsendpraat/log"
	"github.com/nzilbb/jsendpraat/registry"
	"github.com/nzilbb/jsendpraat/router"
	"github.com/nzilbb/jsendpraat/types"
)

// Defaults for Config.
const (
	DefaultAddr       = "127.0.0.1:7397"
	DefaultSendBuffer = 64
	maxMessageSize    = 1 << 20
	shutdownTimeout   = 5 * time.Second
)

// DefaultOriginPrefixes are accepted when no origins are configured.
var DefaultOriginPrefixes = []string{"chrome-extension://", "moz-extension://"}

// Router is the part of the router the gateway drives.
type Router interface {
	Register(ctx context.Context, id types.SenderID, ch registry.Channel) error
	Unregister(ctx context.Context, id types.SenderID, ch registry.Channel) error
	Submit(ctx context.Context, id types.SenderID, req types.Request) error
	Media(ctx context.Context, id types.SenderID) ([]string, error)
	Status(ctx context.Context) (router.Status, error)
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address.
	Addr string
	// AllowedOrigins lists accepted Origin values; "*" accepts any. Empty
	// accepts browser extension origins. Requests without an Origin header
	// are always accepted.
	AllowedOrigins []string
	// SendBuffer bounds queued outbound messages per sender.
	SendBuffer int
	// Logger defaults to a no-op logger.
	Logger *log.Logger
}

// Server is the WebSocket gateway.
type Server struct {
	router   Router
	config   Config
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[types.SenderID]*client
	all     map[*client]struct{}
}

// New creates a gateway in front of rt.
func New(rt Router, config Config) *Server {
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultSendBuffer
	}
	if config.Logger == nil {
		config.Logger = log.Nop()
	}
	s := &Server{
		router:  rt,
		config:  config,
		logger:  config.Logger,
		clients: make(map[types.SenderID]*client),
		all:     make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	return s
}

// Handler returns the gateway routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// ListenAndServe serves until ctx is canceled, then closes every sender
// connection.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("gateway listening", map[string]any{"addr": ln.Addr().String()})

	select {
	case err := <-errCh:
		s.closeClients()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeClients()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// ClientCount returns the number of connected senders.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.all)
}

// SetBadge sends a media count to a sender. It implements router.Indicator.
func (s *Server) SetBadge(id types.SenderID, count int) {
	s.mu.RLock()
	c, ok := s.clients[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	c.sendValue(badgeMessage{Message: "badge", Count: count})
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.config.AllowedOrigins) == 0 {
		for _, prefix := range DefaultOriginPrefixes {
			if strings.HasPrefix(origin, prefix) {
				return true
			}
		}
		return false
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// senderFromQuery derives the sender id from ?tab=<id> or ?popup=1.
func senderFromQuery(r *http.Request) (types.SenderID, error) {
	q := r.URL.Query()
	if tab := q.Get("tab"); tab != "" {
		n, err := strconv.Atoi(tab)
		if err != nil || n < 0 {
			return "", errors.New("tab must be a non-negative integer")
		}
		return types.TabSender(n), nil
	}
	if popup, _ := strconv.ParseBool(q.Get("popup")); popup {
		return types.PopupSender, nil
	}
	return "", errors.New("tab or popup query parameter is required")
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, err := senderFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", map[string]any{
			"sender": string(id),
			"origin": r.Header.Get("Origin"),
			"error":  err.Error(),
		})
		return
	}

	c := newClient(s, id, conn)
	if err := s.router.Register(r.Context(), id, c); err != nil {
		s.logger.Warn("sender registration failed", map[string]any{"sender": string(id), "error": err.Error()})
		_ = conn.Close()
		return
	}
	s.mu.Lock()
	s.clients[id] = c
	s.all[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("sender connected", map[string]any{"sender": string(id)})

	go c.writePump()
	go c.readPump()
}

// removeClient forgets c once its connection ends.
func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.all, c)
	if s.clients[c.id] == c {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.router.Unregister(ctx, c.id, c); err != nil && !errors.Is(err, router.ErrClosed) {
		s.logger.Warn("sender unregistration failed", map[string]any{"sender": string(c.id), "error": err.Error()})
	}
	s.logger.Debug("sender disconnected", map[string]any{"sender": string(c.id)})
}

func (s *Server) closeClients() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.all))
	for c := range s.all {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.router.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn("failed to write status", map[string]any{"error": err.Error()})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}
