package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/posecast/internal/config"
	"github.com/1ureka/posecast/internal/metrics"
	"github.com/1ureka/posecast/internal/signaling"
	"github.com/1ureka/posecast/internal/util"
)

// Page locations under the static directory.
const (
	receiverPage   = "receiver/index.html"
	receiverScript = "receiver/receiver.js"
	senderPage     = "sender/sender.html"
	senderScript   = "sender/sender.js"
)

// Server is the relay's HTTP surface: the signaling WebSocket endpoint, the
// node pages, metrics and a health snapshot.
type Server struct {
	cfg      config.RelayConfig
	session  *Session
	metrics  metrics.Collector
	upgrader websocket.Upgrader
	router   *mux.Router

	// Hijacked connections are invisible to http.Server.Shutdown, so the
	// pumps are tracked here.
	mu      sync.Mutex
	closing bool
	pumps   sync.WaitGroup
}

// NewServer creates a relay server with a fresh session.
func NewServer(cfg config.RelayConfig, m metrics.Collector) *Server {
	s := &Server{
		cfg: cfg,
		session: NewSession(SessionOptions{
			Policy:           cfg.ReceiverPolicy,
			FirstIdentity:    cfg.FirstIdentity,
			NotifyDepartures: cfg.NotifyDepartures,
		}),
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc(cfg.WSPath, s.handleWS)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/sender.js", s.staticFile(senderScript)).Methods(http.MethodGet)
	r.HandleFunc("/receiver.js", s.staticFile(receiverScript)).Methods(http.MethodGet)
	s.router = r

	return s
}

// Session returns the session backing this server.
func (s *Server) Session() *Session { return s.session }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on cfg.Address until ctx is cancelled, then shuts
// down gracefully within cfg.ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to start relay server: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:     s,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		util.LogInfo("[relay] Listening on %s (policy %s)", listener.Addr(), s.cfg.ReceiverPolicy)
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	util.LogInfo("[relay] Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	if closeErr := s.closeConnections(shutdownCtx); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}
	return nil
}

// closeConnections closes every peer outbox, which makes each writePump send
// a close frame and drop its connection, then waits for the pumps to exit.
func (s *Server) closeConnections(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.session.Close()

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogDebug("[relay] upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		conn.Close()
		return
	}
	s.pumps.Add(2)
	s.mu.Unlock()

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	peer := s.session.Join()
	s.metrics.PeerJoined(string(peer.Role()))
	util.LogInfo("[relay] Peer %d connected as %s (%s)", peer.ID(), peer.Role(), r.RemoteAddr)

	go func() {
		defer s.pumps.Done()
		s.writePump(conn, peer)
	}()
	go func() {
		defer s.pumps.Done()
		s.readPump(conn, peer)
	}()
}

// readPump routes every message the peer sends until the connection fails.
func (s *Server) readPump(conn *websocket.Conn, peer *Peer) {
	defer func() {
		s.session.Leave(peer)
		s.metrics.PeerLeft(string(peer.Role()))
		conn.Close()
		util.LogInfo("[relay] Peer %d disconnected", peer.ID())
	}()

	limit := rate.Limit(s.cfg.MessagesPerSecond)
	if s.cfg.MessagesPerSecond == 0 {
		limit = rate.Inf
	}
	limiter := rate.NewLimiter(limit, max(s.cfg.MessageBurst, 1))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				util.LogDebug("[relay] Peer %d read error: %v", peer.ID(), err)
			}
			return
		}

		if !limiter.Allow() {
			s.metrics.MessageDropped(signaling.KindInvalid.String(), metrics.DropRateLimited)
			util.LogDebug("[relay] Peer %d over rate limit, message dropped", peer.ID())
			continue
		}

		msg, err := s.session.Route(peer, data)
		switch {
		case err == nil:
			s.metrics.MessageRouted(msg.Kind.String(), len(data))
		case errors.Is(err, signaling.ErrMalformedMessage):
			s.metrics.MessageDropped(msg.Kind.String(), metrics.DropMalformed)
			util.LogDebug("[relay] Peer %d: %v", peer.ID(), err)
		case errors.Is(err, ErrOutboxFull):
			s.metrics.MessageDropped(msg.Kind.String(), metrics.DropQueueFull)
			util.LogWarning("[relay] %v", err)
		default:
			s.metrics.MessageDropped(msg.Kind.String(), metrics.DropNoRoute)
			util.LogDebug("[relay] %v", err)
		}
	}
}

// writePump is the only writer on conn. It drains the peer outbox and keeps
// the connection alive with pings.
func (s *Server) writePump(conn *websocket.Conn, peer *Peer) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-peer.Outbox():
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				util.LogDebug("[relay] Peer %d write error: %v", peer.ID(), err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Snapshot
	Connections int `json:"connections"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:      "ok",
		Snapshot:    snap,
		Connections: snap.Peers(),
	})
}

// handleIndex serves the receiver page while the next connection would take
// the receiver slot, otherwise the sender page. The pages open their
// WebSocket on "/", so upgrade requests are handed to handleWS.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleWS(w, r)
		return
	}

	page := senderPage
	if s.session.NextRole() == config.RoleReceiver {
		page = receiverPage
	}
	s.staticFile(page)(w, r)
}

func (s *Server) staticFile(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.StaticDir == "" {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(s.cfg.StaticDir, filepath.FromSlash(name)))
	}
}
