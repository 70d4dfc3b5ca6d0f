// Package hub provides a reusable Hub server that can be embedded in
// other binaries (the AutoHub client starts one in-process when no hub
// is listening on the well-known port).
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tabhub/tabhub/internal/hub/audit"
	"github.com/tabhub/tabhub/internal/hub/config"
	"github.com/tabhub/tabhub/internal/hub/conn"
	"github.com/tabhub/tabhub/internal/hub/opmgr"
	"github.com/tabhub/tabhub/internal/hub/registry"
	"github.com/tabhub/tabhub/internal/hub/router"
	"github.com/tabhub/tabhub/internal/lifecycle"
	"github.com/tabhub/tabhub/internal/logging"
	"github.com/tabhub/tabhub/internal/metrics"
	"github.com/tabhub/tabhub/internal/wire"
)

const (
	// watchdogInterval is how often dead-connection detection runs.
	watchdogInterval = 60 * time.Second

	// deadAfter is the idle threshold before a non-live connection is
	// forcibly terminated.
	deadAfter = 120 * time.Second

	// sweepInterval is the operation manager GC cadence.
	sweepInterval = time.Minute

	// shutdownBudget bounds the graceful drain on termination.
	shutdownBudget = 30 * time.Second
)

// Server is a reusable Hub instance: it binds the well-known port,
// accepts Automator and Requester websockets and routes frames between
// them. Call Serve to start listening.
type Server struct {
	cfg     *config.Config
	reg     *registry.Registry
	ops     *opmgr.Manager
	router  *router.Router
	audit   *audit.Store
	cleanup *lifecycle.Registry

	server   *http.Server
	health   *http.Server
	startAt  time.Time
	draining atomic.Bool
	connSeq  atomic.Int64

	mu    sync.Mutex
	conns map[int64]*conn.Conn
}

// NewServer creates a Hub server from cfg. When a data dir is
// configured it opens the audit database and reloads the operation
// snapshot; both are optional.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	var store *audit.Store
	if path := cfg.AuditDBPath(); path != "" {
		var err error
		store, err = audit.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
	}

	reg := registry.New()
	ops := opmgr.New(cfg.OperationCleanupAge())
	if path := cfg.SnapshotPath(); path != "" {
		if err := ops.LoadSnapshot(path); err != nil {
			slog.Warn("operation snapshot reload failed", "error", err)
		}
	}

	s := &Server{
		cfg:     cfg,
		reg:     reg,
		ops:     ops,
		audit:   store,
		cleanup: lifecycle.NewRegistry(10 * time.Second),
		conns:   make(map[int64]*conn.Conn),
	}
	if path := cfg.SnapshotPath(); path != "" {
		s.cleanup.Register("operation-snapshot", func(context.Context) error {
			return ops.SaveSnapshot(path)
		})
	}
	if store != nil {
		s.cleanup.Register("audit-store", func(context.Context) error {
			return store.Close()
		})
	}
	hubInfo := wire.HubInfo{Version: wire.ProtocolVersion, Port: cfg.HubPort}
	var recorder router.Recorder
	if store != nil {
		recorder = store
	}
	s.router = router.New(reg, ops, hubInfo, cfg.OperationTimeout(), recorder)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)

	s.server = &http.Server{
		Handler:           logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Registry exposes the client table for embedding binaries.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Operations exposes the operation manager for embedding binaries.
func (s *Server) Operations() *opmgr.Manager { return s.ops }

// Port returns the configured websocket port.
func (s *Server) Port() int { return s.cfg.HubPort }

// Serve binds the loopback port and blocks until ctx is cancelled, then
// performs the graceful shutdown sequence. Bind failures are returned as
// wire errors (PORT_IN_USE, PORT_PERMISSION_DENIED) so callers can run
// the discovery algorithm.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.HubPort))
	if err != nil {
		s.closeStores()
		return bindError(s.cfg.HubPort, err)
	}
	s.startAt = time.Now()

	if s.cfg.HealthPort > 0 {
		s.startHealthServer()
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go s.ops.Run(bgCtx, sweepInterval)
	go s.keepaliveLoop(bgCtx)
	go s.watchdogLoop(bgCtx)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.shutdown()
		close(shutdownDone)
	}()

	slog.Info("hub listening", "port", s.cfg.HubPort)
	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		s.closeStores()
		return fmt.Errorf("serve: %w", err)
	}
	<-shutdownDone
	return nil
}

// shutdown runs the ordered drain sequence.
func (s *Server) shutdown() {
	slog.Info("hub shutting down...")

	// 1. Reject new connections.
	s.draining.Store(true)

	// 2. Announce shutdown to every connected client.
	notice := wire.New(wire.TypeHubShutdown).
		Set("reason", "shutting_down").
		Set("code", wire.CodeHubShuttingDown)
	for _, c := range s.snapshotConns() {
		_ = c.Send(notice)
	}

	// 3. Drain in-flight HTTP and websocket traffic.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	for _, c := range s.snapshotConns() {
		c.Close(websocket.StatusNormalClosure, "hub shutting down")
	}
	_ = s.server.Shutdown(shutdownCtx)
	if s.health != nil {
		_ = s.health.Shutdown(shutdownCtx)
	}

	// 4. Ordered cleanup: snapshot the operation table, close stores.
	s.cleanup.RunAll(context.Background())
}

func (s *Server) closeStores() {
	if s.audit != nil {
		_ = s.audit.Close()
	}
}

// handleWS accepts one websocket and runs its read loop to completion.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // loopback only; extensions send browser origins
	})
	if err != nil {
		slog.Debug("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	cid := s.connSeq.Add(1)
	c := conn.New(cid, ws, r.RemoteAddr)
	s.addConn(c)
	metrics.ConnectionsTotal.Inc()
	defer func() {
		s.removeConn(cid)
		s.router.HandleDisconnect(c)
		c.CloseNow()
	}()

	_ = c.Send(wire.New(wire.TypeWelcome).
		Set("assignedId", fmt.Sprintf("conn-%d", cid)).
		Set("hub", wire.HubInfo{Version: wire.ProtocolVersion, Port: s.cfg.HubPort}))

	slog.Debug("connection opened", "conn_id", cid, "remote", r.RemoteAddr)
	err = c.ReadLoop(r.Context(), s.cfg.MaxPayloadBytes, func(f wire.Frame) {
		s.router.HandleFrame(r.Context(), c, f)
	})
	if err != nil && websocket.CloseStatus(err) == -1 && !s.draining.Load() {
		slog.Debug("read loop ended", "conn_id", cid, "error", err)
	}
}

// keepaliveLoop pings every connection on the configured cadence. A
// failed ping marks the connection not live; the watchdog decides later.
func (s *Server) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range s.snapshotConns() {
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := c.Ping(pingCtx); err != nil {
					logging.Verbose("ping failed", "conn_id", c.ID(), "error", err)
				}
				cancel()
			}
		}
	}
}

// watchdogLoop terminates connections that are both not live and idle
// past the threshold, and prunes the router's stale routes.
func (s *Server) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, c := range s.snapshotConns() {
				if !c.Live() && now.Sub(c.LastActivity()) > deadAfter {
					slog.Warn("terminating dead connection",
						"conn_id", c.ID(), "idle", now.Sub(c.LastActivity()).Round(time.Second))
					metrics.DeadConnectionsTotal.Inc()
					c.CloseNow()
				}
			}
			if pruned := s.router.PruneRoutes(); pruned > 0 {
				slog.Debug("pruned stale routes", "count", pruned)
			}
		}
	}
}

func (s *Server) addConn(c *conn.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ID()] = c
}

func (s *Server) removeConn(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

func (s *Server) snapshotConns() []*conn.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// handleHealth reports hub state for supervisors and the adjacent
// health listener.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := "running"
	if s.draining.Load() {
		state = "draining"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"state":           state,
		"uptime":          time.Since(s.startAt).Round(time.Second).String(),
		"clientCount":     s.reg.RequesterCount(),
		"operationsCount": s.ops.Count(),
	})
}

// startHealthServer serves /healthz on the adjacent health port.
func (s *Server) startHealthServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	s.health = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", s.cfg.HealthPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("health endpoint listening", "port", s.cfg.HealthPort)
		if err := s.health.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("health endpoint failed", "error", err)
		}
	}()
}

// bindError classifies a listen failure into the protocol's resource
// error codes so discovery can react to "address in use" specifically.
func bindError(port int, err error) error {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return wire.NewError(wire.CodePortInUse,
			fmt.Sprintf("port %d is already in use", port))
	case errors.Is(err, syscall.EACCES):
		return wire.NewError(wire.CodePortPermissionDenied,
			fmt.Sprintf("binding port %d was denied", port))
	default:
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
}
