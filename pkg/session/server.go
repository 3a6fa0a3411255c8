package session

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pulsedb/pulse/pkg/commit"
	"github.com/pulsedb/pulse/pkg/log"
	"github.com/pulsedb/pulse/pkg/metrics"
	"github.com/pulsedb/pulse/pkg/runtime"
	"github.com/pulsedb/pulse/pkg/runtime/modules"
	"github.com/pulsedb/pulse/pkg/subscribe"
)

// Server accepts WebSocket connections and spawns a Worker per client,
// the sync-worker listener side of C8.
type Server struct {
	idProv    IdentityProvider
	subs      *subscribe.Manager
	host      *runtime.Host
	modules   *modules.Store
	committer *commit.Coordinator
	env       EnvAdmin
	cfg       Config

	upgrader websocket.Upgrader
	http     *http.Server

	// baseCtx outlives any single HTTP request: net/http cancels a
	// request's context as soon as its handler returns, but Upgrade
	// hijacks the connection and hands it to a goroutine that keeps
	// running long after handleUpgrade has returned.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	workers map[*Worker]struct{}
}

// NewServer constructs the sync-worker listener.
func NewServer(idProv IdentityProvider, subs *subscribe.Manager, host *runtime.Host, mods *modules.Store, committer *commit.Coordinator, env EnvAdmin, cfg Config) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		idProv:    idProv,
		subs:      subs,
		host:      host,
		modules:   mods,
		committer: committer,
		env:       env,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		baseCtx:    baseCtx,
		cancelBase: cancel,
		workers:    make(map[*Worker]struct{}),
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	worker := NewWorker(conn, s.idProv, s.subs, s.host, s.modules, s.committer, s.env, s.cfg)
	s.trackWorker(worker)
	metrics.ActiveSessions.Inc()
	go func() {
		defer s.untrackWorker(worker)
		worker.Run(s.baseCtx)
	}()
}

func (s *Server) trackWorker(w *Worker) {
	s.mu.Lock()
	s.workers[w] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackWorker(w *Worker) {
	s.mu.Lock()
	delete(s.workers, w)
	s.mu.Unlock()
}

// Start listens on addr and serves WebSocket upgrades at /sync until Stop
// is called.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleUpgrade)
	mux.Handle("/metrics", metrics.Handler())

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("session: failed to listen: %w", err)
	}
	s.http = &http.Server{Handler: mux}

	logger := log.WithComponent("session")
	logger.Info().Str("addr", addr).Msg("sync worker listening")
	return s.http.Serve(lis)
}

// Stop shuts the HTTP listener down, waiting up to the given timeout for
// in-flight upgrades to drain.
func (s *Server) Stop(timeout time.Duration) error {
	s.cancelBase()
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
