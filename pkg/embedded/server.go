// Package embedded runs an envbook server in-process, for tools and
// integration tests that want a live booking API without a separate binary.
package embedded

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mistakeknot/envbook/internal/app"
	"github.com/mistakeknot/envbook/internal/auth"
	"github.com/mistakeknot/envbook/internal/config"
	"github.com/mistakeknot/envbook/internal/reconcile"
	"github.com/mistakeknot/envbook/internal/server"
)

// Config configures the embedded server.
type Config struct {
	// DBPath is the path to the SQLite database file.
	// If empty, defaults to ~/.envbook/envbook.db
	DBPath string

	// Addr is the TCP address to listen on. Defaults to 127.0.0.1:7338.
	// Use 127.0.0.1:0 for an ephemeral port.
	Addr string

	// KeysFile enables API key authentication. When empty only localhost
	// callers are admitted, identified by the X-User-ID and X-User-Role headers.
	KeysFile string

	// DisableSweeps leaves the status, conflict and reminder sweeps off.
	// RunSweeps still runs them on demand.
	DisableSweeps bool

	Logger *slog.Logger
}

// Server is an embedded envbook server.
type Server struct {
	app   *app.App
	http  *server.Server
	sched *reconcile.Scheduler
	sweep bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan error
}

// New opens the database and binds the listener. Nothing is served until Start.
func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".envbook", "envbook.db")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7338"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	settings := config.Default()
	settings.Addr = cfg.Addr
	settings.DBPath = cfg.DBPath
	settings.KeysFile = cfg.KeysFile

	ring, err := auth.LoadKeyring(cfg.KeysFile)
	if err != nil {
		return nil, fmt.Errorf("load auth: %w", err)
	}
	a, err := app.New(settings, cfg.Logger)
	if err != nil {
		return nil, err
	}
	if err := a.SyncUsers(context.Background(), ring); err != nil {
		a.Close()
		return nil, err
	}
	sched, err := a.Scheduler()
	if err != nil {
		a.Close()
		return nil, err
	}
	srv, err := server.New(server.Config{
		Addr:    cfg.Addr,
		Handler: a.Handler(ring),
		Logger:  cfg.Logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("server init: %w", err)
	}

	return &Server{app: a, http: srv, sched: sched, sweep: !cfg.DisableSweeps}, nil
}

// Start serves in a goroutine and starts the sweeps. It is a no-op when
// already started.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.sweep {
		s.sched.Start(ctx)
	}
	s.done = make(chan error, 1)
	go func() { s.done <- s.http.Start() }()
	return nil
}

// Stop shuts the listener down gracefully, stops the sweeps and closes the
// database.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		_ = s.http.Shutdown(context.Background())
		return s.app.Close()
	}
	s.started = false
	s.cancel()
	if s.sweep {
		s.sched.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	if serveErr := <-s.done; err == nil {
		err = serveErr
	}
	if closeErr := s.app.Close(); err == nil {
		err = closeErr
	}
	return err
}

// RunSweeps runs every sweep once at now and reports per-task item counts.
func (s *Server) RunSweeps(ctx context.Context, now time.Time) (map[string]int, error) {
	out := make(map[string]int)
	var firstErr error
	for _, r := range s.sched.RunAll(ctx, now) {
		if r.Err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", r.Task, r.Err)
			}
			continue
		}
		out[r.Task] = r.Items
	}
	return out, firstErr
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.http.Addr()
}

// URL returns the base URL for the server.
func (s *Server) URL() string {
	return "http://" + s.http.Addr()
}
