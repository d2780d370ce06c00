// Package app wires the store, services, reconciler and HTTP router from a
// loaded config. The CLI and the embedded server share it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mistakeknot/envbook/internal/auth"
	"github.com/mistakeknot/envbook/internal/booking"
	"github.com/mistakeknot/envbook/internal/config"
	"github.com/mistakeknot/envbook/internal/conflict"
	httpapi "github.com/mistakeknot/envbook/internal/http"
	"github.com/mistakeknot/envbook/internal/metrics"
	"github.com/mistakeknot/envbook/internal/notify"
	"github.com/mistakeknot/envbook/internal/reconcile"
	"github.com/mistakeknot/envbook/internal/storage/sqlite"
	"github.com/mistakeknot/envbook/internal/ws"
)

type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Store     *sqlite.ResilientStore
	Hub       *ws.Hub
	Emitter   *notify.Emitter
	Bookings  *booking.Service
	Conflicts *conflict.Service
	Sweeps    *reconcile.Sweeps
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := sqlite.New(cfg.DBPath, sqlite.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}
	m := metrics.New()
	breaker := sqlite.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset).
		OnStateChange(func(from, to sqlite.BreakerState) {
			m.BreakerState(int(to))
			logger.Warn("store circuit breaker", "from", from.String(), "to", to.String())
		})
	store := sqlite.NewResilientWithBreaker(raw, breaker)

	hub := ws.NewHub(logger)
	emitter := notify.NewEmitter(store, logger).WithBroadcaster(hub)
	bookings := booking.NewService(store, logger).
		WithNotifier(emitter).
		WithBroadcaster(hub).
		WithMetrics(m)
	conflicts := conflict.NewService(store, logger).RequireManager(cfg.ResolveRequiresManager)
	sweeps := reconcile.NewSweeps(store, cfg.Intervals(), logger).
		WithNotifier(emitter).
		WithBroadcaster(hub).
		WithMetrics(m)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Metrics:   m,
		Store:     store,
		Hub:       hub,
		Emitter:   emitter,
		Bookings:  bookings,
		Conflicts: conflicts,
		Sweeps:    sweeps,
	}, nil
}

// SyncUsers copies the keyring identities into the users table so approval
// fan-out and reminders can see them.
func (a *App) SyncUsers(ctx context.Context, ring *auth.Keyring) error {
	for _, u := range ring.Users() {
		if _, err := a.Store.UpsertUser(ctx, u); err != nil {
			return fmt.Errorf("sync user %d: %w", u.ID, err)
		}
	}
	return nil
}

// Scheduler returns a scheduler with every sweep registered. It is not started.
func (a *App) Scheduler(opts ...reconcile.Option) (*reconcile.Scheduler, error) {
	opts = append([]reconcile.Option{
		reconcile.WithResolution(a.Config.Resolution),
		reconcile.WithMetrics(a.Metrics),
	}, opts...)
	s := reconcile.NewScheduler(a.Logger, opts...)
	if err := a.Sweeps.Register(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler is the full API behind ring's authentication.
func (a *App) Handler(ring *auth.Keyring) http.Handler {
	svc := httpapi.NewService(a.Bookings, a.Conflicts, a.Emitter, a.Store, a.Logger).
		WithHealth(a.Store).
		WithMetrics(a.Metrics)
	return httpapi.NewRouter(svc, a.Hub, auth.Middleware(ring))
}

func (a *App) Close() error {
	return a.Store.Close()
}
