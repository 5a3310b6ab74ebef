// Package app wires the RedZone subsystems into a running server.
//
// The App struct owns the full lifecycle: New opens the alert stores and
// builds the device registry, Run serves HTTP and runs the background loops
// (zone hot reload, outbox replay), and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithStore,
// WithOutbox, WithClock). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SATYAM-KS/ClockTower/internal/access"
	"github.com/SATYAM-KS/ClockTower/internal/alert"
	"github.com/SATYAM-KS/ClockTower/internal/alert/postgres"
	"github.com/SATYAM-KS/ClockTower/internal/alert/sqlite"
	"github.com/SATYAM-KS/ClockTower/internal/config"
	"github.com/SATYAM-KS/ClockTower/internal/health"
	"github.com/SATYAM-KS/ClockTower/internal/observe"
	"github.com/SATYAM-KS/ClockTower/internal/timeutil"
	"github.com/SATYAM-KS/ClockTower/internal/zone"
)

// LocalOutbox is the local fallback store for alerts.
type LocalOutbox interface {
	alert.Outbox

	// Len returns the number of undelivered alerts.
	Len(ctx context.Context) (int, error)
}

var _ LocalOutbox = (*sqlite.Outbox)(nil)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	cfgPath  string
	log      *slog.Logger
	logLevel *slog.LevelVar
	clock    timeutil.Clock
	metrics  *observe.Metrics

	// Subsystems; initialised in New, torn down in Shutdown.
	store      alert.Store
	outbox     LocalOutbox
	dispatcher *alert.Dispatcher
	admins     *access.AdminCache
	manager    *SessionManager
	health     *health.Handler
	watcher    *config.Watcher
	dbPing     func(ctx context.Context) error

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects the primary alert store instead of connecting to
// Postgres.
func WithStore(s alert.Store) Option {
	return func(a *App) { a.store = s }
}

// WithOutbox injects the local outbox instead of opening SQLite.
func WithOutbox(o LocalOutbox) Option {
	return func(a *App) { a.outbox = o }
}

// WithConfigPath enables hot reload of the file the config was loaded from.
func WithConfigPath(path string) Option {
	return func(a *App) { a.cfgPath = path }
}

// WithLogLevel lets a hot reload change the level of the running logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithClock replaces the wall clock for every subsystem.
func WithClock(c timeutil.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It connects to the
// alert database when one is configured and opens the outbox; either may be
// injected instead.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		log:   slog.Default(),
		clock: timeutil.Real{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Alert store ──────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Outbox ───────────────────────────────────────────────────────
	if err := a.initOutbox(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init outbox: %w", err)
	}

	// ── 3. Dispatcher ───────────────────────────────────────────────────
	if err := a.initDispatcher(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init dispatcher: %w", err)
	}

	// ── 4. Admin cache ──────────────────────────────────────────────────
	a.initAdmins()

	// ── 5. Device registry ──────────────────────────────────────────────
	a.manager = NewSessionManager(SessionManagerConfig{
		Zones:  zone.NewSet(cfg.ZoneList()),
		Sender: a.dispatcher,
		Controller: ControllerConfig{
			Monitor:     cfg.MonitorSettings(),
			SafetyCheck: cfg.SafetyCheckSettings(),
			RateLimit:   cfg.Alerts.RateLimit,
		},
		Clock:   a.clock,
		Logger:  a.log,
		Metrics: a.metrics,
	})
	a.closers = append(a.closers, func() error {
		a.manager.CloseAll()
		return nil
	})

	// ── 6. Health ───────────────────────────────────────────────────────
	a.health = health.New(a.checkers()...)

	// ── 7. Config watcher ───────────────────────────────────────────────
	if a.cfgPath != "" {
		w, err := config.NewWatcher(a.cfgPath, a.onConfigChange, config.WithWatcherLogger(a.log))
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: init watcher: %w", err)
		}
		a.watcher = w
	}

	a.log.Info("app initialised",
		"zones", a.manager.Zones().Len(),
		"database", a.store != nil,
		"outbox", a.outbox != nil,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to Postgres unless a store was injected. An
// unreachable database is fatal only when there is no outbox to fall back
// on.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		return nil
	}

	pool, err := postgres.Connect(ctx, dsn)
	if err != nil {
		if a.cfg.Outbox.Path == "" && a.outbox == nil {
			return err
		}
		a.log.Warn("alert database unreachable, alerts go to the outbox until restart", "err", err)
		return nil
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	store := postgres.NewStore(pool, a.log)
	if a.cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}
	a.store = store
	a.dbPing = pool.Ping
	return nil
}

// initOutbox opens the SQLite outbox unless one was injected.
func (a *App) initOutbox() error {
	if a.outbox != nil || a.cfg.Outbox.Path == "" {
		return nil
	}
	ob, err := sqlite.Open(a.cfg.Outbox.Path)
	if err != nil {
		return err
	}
	a.outbox = ob
	a.closers = append(a.closers, ob.Close)
	return nil
}

func (a *App) initDispatcher() error {
	var primary alert.Sender
	if a.store != nil {
		primary = a.store
	}
	opts := []alert.Option{
		alert.WithBreaker(a.cfg.BreakerSettings()),
		alert.WithMetrics(a.metrics),
		alert.WithClock(a.clock),
		alert.WithLogger(a.log),
	}
	if a.outbox != nil {
		opts = append(opts, alert.WithOutbox(a.outbox))
	}
	d, err := alert.NewDispatcher(primary, opts...)
	if err != nil {
		return err
	}
	a.dispatcher = d
	return nil
}

// initAdmins builds the admin cache. Without a database nobody is an admin.
func (a *App) initAdmins() {
	var lookup access.Lookup = noAdmins{}
	if a.store != nil {
		lookup = a.store
	}
	a.admins = access.NewAdminCache(lookup,
		access.WithTTL(a.cfg.Admin.CacheTTL),
		access.WithClock(a.clock),
	)
}

type noAdmins struct{}

func (noAdmins) IsActiveAdmin(context.Context, string) (bool, error) { return false, nil }

func (a *App) checkers() []health.Checker {
	cs := []health.Checker{{
		Name: "zones",
		Check: func(context.Context) error {
			if a.manager.Zones().Len() == 0 {
				return errors.New("no zones loaded")
			}
			return nil
		},
	}}
	if a.dbPing != nil {
		cs = append(cs, health.Checker{
			Name:     "database",
			Check:    a.dbPing,
			Optional: a.outbox != nil,
		})
	}
	if a.outbox != nil {
		cs = append(cs, health.Checker{
			Name: "outbox",
			Check: func(ctx context.Context) error {
				_, err := a.outbox.Len(ctx)
				return err
			},
		})
	}
	return cs
}

// onConfigChange applies the hot-reloadable parts of a new config.
func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.ZonesChanged {
		for _, zd := range d.ZoneChanges {
			a.log.Info("zone changed", "id", zd.ID, "added", zd.Added, "removed", zd.Removed,
				"renamed", zd.NameChanged, "moved", zd.AreaChanged)
		}
		a.manager.ReplaceZones(new.ZoneList())
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(config.SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RestartRequired {
		a.log.Warn("config change requires a restart to take effect")
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Manager returns the device registry.
func (a *App) Manager() *SessionManager { return a.manager }

// Store returns the primary alert store, or nil when no database is in use.
func (a *App) Store() alert.Store { return a.store }

// Sender returns the alert dispatcher.
func (a *App) Sender() alert.Sender { return a.dispatcher }

// Admins returns the admin cache.
func (a *App) Admins() *access.AdminCache { return a.admins }

// Health returns the health handler.
func (a *App) Health() *health.Handler { return a.health }

// Metrics returns the metrics sink.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves h on the configured listen address and runs the background
// loops until ctx is cancelled or one of them fails. A clean shutdown
// returns nil.
func (a *App) Run(ctx context.Context, h http.Handler) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln, h)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server listening", "addr", ln.Addr().String())
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.manager.CloseAll()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	if a.store != nil && a.outbox != nil {
		g.Go(func() error { return a.dispatcher.RunFlusher(gctx, a.cfg.Outbox.FlushInterval) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		// Flush what the outbox holds while the database is still open.
		if a.store != nil && a.outbox != nil {
			if n, err := a.dispatcher.Flush(ctx); err != nil {
				a.log.Warn("final outbox flush failed", "delivered", n, "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers collected so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			a.log.Warn("closer error", "err", err)
		}
	}
}
