// Package app wires the Outdial subsystems together: storage, telephony
// adapters, the voice engine, the dial scheduler, the call orchestrator, and
// the HTTP surface they share.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/telroute/outdial/internal/agent"
	"github.com/telroute/outdial/internal/agent/realtime"
	"github.com/telroute/outdial/internal/bridge"
	"github.com/telroute/outdial/internal/config"
	"github.com/telroute/outdial/internal/health"
	"github.com/telroute/outdial/internal/media"
	"github.com/telroute/outdial/internal/monitor"
	"github.com/telroute/outdial/internal/observe"
	"github.com/telroute/outdial/internal/orchestrator"
	"github.com/telroute/outdial/internal/scheduler"
	"github.com/telroute/outdial/internal/scheduler/healthgate"
	"github.com/telroute/outdial/internal/store"
	"github.com/telroute/outdial/internal/webhook"
	"github.com/telroute/outdial/pkg/telephony"
	"github.com/telroute/outdial/pkg/telephony/telnyx"
	"github.com/telroute/outdial/pkg/telephony/twilio"
)

// App owns all subsystem lifetimes. New wires everything, Run serves until
// the context is cancelled, Shutdown drains in reverse-init order.
type App struct {
	cfg *config.Config
	log *slog.Logger

	store     store.Store
	providers []telephony.Provider
	active    telephony.Provider
	engine    agent.Engine
	bridges   *bridge.Registry
	gate      *healthgate.Gate
	sched     *scheduler.Scheduler
	orch      *orchestrator.Orchestrator
	metrics   *observe.Metrics
	srv       *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of building one from config.
func WithStore(st store.Store) Option {
	return func(a *App) { a.store = st }
}

// WithEngine injects a voice engine instead of dialing the real one.
func WithEngine(e agent.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithProviders injects telephony adapters instead of building them from
// config. The first entry becomes the active dialing provider.
func WithProviders(providers ...telephony.Provider) Option {
	return func(a *App) {
		a.providers = providers
		if len(providers) > 0 {
			a.active = providers[0]
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: telemetry, storage, telephony adapters, the voice engine, the
// health gate, the scheduler, the orchestrator, and the HTTP mux are all
// ready when New returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	a.initEngine()
	a.bridges = bridge.NewRegistry()

	if err := a.initScheduler(); err != nil {
		return nil, fmt.Errorf("app: init scheduler: %w", err)
	}
	if err := a.initOrchestrator(); err != nil {
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}
	if err := a.initHTTP(); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	return a, nil
}

// initTelemetry sets up the OpenTelemetry providers and the metric set.
func (a *App) initTelemetry(ctx context.Context) error {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, shutdown)

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initStore connects PostgreSQL when a DSN is configured and falls back to
// the in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		a.log.Warn("no postgres_dsn configured, using in-memory store")
		a.store = store.NewMemory()
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	pg := store.NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	a.store = pg
	a.closers = append(a.closers, func(context.Context) error {
		pool.Close()
		return nil
	})
	a.log.Info("postgres store ready")
	return nil
}

// initProviders builds every telephony adapter with credentials and marks
// the configured one active. All adapters accept webhooks so in-flight calls
// survive a provider switch; only the active one places new calls.
func (a *App) initProviders() error {
	if len(a.providers) > 0 {
		return nil
	}

	if tw := a.cfg.Providers.Twilio; tw.AccountSID != "" && tw.AuthToken != "" {
		p, err := twilio.New(tw.AccountSID, tw.AuthToken)
		if err != nil {
			return fmt.Errorf("twilio: %w", err)
		}
		p.ConfigureAMD(telephony.AMDConfig{Enabled: true, DetectMessageEnd: true})
		a.providers = append(a.providers, p)
		if a.cfg.Providers.Active == config.ProviderTwilio {
			a.active = p
		}
	}
	if tx := a.cfg.Providers.Telnyx; tx.APIKey != "" && tx.ConnectionID != "" {
		p, err := telnyx.New(tx.APIKey, tx.ConnectionID)
		if err != nil {
			return fmt.Errorf("telnyx: %w", err)
		}
		p.ConfigureAMD(telephony.AMDConfig{Enabled: true, DetectMessageEnd: true})
		a.providers = append(a.providers, p)
		if a.cfg.Providers.Active == config.ProviderTelnyx {
			a.active = p
		}
	}

	if a.active == nil {
		return fmt.Errorf("active provider %q has no credentials", a.cfg.Providers.Active)
	}
	for _, p := range a.providers {
		a.log.Info("telephony adapter ready",
			"provider", p.Name(),
			"active", p == a.active,
		)
	}
	return nil
}

func (a *App) initEngine() {
	if a.engine != nil {
		return
	}
	var opts []realtime.Option
	if a.cfg.Engine.Model != "" {
		opts = append(opts, realtime.WithModel(a.cfg.Engine.Model))
	}
	if a.cfg.Engine.BaseURL != "" {
		opts = append(opts, realtime.WithBaseURL(a.cfg.Engine.BaseURL))
	}
	a.engine = realtime.New(a.cfg.Engine.APIKey, opts...)
}

// initScheduler builds the health gate and the dial loop around it.
func (a *App) initScheduler() error {
	probers := make([]healthgate.Prober, len(a.providers))
	for i, p := range a.providers {
		probers[i] = p
	}
	a.gate = healthgate.New(probers, a.store, healthgate.Config{
		Interval:         a.cfg.Health.Interval,
		ProbeTimeout:     a.cfg.Health.ProbeTimeout,
		FailureThreshold: a.cfg.Health.FailureThreshold,
	}, a.log)

	streamURL, err := deriveURL(a.cfg.Server.PublicURL, "/media/"+a.active.Name(), true)
	if err != nil {
		return err
	}
	callbackURL, err := deriveURL(a.cfg.Server.PublicURL, "/webhooks/"+a.active.Name(), false)
	if err != nil {
		return err
	}

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(a.log),
		scheduler.WithMetrics(a.metrics),
	}
	if a.cfg.Scheduler.RetryDelay > 0 {
		schedOpts = append(schedOpts, scheduler.WithDelayPolicy(scheduler.FixedDelay{Delay: a.cfg.Scheduler.RetryDelay}))
	}
	sched, err := scheduler.New(a.store, a.active, a.gate, scheduler.Config{
		Interval:    a.cfg.Scheduler.Interval,
		BatchSize:   a.cfg.Scheduler.BatchSize,
		MaxAttempts: a.cfg.Scheduler.MaxAttempts,
		CallerID:    a.cfg.Scheduler.CallerID,
		StreamURL:   streamURL,
		CallbackURL: callbackURL,
		RingTimeout: a.cfg.Scheduler.RingTimeout,
		Hours:       a.cfg.Scheduler.CallingHours,
		Record:      a.cfg.Scheduler.Record,
	}, schedOpts...)
	if err != nil {
		return err
	}
	a.sched = sched
	return nil
}

func (a *App) initOrchestrator() error {
	orch, err := orchestrator.New(a.store, a.active, a.bridges, a.sched, a.cfg.Script,
		orchestrator.WithLogger(a.log),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithVoice(a.cfg.Engine.Voice),
	)
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// initHTTP assembles the mux: vendor webhooks, vendor media streams, monitor
// taps, health probes, and the Prometheus scrape endpoint.
func (a *App) initHTTP() error {
	mux := http.NewServeMux()

	wh, err := webhook.New(a.orch, a.store, a.providers,
		webhook.WithLogger(a.log),
		webhook.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	wh.Register(mux)

	ms, err := media.New(a.engine, a.orch, a.orch, a.bridges,
		media.WithLogger(a.log),
		media.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	ms.Register(mux)

	mon, err := monitor.New(a.bridges,
		monitor.WithLogger(a.log),
		monitor.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	mon.Register(mux)

	checkers := []health.Checker{health.StoreChecker(a.store)}
	for _, p := range a.providers {
		checkers = append(checkers, health.ProviderChecker(p))
	}
	health.New(checkers...).WithGate(a.gate).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.srv = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// SetScript swaps the qualification script used for new calls.
func (a *App) SetScript(s agent.Script) { a.orch.SetScript(s) }

// SetHours swaps the calling-hours window for subsequent scheduler passes.
func (a *App) SetHours(h scheduler.CallingHours) error { return a.sched.SetHours(h) }

// Gate exposes the dialing gate, e.g. for an operator pause switch.
func (a *App) Gate() *healthgate.Gate { return a.gate }

// Run starts the HTTP server, the provider health probe loop, and the dial
// scheduler, then blocks until ctx is cancelled or a subsystem fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.gate.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return a.sched.Run(ctx)
	})

	a.log.Info("outdial running",
		"listen_addr", a.srv.Addr,
		"provider", a.active.Name(),
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown drains in-flight work and tears down subsystems in reverse-init
// order. It respects the context deadline: if ctx expires before all closers
// finish, the remaining closers are skipped and the context error returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		// Force any live bridges closed so their results land before the
		// store goes away, then wait for in-flight dial attempts.
		a.bridges.CloseAll()
		a.sched.Wait()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// deriveURL rebases the public base URL onto path. When ws is true the
// scheme is switched to the websocket equivalent, which is what vendors
// expect for media stream targets.
func deriveURL(base, path string, ws bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse public_url %q: %w", base, err)
	}
	if ws {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		case "http":
			u.Scheme = "ws"
		}
	}
	u.Path = path
	return u.String(), nil
}
