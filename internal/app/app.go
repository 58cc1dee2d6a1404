// Package app wires all fablevoice subsystems into a running server.
//
// New builds the provider chain, the stores, the voice manager and the
// narrator from the config; Run serves HTTP and drives the monthly quota
// reset until its context is cancelled; Shutdown releases the stores.
//
// For testing, inject doubles via functional options (WithProvider,
// WithRegistry, WithLedger, WithObjectStore). When an option is not provided,
// New creates the real implementation selected by the config.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/fablevoice/internal/api"
	"github.com/MrWong99/fablevoice/internal/config"
	"github.com/MrWong99/fablevoice/internal/health"
	"github.com/MrWong99/fablevoice/internal/narration"
	"github.com/MrWong99/fablevoice/internal/observe"
	"github.com/MrWong99/fablevoice/internal/resilience"
	"github.com/MrWong99/fablevoice/internal/voiceclone"
	"github.com/MrWong99/fablevoice/pkg/objectstore"
	"github.com/MrWong99/fablevoice/pkg/provider/voice"
)

const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	level   *slog.LevelVar
	metrics *observe.Metrics

	provider voice.Provider
	breaker  *resilience.VoiceBreaker
	registry voiceclone.Registry
	ledger   narration.Ledger
	objects  objectstore.Store

	gateway   *objectstore.Gateway
	manager   *voiceclone.Manager
	narrator  *narration.Narrator
	scheduler *narration.Scheduler
	handler   http.Handler

	checkers []health.Checker

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects the synthesis provider instead of creating one from
// the registry. It is still wrapped with metrics and the circuit breaker.
func WithProvider(p voice.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithRegistry injects the voice registry instead of opening the configured
// store.
func WithRegistry(r voiceclone.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithLedger injects the narration ledger instead of opening the configured
// store.
func WithLedger(l narration.Ledger) Option {
	return func(a *App) { a.ledger = l }
}

// WithObjectStore injects the object store backend.
func WithObjectStore(s objectstore.Store) Option {
	return func(a *App) { a.objects = s }
}

// WithLevelVar lets config reloads change the level of the process logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. providers resolves
// cfg.Provider.Name unless a provider is injected.
func New(ctx context.Context, cfg *config.Config, providers *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(SlogLevel(cfg.Server.LogLevel))
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initProvider(providers); err != nil {
		return nil, fmt.Errorf("app: init provider: %w", err)
	}
	if err := a.initStores(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init stores: %w", err)
	}
	if err := a.initObjectStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init object store: %w", err)
	}

	a.manager = voiceclone.NewManager(a.registry, a.provider,
		voiceclone.WithCapacity(cfg.Voices.Capacity),
		voiceclone.WithInsertAttempts(cfg.Voices.InsertAttempts),
		voiceclone.WithMetrics(a.metrics),
	)
	a.narrator = narration.NewNarrator(a.ledger, a.provider, a.gateway,
		narration.WithMonthlyLimit(cfg.Narration.MonthlyLimitMinutes),
		narration.WithCharsPerFiveMinutes(cfg.Narration.CharsPerFiveMinutes),
		narration.WithMaxTextChars(cfg.Narration.MaxTextChars),
		narration.WithAudioURLTTL(cfg.Narration.AudioURLTTL),
		narration.WithMetrics(a.metrics),
	)
	if !cfg.Narration.DisableResetScheduler {
		a.scheduler = narration.NewScheduler(a.narrator)
	}

	a.checkers = append(a.checkers, health.Checker{
		Name:     "provider",
		Optional: true,
		Check: func(context.Context) error {
			if s := a.breaker.Breaker().State(); s != resilience.StateClosed {
				return fmt.Errorf("circuit breaker %s", s)
			}
			return nil
		},
	})
	a.handler = a.buildHandler()

	slog.Info("app initialised",
		"provider", cfg.Provider.Name,
		"store", cfg.Store.Backend,
		"object_store", cfg.ObjectStore.Backend,
		"voice_capacity", a.manager.Capacity(),
		"monthly_limit_minutes", a.narrator.MonthlyLimit(),
	)
	return a, nil
}

// initProvider builds provider → breaker → metrics. Breaker fast-fails are
// counted by the instrumentation as provider errors.
func (a *App) initProvider(providers *config.Registry) error {
	raw := a.provider
	if raw == nil {
		if providers == nil {
			return errors.New("no provider registry and no injected provider")
		}
		p, err := providers.Create(a.cfg.Provider)
		if err != nil {
			return err
		}
		raw = p
	}

	b := a.cfg.Provider.Breaker
	a.breaker = resilience.NewVoiceBreaker(raw, resilience.CircuitBreakerConfig{
		Name:         "provider:" + a.cfg.Provider.Name,
		MaxFailures:  b.MaxFailures,
		ResetTimeout: b.ResetTimeout,
		HalfOpenMax:  b.HalfOpenMax,
		OnStateChange: func(name string, from, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			slog.Warn("provider circuit breaker changed state", "breaker", name, "from", from, "to", to)
		},
	})
	a.provider = observe.InstrumentProvider(a.breaker, a.cfg.Provider.Name, a.metrics)
	return nil
}

func (a *App) initStores(ctx context.Context) error {
	if a.registry != nil && a.ledger != nil {
		return nil
	}
	st, err := OpenStores(ctx, a.cfg.Store)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, st.Close)
	if a.registry == nil {
		a.registry = st.Registry
	}
	if a.ledger == nil {
		a.ledger = st.Ledger
	}
	if st.Ping != nil {
		a.checkers = append(a.checkers, health.Checker{Name: "database", Check: st.Ping})
	}
	return nil
}

func (a *App) initObjectStore(ctx context.Context) error {
	oc := a.cfg.ObjectStore
	signer, err := objectstore.NewSigner(oc.PublicBaseURL, []byte(oc.SigningKey))
	if err != nil {
		return err
	}
	if a.objects == nil {
		st, err := OpenObjectStore(ctx, oc)
		if err != nil {
			return err
		}
		a.objects = st.Store
		a.closers = append(a.closers, st.Close)
		if st.Ping != nil {
			a.checkers = append(a.checkers, health.Checker{Name: "object_store", Check: st.Ping})
		}
	}
	a.gateway = objectstore.NewGateway(a.objects, signer)
	return nil
}

func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()
	api.New(a.manager, a.narrator, a.gateway, api.WithAPIToken(a.cfg.Server.APIToken)).Register(mux)
	mux.Handle("/objects/", objectstore.NewHandler(a.gateway, a.cfg.ObjectStore.MaxUploadBytes))
	health.New(a.checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the complete HTTP handler: API, signed object URLs, probes
// and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Narrator returns the narration service.
func (a *App) Narrator() *narration.Narrator { return a.narrator }

// Manager returns the voice lifecycle manager.
func (a *App) Manager() *voiceclone.Manager { return a.manager }

// Run serves HTTP on cfg.Server.ListenAddr and runs the quota reset
// scheduler. It blocks until ctx is cancelled, then drains in-flight requests
// within cfg.Server.ShutdownTimeout.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tls := a.cfg.Server.TLS
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", tls.Enabled())
		var err error
		if tls.Enabled() {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return nil
	})
	if a.scheduler != nil {
		g.Go(func() error {
			if err := a.scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		return fmt.Errorf("app: serve: %w", err)
	}
	return ctx.Err()
}

// ApplyConfig applies a reloaded config. The log level and the monthly quota
// change immediately; other changes are logged and need a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.MonthlyLimitChanged {
		a.narrator.SetMonthlyLimit(d.NewMonthlyLimit)
		slog.Info("monthly narration limit changed", "minutes", d.NewMonthlyLimit)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// Shutdown releases stores and connections in reverse-init order. It
// respects the context deadline: remaining closers are skipped once ctx
// expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = err
				return
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	_ = a.Shutdown(context.Background())
}

// SlogLevel converts a config log level to a slog level. Unknown values map
// to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
