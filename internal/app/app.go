// Package app wires the call bridge subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the call log, the
// call-control adapter, the responder, and the HTTP routes; Run serves until
// the context is cancelled; Shutdown drains live calls and releases
// resources in order.
//
// For testing, inject doubles via functional options (WithCallLog,
// WithCallUpdater, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dialtone/internal/call"
	"github.com/MrWong99/dialtone/internal/callcontrol"
	"github.com/MrWong99/dialtone/internal/calllog"
	"github.com/MrWong99/dialtone/internal/config"
	"github.com/MrWong99/dialtone/internal/health"
	"github.com/MrWong99/dialtone/internal/mediastream"
	"github.com/MrWong99/dialtone/internal/observe"
	"github.com/MrWong99/dialtone/internal/pacing"
	"github.com/MrWong99/dialtone/internal/recognizer"
	"github.com/MrWong99/dialtone/internal/resilience"
	"github.com/MrWong99/dialtone/internal/responder"
	"github.com/MrWong99/dialtone/pkg/provider/llm"
	"github.com/MrWong99/dialtone/pkg/provider/stt"
	"github.com/MrWong99/dialtone/pkg/provider/vad"
	"github.com/MrWong99/dialtone/pkg/provider/vad/energy"
)

// drainPoll is how often Shutdown checks for remaining live calls.
const drainPoll = 100 * time.Millisecond

// Providers holds the provider used for each pipeline stage. Populated by
// [BuildProviders] or injected by tests.
type Providers struct {
	STT stt.Provider

	// LLM is usually a resilience.LLMFallback over the configured primary
	// and fallback providers.
	LLM llm.Provider
}

// tuning is the hot-reloadable part of the configuration, rebuilt whenever
// one of its sections changes. Calls keep the snapshot they started with.
type tuning struct {
	docs     callcontrol.Documents
	control  *callcontrol.Adapter
	replier  *responder.Responder
	webhook  *mediastream.WebhookHandler
	pacing   pacing.Config
	vad      vad.Config
	maxChars int
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store    calllog.Store
	updater  callcontrol.CallUpdater
	registry *call.Registry
	vad      vad.Engine
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	level    *slog.LevelVar
	log      *slog.Logger
	health   *health.Handler

	tuning atomic.Pointer[tuning]

	// hangup is cancelled when Shutdown gives up waiting for calls to end.
	hangup     context.Context
	hangupCall context.CancelFunc

	handler http.Handler
	server  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCallLog injects a call log store instead of creating one from config.
func WithCallLog(s calllog.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCallUpdater injects the call-control API client.
func WithCallUpdater(u callcontrol.CallUpdater) Option {
	return func(a *App) { a.updater = u }
}

// WithVAD injects the barge-in detector engine. Default: energy.New().
func WithVAD(e vad.Engine) Option {
	return func(a *App) { a.vad = e }
}

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the Prometheus gatherer served on /metrics.
// Default: prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLevel lets a config reload change the log level.
func WithLevel(l *slog.LevelVar) Option {
	return func(a *App) { a.level = l }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.LLM == nil {
		return nil, errors.New("app: stt and llm providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		registry:  call.NewRegistry(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	if a.vad == nil {
		a.vad = energy.New()
	}
	a.hangup, a.hangupCall = context.WithCancel(context.Background())

	// ── 1. Call log ──────────────────────────────────────────────────────
	if err := a.initCallLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init call log: %w", err)
	}

	// ── 2. Call-control client ───────────────────────────────────────────
	if a.updater == nil {
		var copts []callcontrol.ClientOption
		if cfg.Telephony.APIBaseURL != "" {
			copts = append(copts, callcontrol.WithBaseURL(cfg.Telephony.APIBaseURL))
		}
		client, err := callcontrol.NewClient(cfg.Telephony.AccountSID, cfg.Telephony.AuthToken, copts...)
		if err != nil {
			return nil, fmt.Errorf("app: init call control: %w", err)
		}
		a.updater = client
	}

	// ── 3. Tuning snapshot ───────────────────────────────────────────────
	t, err := a.buildTuning(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.tuning.Store(t)

	// ── 4. Health + routes ───────────────────────────────────────────────
	a.health = health.New(
		health.Ping("calllog", a.store),
		health.Breakers("stt", providers.STT),
		health.Breakers("llm", providers.LLM),
		health.Checker{Name: "callcontrol", Check: a.checkCallControl},
	)
	a.handler = observe.Middleware(a.metrics, a.log)(a.routes())

	return a, nil
}

// checkCallControl fails while the call-control API breaker is open.
func (a *App) checkCallControl(context.Context) error {
	if st := a.tuning.Load().control.BreakerState(); st == resilience.StateOpen {
		return fmt.Errorf("call-control api circuit %s", st)
	}
	return nil
}

// initCallLog opens the Postgres store when a DSN is configured and falls
// back to the in-memory store otherwise.
func (a *App) initCallLog(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if dsn := a.cfg.CallLog.PostgresDSN; dsn != "" {
		store, err := calllog.OpenPostgres(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		a.log.Info("call log: postgres")
		return nil
	}
	capacity := a.cfg.CallLog.MemoryCapacity
	if capacity == 0 {
		capacity = calllog.DefaultMemoryCapacity
	}
	a.store = calllog.NewMemoryStore(capacity)
	a.log.Info("call log: in memory", "capacity", capacity)
	return nil
}

// buildTuning derives documents, the call-control adapter, and the responder
// from cfg.
func (a *App) buildTuning(cfg *config.Config) (*tuning, error) {
	docs := documents(cfg)
	control, err := callcontrol.NewAdapter(a.updater, docs,
		callcontrol.WithTimeout(cfg.Telephony.RequestTimeout.Std()),
		callcontrol.WithMetrics(a.metrics),
		callcontrol.WithLogger(a.log),
	)
	if err != nil {
		return nil, fmt.Errorf("build call control: %w", err)
	}

	replier, err := responder.New(responder.Config{
		Provider:     a.providers.LLM,
		ProviderName: cfg.Providers.LLM.Name,
		Prompt:       cfg.Reply.SystemPrompt,
		FallbackText: cfg.Reply.FallbackText,
		Timeout:      cfg.Reply.Timeout.Std(),
		MaxChars:     cfg.Reply.MaxChars,
		MaxTokens:    cfg.Reply.MaxTokens,
		Metrics:      a.metrics,
		Logger:       a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("build responder: %w", err)
	}

	t := &tuning{
		docs:     docs,
		control:  control,
		replier:  replier,
		webhook:  mediastream.NewWebhookHandler(docs, a.registry, a.log),
		pacing:   pacingConfig(cfg.Pacing),
		vad:      vadConfig(cfg.VAD),
		maxChars: cfg.Reply.MaxChars,
	}
	if err := t.pacing.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// documents overlays the configured prompts and limits on the stock ones.
func documents(cfg *config.Config) callcontrol.Documents {
	d := callcontrol.DefaultDocuments(cfg.Server.PublicURL)
	tc := cfg.Telephony
	if tc.Language != "" {
		d.Language = tc.Language
	}
	if tc.Greeting != "" {
		d.GreetingText = tc.Greeting
	}
	if tc.NoInputMessage != "" {
		d.NoInputText = tc.NoInputMessage
	}
	if tc.ErrorMessage != "" {
		d.ErrorText = tc.ErrorMessage
	}
	if tc.GatherTimeout > 0 {
		d.GatherTimeout = tc.GatherTimeout.Std()
	}
	if tc.PauseAfterReply > 0 {
		d.PauseAfterReply = tc.PauseAfterReply.Std()
	}
	if tc.MaxDocumentChars > 0 {
		d.MaxChars = tc.MaxDocumentChars
	}
	return d
}

func pacingConfig(pc config.PacingConfig) pacing.Config {
	c := pacing.DefaultConfig()
	if pc.MinFlushDuration > 0 {
		c.MinDuration = pc.MinFlushDuration.Std()
	}
	if pc.MaxFlushInterval > 0 {
		c.MaxInterval = pc.MaxFlushInterval.Std()
	}
	if pc.MinFlushBytes > 0 {
		c.MinBytes = pc.MinFlushBytes
	}
	return c
}

func vadConfig(vc config.VADConfig) vad.Config {
	c := vad.DefaultConfig()
	if vc.SpeechThresholdDB != 0 {
		c.SpeechThresholdDB = vc.SpeechThresholdDB
	}
	if vc.NoiseFloorDB != 0 {
		c.NoiseFloorDB = vc.NoiseFloorDB
	}
	if vc.WindowSamples > 0 {
		c.WindowSamples = vc.WindowSamples
	}
	return c
}

// streamConfig is the recognizer stream configuration shared by every call.
func streamConfig(cfg *config.Config) stt.StreamConfig {
	rc := cfg.Recognizer
	return stt.StreamConfig{
		SampleRate:          rc.SampleRate,
		Encoding:            "pcm_s16le",
		Language:            rc.Language,
		FormatTurns:         true,
		EndOfTurnConfidence: rc.EndOfTurnConfidence,
		MinEndOfTurnSilence: rc.MinEndOfTurnSilence.Std(),
		MaxTurnSilence:      rc.MaxTurnSilence.Std(),
	}
}

// newSession creates the session for a freshly accepted media stream using
// the current tuning snapshot.
func (a *App) newSession() (*call.Session, error) {
	return call.New(a.sessionConfig(a.tuning.Load()))
}

// sessionConfig combines the startup recognizer settings with the tuning
// snapshot t.
func (a *App) sessionConfig(t *tuning) call.Config {
	rc := a.cfg.Recognizer
	return call.Config{
		Recognizer: recognizer.Config{
			Provider:    a.providers.STT,
			Stream:      streamConfig(a.cfg),
			RetryDelay:  rc.ReconnectDelay.Std(),
			MaxAttempts: rc.MaxReconnects,
		},
		VAD:           a.vad,
		VADConfig:     t.vad,
		Control:       t.control,
		Replier:       t.replier,
		Pacing:        t.pacing,
		MaxReplyChars: t.maxChars,
		Store:         a.store,
		Registry:      a.registry,
		Metrics:       a.metrics,
		Logger:        a.log,
	}
}

// Handler returns the fully wrapped HTTP handler. Exposed for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the index of live calls.
func (a *App) Registry() *call.Registry { return a.registry }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable differences between old and new. Calls
// already in progress keep their settings.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(LevelOf(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
	if !(d.PacingChanged || d.VADChanged || d.ReplyChanged || d.TelephonyChanged) {
		return
	}

	// Credentials, providers and the public URL stay as started.
	merged := *a.cfg
	merged.Pacing = new.Pacing
	merged.VAD = new.VAD
	merged.Reply = new.Reply
	merged.Telephony = new.Telephony
	merged.Telephony.AccountSID = a.cfg.Telephony.AccountSID
	merged.Telephony.AuthToken = a.cfg.Telephony.AuthToken
	merged.Telephony.APIBaseURL = a.cfg.Telephony.APIBaseURL

	t, err := a.buildTuning(&merged)
	if err != nil {
		a.log.Error("config reload rejected", "err", err)
		return
	}
	a.tuning.Store(t)
	a.log.Info("call tuning reloaded",
		"pacing", d.PacingChanged,
		"vad", d.VADChanged,
		"reply", d.ReplyChanged,
		"telephony", d.TelephonyChanged,
	)
}

// LevelOf maps a config log level to its slog level.
func LevelOf(l config.LogLevel) slog.Level {
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

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on cfg.Server.ListenAddr until ctx is cancelled or the
// listener fails. It does not drain calls; call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tc := a.cfg.Server.TLS; tc != nil {
			a.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			err = a.server.ServeTLS(ln, tc.CertFile, tc.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		// Stop accepting; Shutdown finishes the drain.
		a.health.SetDraining()
		return a.server.Close()
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: serve: %w", err)
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown waits for live calls to end, hangs up the rest once ctx expires,
// and then runs the closers in order.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.health.SetDraining()
		a.log.Info("shutting down", "live_calls", a.registry.Len(), "closers", len(a.closers))

		if err := a.drain(ctx); err != nil {
			a.log.Warn("drain deadline exceeded, hanging up", "live_calls", a.registry.Len())
			a.hangupCall()
			// Teardown writes the audit record; give it a moment.
			grace, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = a.drain(grace)
			cancel()
			shutdownErr = err
		}
		a.hangupCall()

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// drain waits until no call is registered.
func (a *App) drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for a.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
