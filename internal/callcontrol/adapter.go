// Package callcontrol issues in-call instructions to the telephony provider.
//
// Instructions are TwiML documents delivered through the REST call-update
// endpoint. The [Adapter] renders the document for each instruction kind,
// sends it through a circuit breaker, and classifies the result. A call that
// has already ended (provider code 21220) is an expected race with the
// caller hanging up and is reported as success.
package callcontrol

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/dialtone/internal/observe"
	"github.com/MrWong99/dialtone/internal/resilience"
)

// Instruction kinds, used as the "kind" metric attribute.
const (
	KindGreet     = "greet"
	KindSpeak     = "speak"
	KindInterrupt = "interrupt"
)

// CallUpdater replaces the instructions of a live call. [*Client] is the
// production implementation.
type CallUpdater interface {
	UpdateCall(ctx context.Context, callSID, twiml string) error
}

var _ CallUpdater = (*Client)(nil)

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithTimeout bounds each UpdateCall request. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.timeout = d
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		a.log = l
	}
}

// WithBreaker overrides the circuit breaker configuration. IsFailure is
// always replaced so that per-call outcomes never trip the breaker.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(a *Adapter) {
		a.breakerCfg = cfg
	}
}

// Adapter renders and delivers call-control instructions.
// It is safe for concurrent use.
type Adapter struct {
	client     CallUpdater
	docs       Documents
	timeout    time.Duration
	metrics    *observe.Metrics
	log        *slog.Logger
	breakerCfg resilience.CircuitBreakerConfig
	breaker    *resilience.CircuitBreaker
}

// NewAdapter creates an Adapter that sends documents rendered by docs
// through client.
func NewAdapter(client CallUpdater, docs Documents, opts ...Option) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("callcontrol: client must not be nil")
	}
	if docs.PublicURL == "" {
		return nil, errors.New("callcontrol: public URL must not be empty")
	}
	a := &Adapter{
		client:     client,
		docs:       docs,
		timeout:    10 * time.Second,
		breakerCfg: resilience.CircuitBreakerConfig{Name: "callcontrol"},
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	a.breakerCfg.IsFailure = countsAsFailure
	if a.breakerCfg.Logger == nil {
		a.breakerCfg.Logger = a.log
	}
	if a.breakerCfg.OnStateChange == nil {
		m := a.metrics
		a.breakerCfg.OnStateChange = func(name string, _, to resilience.State) {
			m.RecordBreakerTransition(context.Background(), name, to.String())
		}
	}
	a.breaker = resilience.NewCircuitBreaker(a.breakerCfg)
	return a, nil
}

// Documents returns the renderer used by the adapter.
func (a *Adapter) Documents() Documents {
	return a.docs
}

// Greet plays the greeting and redirects the call to the webhook.
func (a *Adapter) Greet(ctx context.Context, callSID string) error {
	return a.send(ctx, KindGreet, callSID, a.docs.RenderGreeting())
}

// SpeakAndGather speaks text and opens a speech Gather for the next utterance.
// Text that does not fit the document ceiling is cut.
func (a *Adapter) SpeakAndGather(ctx context.Context, callSID, text string) error {
	doc, truncated := a.docs.RenderSpeak(text)
	if truncated {
		a.log.Warn("reply truncated to fit call-control document",
			"call_sid", callSID,
			"text_chars", len([]rune(text)),
		)
	}
	return a.send(ctx, KindSpeak, callSID, doc)
}

// Interrupt replaces current playback with an open Gather.
func (a *Adapter) Interrupt(ctx context.Context, callSID string) error {
	return a.send(ctx, KindInterrupt, callSID, a.docs.RenderInterrupt())
}

// BreakerState returns the circuit breaker state, for health reporting.
func (a *Adapter) BreakerState() resilience.State {
	return a.breaker.State()
}

// send delivers doc and returns nil for benign outcomes.
func (a *Adapter) send(ctx context.Context, kind, callSID, doc string) error {
	if callSID == "" {
		return errors.New("callcontrol: " + kind + ": call SID must not be empty")
	}
	ctx, span := observe.StartCallSpan(ctx, "callcontrol."+kind, callSID,
		attribute.Int("twiml.chars", len([]rune(doc))),
	)
	defer span.End()

	start := time.Now()
	err := a.breaker.Execute(func() error {
		reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		return a.client.UpdateCall(reqCtx, callSID, doc)
	})
	outcome := Classify(err)
	a.metrics.RecordControl(ctx, kind, string(outcome), time.Since(start))
	span.SetAttributes(attribute.String("outcome", string(outcome)))

	log := a.log.With("kind", kind, "call_sid", callSID)
	switch outcome {
	case OutcomeOK:
		log.Debug("call instruction delivered")
		return nil
	case OutcomeCallEnded:
		log.Info("call already ended, instruction skipped")
		return nil
	case OutcomeAuth:
		log.Error("call-control authentication failed", "err", err)
	case OutcomeNotFound:
		log.Warn("call not found", "err", err)
	case OutcomeNetwork:
		log.Error("call-control network error", "err", err)
	case OutcomeCircuitOpen:
		var open *resilience.OpenError
		if errors.As(err, &open) {
			log = log.With("retry_after", open.RetryAfter)
		}
		log.Warn("call-control circuit open, instruction skipped")
	default:
		log.Error("call-control request failed", "err", err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(outcome))
	return err
}
