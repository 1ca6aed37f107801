// Package call implements the per-call turn and playback state machine.
//
// A [Session] exists for each telephony media stream. Every input that can
// change call state is posted onto the session's queue and handled by the
// single goroutine running [Session.Run]:
//
//   - media frames and stream lifecycle events from the transport
//   - recognizer readiness, turns and failures
//   - reply results and call-control outcomes
//   - next-input webhook callbacks
//
// Work that blocks (reply generation, call-control requests, audit writes)
// runs off the loop and reports back through the same queue, so barge-in
// detection is never held up by an outstanding reply.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/dialtone/internal/callcontrol"
	"github.com/MrWong99/dialtone/internal/calllog"
	"github.com/MrWong99/dialtone/internal/observe"
	"github.com/MrWong99/dialtone/internal/pacing"
	"github.com/MrWong99/dialtone/internal/recognizer"
	"github.com/MrWong99/dialtone/internal/responder"
	"github.com/MrWong99/dialtone/pkg/audio"
	"github.com/MrWong99/dialtone/pkg/provider/stt"
	"github.com/MrWong99/dialtone/pkg/provider/vad"
)

// Dropped-frame reasons, used as the "reason" metric attribute.
const (
	dropDecode   = "decode"
	dropNotReady = "not_ready"
	dropSend     = "send"
	dropBacklog  = "backlog"
)

const (
	// wordDuration and pauseAfterReply feed EstimatePlayback.
	wordDuration    = 400 * time.Millisecond
	pauseAfterReply = 2 * time.Second

	auditTimeout = 5 * time.Second

	defaultMaxQueuedFrames = 100
)

// State is the turn state of a call.
type State int

const (
	// StateIdle means no call is active.
	StateIdle State = iota

	// StateListening means audio is forwarded and no reply is in flight.
	StateListening

	// StateAwaitingReply means a completed turn started a reply cycle.
	// Further completed turns are ignored until it resolves.
	StateAwaitingReply

	// StateSpeaking means a reply was dispatched and is presumed audible.
	StateSpeaking
)

// String returns the upper-case state name used in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateAwaitingReply:
		return "AWAITING_REPLY"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Controller issues call-control instructions for a call.
type Controller interface {
	Greet(ctx context.Context, callSID string) error
	SpeakAndGather(ctx context.Context, callSID, text string) error
	Interrupt(ctx context.Context, callSID string) error
}

// Replier produces the spoken answer to a transcript. It must always return
// usable text, substituting a fallback on failure.
type Replier interface {
	Reply(ctx context.Context, transcript string) responder.Reply
}

var (
	_ Controller = (*callcontrol.Adapter)(nil)
	_ Replier    = (*responder.Responder)(nil)
)

// Config holds the collaborators and tuning for one call.
type Config struct {
	// Recognizer is the template for the call's recognizer. Provider is
	// required; Sink and Logger are supplied by the session.
	Recognizer recognizer.Config

	// VAD creates the call's barge-in detector. Required.
	VAD vad.Engine

	// VADConfig is passed to VAD. Zero value: vad.DefaultConfig().
	VADConfig vad.Config

	// Control delivers call-control instructions. Required.
	Control Controller

	// Replier answers completed turns. Required.
	Replier Replier

	// Pacing thresholds. Zero value: pacing.DefaultConfig().
	Pacing pacing.Config

	// MaxReplyChars caps the text handed to Control. Default: 2000.
	MaxReplyChars int

	// MaxQueuedFrames caps media events waiting for the event loop. Frames
	// beyond it are dropped. Default: 100 (two seconds of 20 ms frames).
	MaxQueuedFrames int

	// PlaybackEstimate returns how long a reply stays audible. Default:
	// EstimatePlayback.
	PlaybackEstimate func(text string) time.Duration

	// Scheduler arms the playback timer. Default: recognizer.WallScheduler.
	Scheduler recognizer.Scheduler

	// Now defaults to time.Now.
	Now func() time.Time

	// Store receives the call's audit record. Optional.
	Store calllog.Store

	// Registry indexes the session by call SID once the call starts. Optional.
	Registry *Registry

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// EstimatePlayback approximates how long the provider needs to speak text and
// play the pause that follows it.
func EstimatePlayback(text string) time.Duration {
	return time.Duration(len(strings.Fields(text)))*wordDuration + pauseAfterReply
}

// Status is a point-in-time view of a session, safe to read from any
// goroutine.
type Status struct {
	ID         string    `json:"id"`
	CallSID    string    `json:"call_sid,omitempty"`
	StreamSID  string    `json:"stream_sid,omitempty"`
	State      State     `json:"state"`
	Playing    bool      `json:"playing"`
	Recognizer string    `json:"recognizer"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	Frames     int       `json:"frames"`
	Turns      int       `json:"turns"`
	Replies    int       `json:"replies"`
	BargeIns   int       `json:"barge_ins"`
	Reconnects int       `json:"reconnects"`
	Dropped    int       `json:"dropped_frames"`

	// LastReply is the most recent text handed to call control.
	LastReply string `json:"-"`
}

// Session is the state machine for one call.
type Session struct {
	id       string
	cfg      Config
	metrics  *observe.Metrics
	detector vad.Detector
	box      *mailbox[Event]
	worker   *worker
	running  atomic.Bool

	// Owned by the Run goroutine.
	ctx           context.Context
	cancel        context.CancelFunc
	bg            sync.WaitGroup
	log           *slog.Logger
	state         State
	isPlaying     bool
	started       bool
	callSID       string
	streamSID     string
	policy        *pacing.Policy
	rec           *recognizer.Manager
	seq           uint64
	lastReplyText string
	playback      recognizer.Timer
	frames        int
	record        calllog.Record

	mu     sync.Mutex
	status Status
}

// New creates an idle Session. Call Run to start processing events.
func New(cfg Config) (*Session, error) {
	var errs []error
	if cfg.Recognizer.Provider == nil {
		errs = append(errs, errors.New("call: recognizer provider is required"))
	}
	if cfg.VAD == nil {
		errs = append(errs, errors.New("call: VAD engine is required"))
	}
	if cfg.Control == nil {
		errs = append(errs, errors.New("call: controller is required"))
	}
	if cfg.Replier == nil {
		errs = append(errs, errors.New("call: replier is required"))
	}
	if cfg.Pacing == (pacing.Config{}) {
		cfg.Pacing = pacing.DefaultConfig()
	}
	if err := cfg.Pacing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.VADConfig == (vad.Config{}) {
		cfg.VADConfig = vad.DefaultConfig()
	}
	det, err := cfg.VAD.NewDetector(cfg.VADConfig)
	if err != nil {
		return nil, fmt.Errorf("call: create detector: %w", err)
	}
	if cfg.MaxReplyChars <= 0 {
		cfg.MaxReplyChars = responder.DefaultMaxChars
	}
	if cfg.MaxQueuedFrames <= 0 {
		cfg.MaxQueuedFrames = defaultMaxQueuedFrames
	}
	if cfg.PlaybackEstimate == nil {
		cfg.PlaybackEstimate = EstimatePlayback
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = recognizer.WallScheduler
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	id := uuid.NewString()
	s := &Session{
		id:       id,
		cfg:      cfg,
		metrics:  cfg.Metrics,
		detector: det,
		box:      newMailbox(cfg.MaxQueuedFrames, isMedia),
		worker:   newWorker(),
		log:      cfg.Logger.With("session_id", id),
		state:    StateIdle,
	}
	s.status = Status{ID: id, State: StateIdle, Recognizer: recognizer.StateDisconnected.String()}
	return s, nil
}

func isMedia(ev Event) bool { return ev.Kind == EventMedia }

// ID returns the session identifier, also used as the call-log record ID.
func (s *Session) ID() string { return s.id }

// Post enqueues ev without blocking. It returns false once the session has
// finished and the event was discarded.
func (s *Session) Post(ev Event) bool {
	return s.box.put(ev)
}

// Status returns the latest snapshot published by the event loop.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run processes events until a stop or hangup event is handled or ctx is
// cancelled. All call resources are released before Run returns. Run may be
// called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("call: session already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.worker.run(s.ctx)

	for {
		select {
		case <-ctx.Done():
			s.teardown("context cancelled")
			return ctx.Err()
		case <-s.box.ready():
		}
		items, shed, _ := s.box.take()
		for range shed {
			s.drop(dropBacklog)
		}
		for _, ev := range items {
			if s.handle(ev) {
				return nil
			}
		}
		s.publish()
	}
}

// handle applies one event. It returns true when the session has ended.
func (s *Session) handle(ev Event) bool {
	switch ev.Kind {
	case EventConnected:
		s.log.Debug("media stream connected")
	case EventStart:
		s.onStart(ev)
	case EventMedia:
		s.onMedia(ev)
	case EventStop, EventHangup:
		s.teardown(ev.Kind.String())
		return true
	case EventRecognizerReady:
		s.onRecognizerReady(ev.Recognizer)
	case EventRecognizerTurn:
		s.onTurn(ev.turn())
	case EventRecognizerError, EventRecognizerClosed:
		s.onRecognizerLost(ev)
	case EventReplyReady:
		s.onReply(ev)
	case EventControlDone:
		s.onControlDone(ev)
	case EventPlaybackDone, EventNextInput:
		s.onPlaybackDone(ev)
	default:
		s.log.Warn("unknown session event ignored", "kind", int(ev.Kind))
	}
	return false
}

// ── Lifecycle ──────────────────────────────────────────────────────────────

func (s *Session) onStart(ev Event) {
	if s.started {
		s.log.Warn("duplicate start ignored", "call_sid", ev.CallSID)
		return
	}
	if ev.CallSID == "" {
		s.log.Warn("start without call SID ignored", "stream_sid", ev.StreamSID)
		return
	}
	s.started = true
	s.callSID, s.streamSID = ev.CallSID, ev.StreamSID
	s.log = s.log.With("call_sid", s.callSID, "stream_sid", s.streamSID)

	now := s.cfg.Now()
	s.policy = pacing.New(s.cfg.Pacing, now)
	s.record = calllog.Record{ID: s.id, CallSID: s.callSID, StreamSID: s.streamSID, StartedAt: now}

	rc := s.cfg.Recognizer
	rc.Sink = func(e recognizer.Event) { s.Post(fromRecognizer(e)) }
	rc.Logger = s.log
	mgr, err := recognizer.New(rc)
	if err != nil {
		s.log.Error("recognizer setup failed, audio will be dropped", "err", err)
	} else {
		s.rec = mgr
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			_ = mgr.Open(s.ctx)
		}()
	}

	s.setState(StateListening)
	s.metrics.ActiveCalls.Add(s.ctx, 1)
	if s.cfg.Registry != nil {
		s.cfg.Registry.add(s.callSID, s)
	}
	if s.cfg.Store != nil {
		s.audit("begin", s.cfg.Store.Begin)
	}
	callSID := s.callSID
	s.control(callcontrol.KindGreet, 0, func(ctx context.Context) error {
		return s.cfg.Control.Greet(ctx, callSID)
	})
	s.log.Info("call started")
}

// teardown flushes buffered audio while the recognizer can still take it,
// then releases every call resource. Pending call-control instructions are
// skipped; audit writes still run.
func (s *Session) teardown(reason string) {
	if s.rec != nil && s.policy != nil && s.rec.State() == recognizer.StateReady {
		if pcm := s.policy.Drain(s.cfg.Now()); len(pcm) > 0 {
			s.flush(pcm)
		}
	}
	s.stopPlayback()
	s.isPlaying = false
	s.setState(StateIdle)

	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			s.log.Warn("recognizer close failed", "err", err)
		}
	}
	s.box.close()
	s.cancel()
	s.bg.Wait()

	if s.started {
		s.record.EndedAt = s.cfg.Now()
		if s.cfg.Store != nil {
			s.audit("finish", s.cfg.Store.Finish)
		}
	}
	s.worker.stop()

	if s.started {
		s.metrics.ActiveCalls.Add(context.WithoutCancel(s.ctx), -1)
		if s.cfg.Registry != nil {
			s.cfg.Registry.remove(s.callSID, s)
		}
		s.log.Info("call ended",
			"reason", reason,
			"duration", s.record.Duration(),
			"turns", s.record.Turns,
			"barge_ins", s.record.BargeIns,
			"dropped_frames", s.record.DroppedFrames,
		)
	} else {
		s.log.Debug("stream closed before call start", "reason", reason)
	}
	s.publish()
}

// ── Audio path ─────────────────────────────────────────────────────────────

func (s *Session) onMedia(ev Event) {
	s.frames++
	if !s.started {
		s.drop(dropNotReady)
		return
	}
	samples, err := audio.DecodePayload(ev.Payload)
	if err != nil {
		s.log.Debug("media frame dropped", "reason", dropDecode, "err", err)
		s.drop(dropDecode)
		return
	}

	if s.isPlaying && vad.IsSpeech(s.detector, samples) {
		s.bargeIn()
	}

	now := s.cfg.Now()
	if s.rec == nil || s.rec.State() != recognizer.StateReady {
		s.policy.Reset(now)
		s.drop(dropNotReady)
		return
	}
	if pcm, ok := s.policy.Append(audio.SamplesToBytes(samples), now); ok {
		s.flush(pcm)
	}
}

func (s *Session) flush(pcm []byte) {
	if err := s.rec.Send(pcm); err != nil {
		s.log.Warn("audio flush dropped", "bytes", len(pcm), "err", err)
		s.drop(dropSend)
		return
	}
	s.metrics.RecordFlush(s.ctx, len(pcm))
}

func (s *Session) drop(reason string) {
	s.record.DroppedFrames++
	s.metrics.RecordDroppedFrame(s.ctx, reason)
}

// bargeIn stops playback because the caller is talking over it.
func (s *Session) bargeIn() {
	s.isPlaying = false
	s.stopPlayback()
	s.setState(StateListening)
	s.record.BargeIns++
	s.metrics.BargeIns.Add(s.ctx, 1)
	s.log.Info("caller barge-in, interrupting playback", "seq", s.seq)

	callSID := s.callSID
	s.control(callcontrol.KindInterrupt, s.seq, func(ctx context.Context) error {
		return s.cfg.Control.Interrupt(ctx, callSID)
	})
}

// ── Recognizer ─────────────────────────────────────────────────────────────

func (s *Session) onRecognizerReady(ev recognizer.Event) {
	if !ev.Reconnected {
		return
	}
	s.record.Reconnects++
	s.metrics.RecognizerReconnects.Add(s.ctx, 1)
	s.log.Info("recognizer reconnected", "recognizer_session", ev.SessionID)
}

func (s *Session) onRecognizerLost(ev Event) {
	s.log.Warn("recognizer unavailable, audio dropped until reconnect",
		"event", ev.Kind.String(),
		"retry_scheduled", ev.Recognizer.RetryScheduled,
		"state", s.state.String(),
		"err", ev.Recognizer.Err,
	)
}

// ── Reply cycle ────────────────────────────────────────────────────────────

func (s *Session) onTurn(t stt.Turn) {
	if !t.Completed() {
		return
	}
	if s.state != StateListening {
		s.log.Debug("completed turn ignored", "state", s.state.String(), "order", t.Order)
		return
	}
	s.seq++
	seq := s.seq
	text := strings.TrimSpace(t.Text)
	s.record.Turns++
	s.metrics.CompletedTurns.Add(s.ctx, 1)
	s.setState(StateAwaitingReply)
	s.log.Info("completed turn, requesting reply", "seq", seq, "chars", utf8.RuneCountInString(text))

	ctx := s.ctx
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		r := s.cfg.Replier.Reply(ctx, text)
		s.Post(Event{Kind: EventReplyReady, Seq: seq, Reply: r})
	}()
}

func (s *Session) onReply(ev Event) {
	if ev.Seq != s.seq || s.state != StateAwaitingReply {
		s.log.Debug("stale reply discarded", "seq", ev.Seq, "state", s.state.String())
		s.metrics.Replies.Add(s.ctx, 1, metric.WithAttributes(observe.Attr("status", "discarded")))
		return
	}
	text := responder.Truncate(ev.Reply.Text, s.cfg.MaxReplyChars)
	s.lastReplyText = text
	s.record.Replies++
	if ev.Reply.Fallback {
		s.record.Fallbacks++
	}
	s.isPlaying = true
	s.setState(StateSpeaking)

	callSID, seq := s.callSID, ev.Seq
	s.control(callcontrol.KindSpeak, seq, func(ctx context.Context) error {
		return s.cfg.Control.SpeakAndGather(ctx, callSID, text)
	})
	s.stopPlayback()
	s.playback = s.cfg.Scheduler.AfterFunc(s.cfg.PlaybackEstimate(text), func() {
		s.Post(Event{Kind: EventPlaybackDone, Seq: seq})
	})
}

func (s *Session) onControlDone(ev Event) {
	if ev.Err == nil {
		return
	}
	if ev.Control == callcontrol.KindSpeak && ev.Seq == s.seq && s.state == StateSpeaking {
		s.log.Warn("reply was not delivered, listening again", "seq", ev.Seq)
		s.endPlayback()
	}
}

func (s *Session) onPlaybackDone(ev Event) {
	if s.state != StateSpeaking {
		return
	}
	if ev.Kind == EventPlaybackDone && ev.Seq != s.seq {
		return
	}
	s.endPlayback()
}

func (s *Session) endPlayback() {
	s.isPlaying = false
	s.stopPlayback()
	s.setState(StateListening)
}

func (s *Session) stopPlayback() {
	if s.playback != nil {
		s.playback.Stop()
		s.playback = nil
	}
}

// ── Side effects ───────────────────────────────────────────────────────────

// control queues a call-control instruction and reports its outcome back to
// the loop.
func (s *Session) control(kind string, seq uint64, send func(ctx context.Context) error) {
	s.worker.submit(task{name: kind, run: func(ctx context.Context) {
		err := send(ctx)
		s.Post(Event{Kind: EventControlDone, Control: kind, Seq: seq, Err: err})
	}})
}

// audit queues a write of the current record.
func (s *Session) audit(op string, write func(context.Context, calllog.Record) error) {
	rec, log := s.record, s.log
	s.worker.submit(task{name: "calllog." + op, always: true, run: func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, auditTimeout)
		defer cancel()
		if err := write(ctx, rec); err != nil {
			log.Warn("call log write failed", "op", op, "err", err)
		}
	}})
}

// ── State ──────────────────────────────────────────────────────────────────

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.log.Debug("call state changed", "from", s.state.String(), "to", next.String())
	s.state = next
}

// publish copies loop-owned state into the status snapshot.
func (s *Session) publish() {
	st := Status{
		ID:         s.id,
		CallSID:    s.callSID,
		StreamSID:  s.streamSID,
		State:      s.state,
		Playing:    s.isPlaying,
		Recognizer: recognizer.StateDisconnected.String(),
		StartedAt:  s.record.StartedAt,
		Frames:     s.frames,
		Turns:      s.record.Turns,
		Replies:    s.record.Replies,
		BargeIns:   s.record.BargeIns,
		Reconnects: s.record.Reconnects,
		Dropped:    s.record.DroppedFrames,
		LastReply:  s.lastReplyText,
	}
	if s.rec != nil {
		st.Recognizer = s.rec.State().String()
	}
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}
