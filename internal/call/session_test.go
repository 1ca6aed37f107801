package call

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/dialtone/internal/callcontrol"
	"github.com/MrWong99/dialtone/internal/calllog"
	"github.com/MrWong99/dialtone/internal/observe"
	"github.com/MrWong99/dialtone/internal/pacing"
	"github.com/MrWong99/dialtone/internal/recognizer"
	"github.com/MrWong99/dialtone/internal/responder"
	"github.com/MrWong99/dialtone/pkg/provider/stt"
	sttmock "github.com/MrWong99/dialtone/pkg/provider/stt/mock"
	"github.com/MrWong99/dialtone/pkg/provider/vad"
	"github.com/MrWong99/dialtone/pkg/provider/vad/energy"
	vadmock "github.com/MrWong99/dialtone/pkg/provider/vad/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTimer struct {
	s       *fakeScheduler
	f       func()
	delay   time.Duration
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeScheduler records timers and fires them on demand.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) recognizer.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, f: f, delay: d}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *fakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.timers))
	for i, t := range s.timers {
		out[i] = t.delay
	}
	return out
}

// FireAll runs every pending timer synchronously.
func (s *fakeScheduler) FireAll() {
	s.mu.Lock()
	var due []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type controlCall struct {
	Kind    string
	CallSID string
	Text    string
}

// fakeController records call-control instructions.
type fakeController struct {
	mu       sync.Mutex
	calls    []controlCall
	speakErr error
}

func (c *fakeController) record(kind, callSID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, controlCall{Kind: kind, CallSID: callSID, Text: text})
}

func (c *fakeController) Greet(_ context.Context, callSID string) error {
	c.record(callcontrol.KindGreet, callSID, "")
	return nil
}

func (c *fakeController) SpeakAndGather(_ context.Context, callSID, text string) error {
	c.record(callcontrol.KindSpeak, callSID, text)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speakErr
}

func (c *fakeController) Interrupt(_ context.Context, callSID string) error {
	c.record(callcontrol.KindInterrupt, callSID, "")
	return nil
}

func (c *fakeController) count(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Kind == kind {
			n++
		}
	}
	return n
}

func (c *fakeController) all() []controlCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]controlCall(nil), c.calls...)
}

// fakeReplier answers with a fixed text. When gate is set, Reply blocks until
// the gate is closed or ctx is done.
type fakeReplier struct {
	mu    sync.Mutex
	text  string
	gate  chan struct{}
	calls []string
}

func (r *fakeReplier) Reply(ctx context.Context, transcript string) responder.Reply {
	r.mu.Lock()
	r.calls = append(r.calls, transcript)
	gate, text := r.gate, r.text
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return responder.Reply{Text: "sorry", Fallback: true, Err: ctx.Err()}
		}
	}
	return responder.Reply{Text: text}
}

func (r *fakeReplier) transcripts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeReplier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type harness struct {
	t         *testing.T
	sess      *Session
	provider  *sttmock.Provider
	control   *fakeController
	replier   *fakeReplier
	recSched  *fakeScheduler
	playSched *fakeScheduler
	store     *calllog.MemoryStore
	registry  *Registry

	mu       sync.Mutex
	sessions []*sttmock.Session

	done chan error
	once sync.Once
	err  error
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		control:   &fakeController{},
		replier:   &fakeReplier{text: "It is $20"},
		recSched:  &fakeScheduler{},
		playSched: &fakeScheduler{},
		store:     calllog.NewMemoryStore(10),
		registry:  NewRegistry(),
		done:      make(chan error, 1),
	}
	h.provider = &sttmock.Provider{
		StartStreamFunc: func(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			s := sttmock.NewSession()
			s.SessionID = fmt.Sprintf("rec-%d", len(h.sessions)+1)
			h.sessions = append(h.sessions, s)
			return s, nil
		},
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	cfg := Config{
		Recognizer: recognizer.Config{
			Provider:  h.provider,
			Scheduler: h.recSched,
		},
		VAD:       energy.New(),
		Control:   h.control,
		Replier:   h.replier,
		Scheduler: h.playSched,
		Now:       func() time.Time { return t0 },
		Store:     h.store,
		Registry:  h.registry,
		Metrics:   m,
		Logger:    slog.New(slog.DiscardHandler),
	}
	for _, f := range mutate {
		f(&cfg)
	}
	h.sess, err = New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() { h.done <- h.sess.Run(context.Background()) }()
	t.Cleanup(func() { _ = h.stop() })
	return h
}

// stop posts a stop event and waits for Run to return.
func (h *harness) stop() error {
	h.sess.Post(Stop())
	return h.wait()
}

func (h *harness) wait() error {
	h.once.Do(func() {
		select {
		case h.err = <-h.done:
		case <-time.After(5 * time.Second):
			h.err = errors.New("session did not stop")
			h.t.Error(h.err)
		}
	})
	return h.err
}

// recSession returns the i-th recognizer session opened by the provider.
func (h *harness) recSession(i int) *sttmock.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.sessions) {
		return nil
	}
	return h.sessions[i]
}

// start begins the call and waits for the recognizer to become ready.
func (h *harness) start() {
	h.t.Helper()
	h.sess.Post(Start("CA1", "MZ1"))
	waitFor(h.t, "recognizer ready", func() bool { return h.sess.Status().Recognizer == "READY" })
}

// media posts frames and waits until the session has processed them.
func (h *harness) media(payloads ...string) {
	h.t.Helper()
	want := h.sess.Status().Frames + len(payloads)
	for _, p := range payloads {
		h.sess.Post(Media(p))
	}
	waitFor(h.t, "media processed", func() bool { return h.sess.Status().Frames >= want })
}

// turn delivers a completed recognizer turn directly to the queue.
func (h *harness) turn(text string) {
	h.sess.Post(Event{
		Kind: EventRecognizerTurn,
		Recognizer: recognizer.Event{
			Kind: recognizer.EventTurn,
			Turn: stt.Turn{Text: text, EndOfTurn: true, Formatted: true},
		},
	})
}

func (h *harness) state() State { return h.sess.Status().State }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// speechPayload returns n μ-law bytes of a full-scale square wave.
func speechPayload(n int) string {
	b := make([]byte, n)
	for i := range b {
		if i%2 == 1 {
			b[i] = 0x80
		}
	}
	return base64.StdEncoding.EncodeToString(b)
}

// silencePayload returns n μ-law bytes of digital silence.
func silencePayload(n int) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xFF}, n))
}

// ── Construction ─────────────────────────────────────────────────────────────

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	for _, want := range []string{"recognizer provider", "VAD engine", "controller", "replier"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestNew_RejectsBadPacing(t *testing.T) {
	t.Parallel()

	_, err := New(Config{
		Recognizer: recognizer.Config{Provider: &sttmock.Provider{}},
		VAD:        energy.New(),
		Control:    &fakeController{},
		Replier:    &fakeReplier{},
		Pacing:     pacing.Config{SampleRate: 8000},
	})
	if err == nil {
		t.Error("expected pacing validation error")
	}
}

func TestRun_OnlyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	waitFor(t, "run started", func() bool { return h.sess.running.Load() })
	if err := h.sess.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}

func TestEstimatePlayback(t *testing.T) {
	t.Parallel()

	if got := EstimatePlayback("It is $20"); got != 3*wordDuration+pauseAfterReply {
		t.Errorf("EstimatePlayback = %v", got)
	}
	if got := EstimatePlayback(""); got != pauseAfterReply {
		t.Errorf("EstimatePlayback(\"\") = %v", got)
	}
}

// ── Scenarios ────────────────────────────────────────────────────────────────

func TestSession_SpeechToReply(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()

	if h.state() != StateListening {
		t.Fatalf("state = %s, want LISTENING", h.state())
	}
	waitFor(t, "greeting", func() bool { return h.control.count(callcontrol.KindGreet) == 1 })

	// 400 μ-law bytes decode to 800 PCM bytes: exactly 50 ms.
	h.media(speechPayload(400))
	rec := h.recSession(0)
	if got := len(rec.SentBytes()); got != 800 {
		t.Fatalf("flushed bytes = %d, want 800", got)
	}

	rec.EventsCh <- stt.Event{Kind: stt.EventTurn, Turn: stt.Turn{
		Text: "what is the price", EndOfTurn: true, Formatted: true,
	}}
	waitFor(t, "speak instruction", func() bool { return h.control.count(callcontrol.KindSpeak) == 1 })
	waitFor(t, "SPEAKING", func() bool { return h.state() == StateSpeaking })

	calls := h.control.all()
	last := calls[len(calls)-1]
	if last.Text != "It is $20" || last.CallSID != "CA1" {
		t.Errorf("speak = %+v", last)
	}
	st := h.sess.Status()
	if !st.Playing || st.LastReply != "It is $20" || st.Turns != 1 || st.Replies != 1 {
		t.Errorf("status = %+v", st)
	}
	if got := h.replier.transcripts(); len(got) != 1 || got[0] != "what is the price" {
		t.Errorf("replier got %q", got)
	}
}

func TestSession_BargeInInterruptsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	h.turn("what is the price")
	waitFor(t, "SPEAKING", func() bool { return h.state() == StateSpeaking })

	h.media(speechPayload(160))
	waitFor(t, "interrupt", func() bool { return h.control.count(callcontrol.KindInterrupt) == 1 })

	st := h.sess.Status()
	if st.State != StateListening || st.Playing {
		t.Errorf("after barge-in: state=%s playing=%v", st.State, st.Playing)
	}
	if st.BargeIns != 1 {
		t.Errorf("BargeIns = %d, want 1", st.BargeIns)
	}
	if h.playSched.Pending() != 0 {
		t.Error("playback timer should be stopped by barge-in")
	}

	h.media(silencePayload(160), silencePayload(160), speechPayload(160))
	if n := h.control.count(callcontrol.KindInterrupt); n != 1 {
		t.Errorf("interrupts = %d, want 1", n)
	}
}

func TestSession_SilenceDuringPlaybackDoesNotInterrupt(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	h.turn("hello")
	waitFor(t, "SPEAKING", func() bool { return h.state() == StateSpeaking })

	h.media(silencePayload(160), silencePayload(160))
	if h.state() != StateSpeaking {
		t.Errorf("state = %s, want SPEAKING", h.state())
	}
	if n := h.control.count(callcontrol.KindInterrupt); n != 0 {
		t.Errorf("interrupts = %d, want 0", n)
	}
}

func TestSession_RecognizerFailureDropsAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()

	h.recSession(0).EventsCh <- stt.Event{Kind: stt.EventClosed, CloseCode: 1011, CloseReason: "internal"}
	waitFor(t, "recognizer error", func() bool { return h.sess.Status().Recognizer == "ERROR" })

	h.media(speechPayload(400), speechPayload(400))
	st := h.sess.Status()
	if st.State != StateListening {
		t.Errorf("state = %s, want LISTENING", st.State)
	}
	if st.Dropped != 2 {
		t.Errorf("dropped = %d, want 2", st.Dropped)
	}
	if n := h.recSession(0).SendAudioCallCount(); n != 0 {
		t.Errorf("audio sent to failed recognizer: %d calls", n)
	}
	if n := h.recSched.Scheduled(); n != 1 {
		t.Errorf("reconnects scheduled = %d, want 1", n)
	}
	if n := h.provider.CallCount(); n != 1 {
		t.Errorf("StartStream calls = %d, want 1 before the retry fires", n)
	}

	h.recSched.FireAll()
	waitFor(t, "reconnect", func() bool { return h.sess.Status().Reconnects == 1 })
	if h.sess.Status().Recognizer != "READY" {
		t.Errorf("recognizer = %s, want READY", h.sess.Status().Recognizer)
	}

	h.media(speechPayload(400))
	if got := len(h.recSession(1).SentBytes()); got != 800 {
		t.Errorf("bytes sent after reconnect = %d, want 800", got)
	}
}

func TestSession_StopFlushesBufferedAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()

	// 150 μ-law bytes decode to 300 PCM bytes, below the flush floor.
	h.media(speechPayload(150))
	rec := h.recSession(0)
	if rec.SendAudioCallCount() != 0 {
		t.Fatal("buffer below the floor must not flush")
	}

	if err := h.stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := rec.SendAudioCallCount(); n != 1 {
		t.Errorf("flushes at stop = %d, want 1", n)
	}
	if got := len(rec.SentBytes()); got != 300 {
		t.Errorf("flushed bytes = %d, want 300", got)
	}
	if rec.Closes() != 1 {
		t.Errorf("recognizer closes = %d, want 1", rec.Closes())
	}
	if h.state() != StateIdle {
		t.Errorf("state = %s, want IDLE", h.state())
	}
	if h.sess.Post(Media(speechPayload(400))) {
		t.Error("Post after stop should be rejected")
	}
}

func TestSession_TurnIgnoredWhileAwaitingReply(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t)
	h.replier.gate = gate
	h.start()

	h.turn("first question")
	h.turn("second question")
	h.media(silencePayload(160))

	if h.state() != StateAwaitingReply {
		t.Fatalf("state = %s, want AWAITING_REPLY", h.state())
	}
	if n := h.replier.count(); n > 1 {
		t.Errorf("reply requests = %d, want at most 1 in flight", n)
	}

	close(gate)
	waitFor(t, "SPEAKING", func() bool { return h.state() == StateSpeaking })
	if n := h.replier.count(); n != 1 {
		t.Errorf("reply requests = %d, want 1", n)
	}
	if st := h.sess.Status(); st.Turns != 1 {
		t.Errorf("turns = %d, want 1", st.Turns)
	}
}

func TestSession_IncompleteTurnsIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()

	for _, turn := range []stt.Turn{
		{Text: "what is", EndOfTurn: false, Formatted: false},
		{Text: "what is the price", EndOfTurn: true, Formatted: false},
		{Text: "   ", EndOfTurn: true, Formatted: true},
	} {
		h.sess.Post(Event{Kind: EventRecognizerTurn, Recognizer: recognizer.Event{Kind: recognizer.EventTurn, Turn: turn}})
	}
	h.media(silencePayload(160))

	if h.state() != StateListening {
		t.Errorf("state = %s, want LISTENING", h.state())
	}
	if n := h.replier.count(); n != 0 {
		t.Errorf("reply requests = %d, want 0", n)
	}
}

func TestSession_ReplyDiscardedWhenCallEnds(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.replier.gate = make(chan struct{})
	h.start()
	h.turn("are you there")
	waitFor(t, "reply requested", func() bool { return h.replier.count() == 1 })

	if err := h.stop(); err != nil {
		t.Fatal(err)
	}
	if n := h.control.count(callcontrol.KindSpeak); n != 0 {
		t.Errorf("speak instructions after stop = %d, want 0", n)
	}
}

func TestSession_LongReplyTruncated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.MaxReplyChars = 20 })
	h.replier.text = "one two three four five six seven eight"
	h.start()
	h.turn("count for me")
	waitFor(t, "speak", func() bool { return h.control.count(callcontrol.KindSpeak) == 1 })

	calls := h.control.all()
	got := calls[len(calls)-1].Text
	if len([]rune(got)) > 20 {
		t.Errorf("spoken text %q exceeds 20 characters", got)
	}
}

func TestSession_PlaybackEndsOnTimer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	h.turn("hello")
	waitFor(t, "SPEAKING", func() bool { return h.state() == StateSpeaking })

	if h.playSched.Pending() != 1 {
		t.Fatalf("playback timers = %d, want 1", h.playSched.Pending())
	}
	if d := h.playSched.delays(); d[0] != EstimatePlayback("It is $20") {
		t.Errorf("playback delay = %v", d[0])
	}
	h.playSched.FireAll()
	waitFor(t, "LISTENING", func() bool { return h.state() == StateListening })
	if h.sess.Status().Playing {
		t.Error("playing should be false after playback")
	}
}

func TestSession_PlaybackEndsOnNextInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	h.turn("hello")
	waitFor(t, "SPEAKING", func() bool { return h.state() == StateSpeaking })

	if !h.registry.NotifyNextInput("CA1") {
		t.Fatal("registry did not route next-input to the live call")
	}
	waitFor(t, "LISTENING", func() bool { return h.state() == StateListening })
	if h.playSched.Pending() != 0 {
		t.Error("playback timer should be stopped")
	}
}

func TestSession_SpeakFailureReturnsToListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.control.speakErr = &callcontrol.APIError{Status: 500, Message: "boom"}
	h.start()
	h.turn("hello")

	waitFor(t, "speak attempt", func() bool { return h.control.count(callcontrol.KindSpeak) == 1 })
	waitFor(t, "LISTENING", func() bool { return h.state() == StateListening })
	if h.sess.Status().Playing {
		t.Error("playing should be false when the reply was not delivered")
	}
}

func TestSession_MediaBeforeStartDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.media(speechPayload(400))
	if st := h.sess.Status(); st.State != StateIdle || st.Dropped != 1 {
		t.Errorf("status = %+v", st)
	}
	if h.provider.CallCount() != 0 {
		t.Error("recognizer must not open before start")
	}
}

func TestSession_DecodeErrorDropsFrame(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	h.media("!!not-base64!!", "")
	if st := h.sess.Status(); st.Dropped != 2 || st.State != StateListening {
		t.Errorf("status = %+v", st)
	}
}

func TestSession_DuplicateStartIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	h.sess.Post(Start("CA2", "MZ2"))
	h.media(silencePayload(160))

	if st := h.sess.Status(); st.CallSID != "CA1" {
		t.Errorf("CallSID = %q, want CA1", st.CallSID)
	}
	if h.provider.CallCount() != 1 {
		t.Errorf("StartStream calls = %d, want 1", h.provider.CallCount())
	}
}

func TestSession_HangupReleasesCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	if _, ok := h.registry.Lookup("CA1"); !ok {
		t.Fatal("call not registered")
	}

	h.sess.Post(Event{Kind: EventHangup})
	if err := h.wait(); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.registry.Lookup("CA1"); ok {
		t.Error("call still registered after hangup")
	}
	if h.recSession(0).Closes() != 1 {
		t.Error("recognizer not closed")
	}
}

func TestSession_ContextCancelEndsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	waitFor(t, "run started", func() bool { return h.sess.running.Load() })

	s, err := New(h.sess.cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	s.Post(Start("CA9", "MZ9"))
	waitFor(t, "started", func() bool { return s.Status().State == StateListening })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.Status().State != StateIdle {
		t.Errorf("state = %s, want IDLE", s.Status().State)
	}
}

func TestSession_WritesCallLog(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	h.turn("hello")
	waitFor(t, "SPEAKING", func() bool { return h.state() == StateSpeaking })
	h.media(speechPayload(160))
	if err := h.stop(); err != nil {
		t.Fatal(err)
	}

	rec, err := h.store.Get(context.Background(), h.sess.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.CallSID != "CA1" || rec.StreamSID != "MZ1" {
		t.Errorf("ids = %q/%q", rec.CallSID, rec.StreamSID)
	}
	if rec.Active() {
		t.Error("record should be finished")
	}
	if rec.Turns != 1 || rec.Replies != 1 || rec.BargeIns != 1 {
		t.Errorf("counters = %+v", rec)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    State
		want string
	}{
		{StateIdle, "IDLE"},
		{StateListening, "LISTENING"},
		{StateAwaitingReply, "AWAITING_REPLY"},
		{StateSpeaking, "SPEAKING"},
		{State(42), "State(42)"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tc.s), got, tc.want)
		}
	}
}

func TestSession_DetectorOnlyConsultedDuringPlayback(t *testing.T) {
	t.Parallel()

	det := &vadmock.Detector{Default: vad.Result{Speech: true}}
	eng := &vadmock.Engine{Detector: det}
	vadCfg := vad.Config{SampleRate: 8000, WindowSamples: 80, SpeechThresholdDB: -30, NoiseFloorDB: -35}
	h := newHarness(t, func(c *Config) {
		c.VAD = eng
		c.VADConfig = vadCfg
	})
	if len(eng.NewDetectorCalls) != 1 || eng.NewDetectorCalls[0].Cfg != vadCfg {
		t.Fatalf("NewDetector calls = %+v, want one with the session's config", eng.NewDetectorCalls)
	}

	h.start()
	h.media(silencePayload(160), silencePayload(160))
	if n := det.CallCount(); n != 0 {
		t.Errorf("detector ran %d times while listening, want 0", n)
	}

	h.turn("do you ship abroad")
	waitFor(t, "SPEAKING", func() bool { return h.state() == StateSpeaking })
	h.media(silencePayload(160))
	waitFor(t, "interrupt", func() bool { return h.control.count(callcontrol.KindInterrupt) == 1 })
	if n := det.CallCount(); n != 1 {
		t.Errorf("detector ran %d times, want 1 for the frame heard during playback", n)
	}
}

func TestSession_MediaBacklogIsBounded(t *testing.T) {
	t.Parallel()

	sess, err := New(Config{
		Recognizer:      recognizer.Config{Provider: &sttmock.Provider{}, Scheduler: &fakeScheduler{}},
		VAD:             energy.New(),
		Control:         &fakeController{},
		Replier:         &fakeReplier{text: "ok"},
		Scheduler:       &fakeScheduler{},
		Now:             func() time.Time { return t0 },
		MaxQueuedFrames: 2,
		Logger:          slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Queue more frames than the loop is allowed to hold before it runs.
	for range 5 {
		if !sess.Post(Media(silencePayload(160))) {
			t.Fatal("media rejected before Run")
		}
	}
	if !sess.Post(Stop()) {
		t.Fatal("stop rejected: control events must never be shed")
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop")
	}

	st := sess.Status()
	if st.Frames != 2 {
		t.Errorf("frames processed = %d, want 2", st.Frames)
	}
	// Two queued frames arrive before start, three were shed.
	if st.Dropped != 5 {
		t.Errorf("dropped = %d, want 5", st.Dropped)
	}
}
