// Package assemblyai provides an AssemblyAI-backed STT provider using the
// Universal Streaming (v3) WebSocket API. It implements the stt.Provider
// interface.
//
// The v3 API delimits speech into turns. Every Turn message reports the
// transcript so far together with end_of_turn and turn_is_formatted flags;
// with format_turns enabled a finished turn is sent twice, first raw and then
// formatted.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/dialtone/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	defaultEndpoint            = "wss://streaming.assemblyai.com/v3/ws"
	defaultSampleRate          = 8000
	defaultEncoding            = "pcm_s16le"
	defaultEndOfTurnConfidence = 0.4
	defaultMinEndOfTurnSilence = 400 * time.Millisecond
	defaultMaxTurnSilence      = 1280 * time.Millisecond

	// terminateTimeout bounds the graceful Terminate write during Close.
	terminateTimeout = 2 * time.Second
)

// Option is a functional option for configuring the AssemblyAI Provider.
type Option func(*Provider)

// WithEndpoint overrides the WebSocket endpoint. Useful for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithSampleRate sets the provider-level default sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithFormatTurns controls whether finished turns are punctuated and cased.
// Enabled by default.
func WithFormatTurns(enabled bool) Option {
	return func(p *Provider) {
		p.formatTurns = enabled
	}
}

// Provider implements stt.Provider backed by AssemblyAI streaming.
type Provider struct {
	apiKey      string
	endpoint    string
	sampleRate  int
	formatTurns bool
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new AssemblyAI Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		endpoint:    defaultEndpoint,
		sampleRate:  defaultSampleRate,
		formatTurns: true,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials AssemblyAI and waits for the Begin message before
// returning, so a returned session is ready to accept audio.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("assemblyai: dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "no begin")
		return nil, fmt.Errorf("assemblyai: await begin: %w", err)
	}
	var begin message
	if err := json.Unmarshal(data, &begin); err != nil || begin.Type != "Begin" {
		conn.Close(websocket.StatusPolicyViolation, "unexpected first message")
		if begin.Error != "" {
			return nil, fmt.Errorf("assemblyai: session rejected: %s", begin.Error)
		}
		return nil, fmt.Errorf("assemblyai: expected Begin, got %q", begin.Type)
	}

	// The loops outlive the dial context; they stop on Close or remote close.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		id:     begin.ID,
		conn:   conn,
		ctx:    loopCtx,
		cancel: cancel,
		events: make(chan stt.Event, 64),
		audio:  make(chan []byte, 256),
		done:   make(chan struct{}),
		gone:   make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop()
	go sess.writeLoop()

	return sess, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = defaultEncoding
	}
	conf := cfg.EndOfTurnConfidence
	if conf == 0 {
		conf = defaultEndOfTurnConfidence
	}
	minSilence := cfg.MinEndOfTurnSilence
	if minSilence == 0 {
		minSilence = defaultMinEndOfTurnSilence
	}
	maxSilence := cfg.MaxTurnSilence
	if maxSilence == 0 {
		maxSilence = defaultMaxTurnSilence
	}

	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("encoding", enc)
	q.Set("format_turns", strconv.FormatBool(cfg.FormatTurns || p.formatTurns))
	q.Set("end_of_turn_confidence_threshold", strconv.FormatFloat(conf, 'g', -1, 64))
	q.Set("min_end_of_turn_silence_when_confident", strconv.FormatInt(minSilence.Milliseconds(), 10))
	q.Set("max_turn_silence", strconv.FormatInt(maxSilence.Milliseconds(), 10))

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// message is the union of the server messages this client understands.
type message struct {
	Type string `json:"type"`

	// Begin
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`

	// Turn
	TurnOrder           int     `json:"turn_order"`
	TurnIsFormatted     bool    `json:"turn_is_formatted"`
	EndOfTurn           bool    `json:"end_of_turn"`
	Transcript          string  `json:"transcript"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`

	// Error
	Error string `json:"error"`
}

// session is a live AssemblyAI streaming session. It implements
// stt.SessionHandle.
type session struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	events chan stt.Event
	audio  chan []byte

	done      chan struct{} // closed by Close
	gone      chan struct{} // closed when the transport is unusable
	closeOnce sync.Once
	goneOnce  sync.Once
	wg        sync.WaitGroup
}

var _ stt.SessionHandle = (*session)(nil)

// ID returns the session id from the Begin message.
func (s *session) ID() string { return s.id }

// Events returns the session event channel.
func (s *session) Events() <-chan stt.Event { return s.events }

// SendAudio queues a PCM chunk for delivery. It never blocks: a full queue is
// reported as an error.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.gone:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	default:
		return errors.New("assemblyai: send queue full")
	}
}

// Close sends Terminate, closes the connection and waits for both loops.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Terminate"}`))
		cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *session) markGone() {
	s.goneOnce.Do(func() { close(s.gone) })
}

// writeLoop forwards queued audio as binary frames.
func (s *session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
				s.markGone()
				return
			}
		case <-s.done:
			return
		case <-s.gone:
			return
		}
	}
}

// readLoop decodes server messages into events until the connection ends.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)
	defer s.markGone()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			select {
			case <-s.done:
				// Local close; nothing to report.
			default:
				s.emit(closedEvent(err))
			}
			return
		}
		ev, ok := parseMessage(data)
		if !ok {
			continue
		}
		s.emit(ev)
	}
}

func (s *session) emit(ev stt.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// closedEvent builds an EventClosed from a read error.
func closedEvent(err error) stt.Event {
	ev := stt.Event{Kind: stt.EventClosed, Err: err, CloseCode: int(websocket.CloseStatus(err))}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		ev.CloseReason = ce.Reason
	}
	return ev
}

// parseMessage converts a raw server message into an event. Returns false for
// messages that carry nothing for the consumer (Begin, Termination, unknown).
func parseMessage(data []byte) (stt.Event, bool) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return stt.Event{}, false
	}
	if m.Error != "" {
		return stt.Event{Kind: stt.EventError, Err: fmt.Errorf("assemblyai: %s", m.Error)}, true
	}
	if m.Type != "Turn" {
		return stt.Event{}, false
	}
	return stt.Event{
		Kind: stt.EventTurn,
		Turn: stt.Turn{
			Text:       m.Transcript,
			EndOfTurn:  m.EndOfTurn,
			Formatted:  m.TurnIsFormatted,
			Order:      m.TurnOrder,
			Confidence: m.EndOfTurnConfidence,
		},
	}, true
}
