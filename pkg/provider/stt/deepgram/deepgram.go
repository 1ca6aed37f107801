// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Deepgram reports results rather than turns. A result with is_final set is
// a stable, punctuated segment, and one utterance is usually finalized over
// several segments. The session joins them and completes the turn when a
// segment carries speech_final (endpointing) or when an UtteranceEnd message
// arrives (utterance_end_ms).
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/dialtone/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 8000
	defaultEndpointMS = 400
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the WebSocket endpoint. Useful for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
// Deepgram accepts audio as soon as the upgrade succeeds.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	var id string
	if resp != nil {
		id = resp.Header.Get("dg-request-id")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		id:     id,
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

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	endpointing := int64(defaultEndpointMS)
	if cfg.MinEndOfTurnSilence > 0 {
		endpointing = cfg.MinEndOfTurnSilence.Milliseconds()
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("channels", "1")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("interim_results", "true")
	q.Set("punctuate", strconv.FormatBool(cfg.FormatTurns))
	q.Set("smart_format", strconv.FormatBool(cfg.FormatTurns))
	q.Set("endpointing", strconv.FormatInt(endpointing, 10))
	if cfg.MaxTurnSilence > 0 {
		// Deepgram's minimum for utterance_end_ms is 1000.
		q.Set("utterance_end_ms", strconv.FormatInt(max(cfg.MaxTurnSilence.Milliseconds(), 1000), 10))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure of a Deepgram server message. Only
// Results and UtteranceEnd messages are acted on.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	// Channel is an object on Results and an index array on UtteranceEnd.
	Channel json.RawMessage `json:"channel"`

	// Alternatives is decoded from Channel for Results messages.
	Alternatives []deepgramAlternative `json:"-"`
}

type deepgramAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	events chan stt.Event
	audio  chan []byte

	done      chan struct{}
	gone      chan struct{}
	closeOnce sync.Once
	goneOnce  sync.Once
	wg        sync.WaitGroup

	// utt is owned by readLoop.
	utt utterance
}

var _ stt.SessionHandle = (*session)(nil)

// ID returns the Deepgram request id, if the server sent one.
func (s *session) ID() string { return s.id }

// Events returns the session event channel.
func (s *session) Events() <-chan stt.Event { return s.events }

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
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
		return errors.New("deepgram: send queue full")
	}
}

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		// Ask Deepgram to flush pending audio.
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
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

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
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

// readLoop receives JSON messages from Deepgram and emits turn events.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)
	defer s.markGone()

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				ev := stt.Event{Kind: stt.EventClosed, Err: err, CloseCode: int(websocket.CloseStatus(err))}
				var ce websocket.CloseError
				if errors.As(err, &ce) {
					ev.CloseReason = ce.Reason
				}
				s.emit(ev)
			}
			return
		}

		resp, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		if t, ok := s.utt.apply(resp); ok {
			s.emit(stt.Event{Kind: stt.EventTurn, Turn: t})
		}
	}
}

func (s *session) emit(ev stt.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// parseDeepgramResponse decodes a raw Deepgram WebSocket message. It returns
// false for malformed JSON and for message types the session ignores.
func parseDeepgramResponse(data []byte) (deepgramResponse, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return deepgramResponse{}, false
	}
	switch resp.Type {
	case "Results":
		var ch struct {
			Alternatives []deepgramAlternative `json:"alternatives"`
		}
		if err := json.Unmarshal(resp.Channel, &ch); err != nil {
			return deepgramResponse{}, false
		}
		resp.Alternatives = ch.Alternatives
		return resp, len(resp.Alternatives) > 0
	case "UtteranceEnd":
		return resp, true
	default:
		return deepgramResponse{}, false
	}
}

// utterance accumulates the is_final segments of the utterance in progress.
type utterance struct {
	segments   []string
	confidence float64
	order      int
}

// apply folds one message into the utterance and returns the turn update to
// report, if any. Interim results are reported on top of the finalized
// segments so far. Completing a turn resets the utterance and advances the
// order.
func (u *utterance) apply(resp deepgramResponse) (stt.Turn, bool) {
	if resp.Type == "UtteranceEnd" {
		return u.complete()
	}

	alt := resp.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if !resp.IsFinal {
		if text == "" {
			return stt.Turn{}, false
		}
		return stt.Turn{
			Text:       joinSegments(u.segments, text),
			Order:      u.order,
			Confidence: alt.Confidence,
		}, true
	}

	if text != "" {
		if len(u.segments) == 0 || alt.Confidence < u.confidence {
			u.confidence = alt.Confidence
		}
		u.segments = append(u.segments, text)
	}
	if resp.SpeechFinal {
		return u.complete()
	}
	if text == "" {
		return stt.Turn{}, false
	}
	return stt.Turn{
		Text:       joinSegments(u.segments, ""),
		Formatted:  true,
		Order:      u.order,
		Confidence: u.confidence,
	}, true
}

// complete closes the utterance. An utterance without finalized text yields
// nothing, so an UtteranceEnd after speech_final is a no-op.
func (u *utterance) complete() (stt.Turn, bool) {
	if len(u.segments) == 0 {
		return stt.Turn{}, false
	}
	t := stt.Turn{
		Text:       joinSegments(u.segments, ""),
		EndOfTurn:  true,
		Formatted:  true,
		Order:      u.order,
		Confidence: u.confidence,
	}
	u.segments = u.segments[:0]
	u.confidence = 0
	u.order++
	return t, true
}

func joinSegments(segments []string, tail string) string {
	text := strings.Join(segments, " ")
	if tail == "" {
		return text
	}
	if text == "" {
		return tail
	}
	return text + " " + tail
}
