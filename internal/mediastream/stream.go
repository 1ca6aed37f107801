// Package mediastream terminates the telephony provider's HTTP surfaces: the
// bidirectional media-stream websocket, one per call, and the next-input
// webhook that the provider calls when a speech Gather completes.
package mediastream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/dialtone/internal/call"
)

// maxFrameBytes bounds a single media-stream message.
const maxFrameBytes = 64 << 10

// SessionFactory creates the session that will own a new stream.
type SessionFactory func() (*call.Session, error)

// Option is a functional option for configuring a Handler.
type Option func(*Handler)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

// WithOriginPatterns allows cross-origin upgrades from hosts matching the
// patterns. The provider does not send an Origin header, so this only matters
// for browser-based test clients.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) {
		h.accept.OriginPatterns = patterns
	}
}

// WithShutdown hangs up every open stream once ctx is done.
func WithShutdown(ctx context.Context) Option {
	return func(h *Handler) {
		h.shutdown = ctx
	}
}

// Handler accepts media-stream websockets and feeds each one into its own
// call session.
type Handler struct {
	newSession SessionFactory
	accept     websocket.AcceptOptions
	shutdown   context.Context
	log        *slog.Logger
}

// NewHandler returns a Handler that creates sessions with factory.
func NewHandler(factory SessionFactory, opts ...Option) *Handler {
	h := &Handler{newSession: factory}
	for _, o := range opts {
		o(h)
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	return h
}

// ServeHTTP upgrades the request and pumps frames into a new session until
// the stream stops or the connection drops. It returns once the session has
// released all of its resources.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &h.accept)
	if err != nil {
		h.log.Warn("media stream upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)

	sess, err := h.newSession()
	if err != nil {
		h.log.Error("failed to create call session", "err", err)
		conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	log := h.log.With("session_id", sess.ID())

	// The session outlives the request context so teardown always completes.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	if h.shutdown != nil {
		stop := context.AfterFunc(h.shutdown, cancel)
		defer stop()
	}

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run(ctx) }()

	stopped := h.pump(ctx, conn, sess, log)
	if !stopped {
		sess.Post(call.Event{Kind: call.EventHangup})
	}
	if err := <-runDone; err != nil {
		log.Warn("call session ended with error", "err", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// pump reads frames until a stop frame is posted, the session stops taking
// events, or the connection fails. It reports whether a stop was posted.
func (h *Handler) pump(ctx context.Context, conn *websocket.Conn, sess *call.Session, log *slog.Logger) bool {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debug("media stream closed by peer")
			default:
				log.Info("media stream read ended", "err", err)
			}
			return false
		}
		if typ != websocket.MessageText {
			continue
		}
		ev, err := ParseFrame(data)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				log.Debug("media stream event ignored", "err", err)
			} else {
				log.Warn("malformed media stream frame", "err", err)
			}
			continue
		}
		if !sess.Post(ev) {
			return true
		}
		if ev.Kind == call.EventStop {
			return true
		}
	}
}
