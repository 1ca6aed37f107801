package mediastream

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/MrWong99/dialtone/internal/call"
	"github.com/MrWong99/dialtone/internal/callcontrol"
)

const maxFormBytes = 1 << 20

// WebhookHandler answers the provider's next-input callback. It tells the
// owning session that playback has finished and returns a document that keeps
// the call listening.
type WebhookHandler struct {
	docs     callcontrol.Documents
	registry *call.Registry
	log      *slog.Logger
}

// NewWebhookHandler returns a WebhookHandler. registry may be nil, in which
// case callbacks are answered without notifying any session.
func NewWebhookHandler(docs callcontrol.Documents, registry *call.Registry, log *slog.Logger) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{docs: docs, registry: registry, log: log}
}

// ServeHTTP implements http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/xml")

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.log.Error("next-input webhook: bad request body", "err", err)
		_, _ = io.WriteString(w, h.docs.RenderApologyHangup())
		return
	}

	callSID := r.PostForm.Get("CallSid")
	log := h.log.With("call_sid", callSID)
	if h.registry != nil && callSID != "" {
		if !h.registry.NotifyNextInput(callSID) {
			log.Debug("next-input webhook for unknown call")
		}
	}
	log.Debug("next-input webhook",
		"speech_chars", len([]rune(r.PostForm.Get("SpeechResult"))),
		"confidence", r.PostForm.Get("Confidence"),
	)
	_, _ = io.WriteString(w, h.docs.RenderReArm())
}

// StatusHandler answers GET / with a plain liveness string and POST / by
// echoing the decoded request body.
func StatusHandler(log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.WriteString(w, "Server is running")
		case http.MethodPost:
			body, err := decodeBody(w, r)
			if err != nil {
				log.Debug("root POST: undecodable body", "err", err)
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"message": "POST request received!",
				"body":    body,
			})
		default:
			w.Header().Set("Allow", "GET, HEAD, POST")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		}
	})
}

// decodeBody returns a JSON body as-is, and any other body as its form
// fields.
func decodeBody(w http.ResponseWriter, r *http.Request) (any, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var v any
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			if errors.Is(err, io.EOF) {
				return map[string]any{}, nil
			}
			return nil, err
		}
		return v, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		fields[k] = r.PostForm.Get(k)
	}
	return fields, nil
}
