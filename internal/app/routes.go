package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/dialtone/internal/call"
	"github.com/MrWong99/dialtone/internal/callcontrol"
	"github.com/MrWong99/dialtone/internal/calllog"
	"github.com/MrWong99/dialtone/internal/mediastream"
)

// defaultCallsLimit caps /calls when no limit query parameter is given.
const defaultCallsLimit = 50

// routes builds the HTTP mux:
//
//	GET|POST /                 liveness text / body echo, or the media stream
//	                           when the request is a websocket upgrade
//	<media_stream_path>        media stream websocket
//	POST /process-user-input   next-input webhook
//	GET  /calls                live calls and recent call log records
//	GET  /metrics              Prometheus scrape endpoint
//	GET  /healthz, /readyz     probes
func (a *App) routes() http.Handler {
	stream := mediastream.NewHandler(a.newSession,
		mediastream.WithLogger(a.log),
		mediastream.WithShutdown(a.hangup),
	)
	status := mediastream.StatusHandler(a.log)

	mux := http.NewServeMux()
	mux.Handle("/{$}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isUpgrade(r) {
			stream.ServeHTTP(w, r)
			return
		}
		status.ServeHTTP(w, r)
	}))
	if p := a.cfg.Server.MediaStreamPath; p != "" && p != "/" {
		mux.Handle(p, stream)
	}
	mux.Handle("POST "+callcontrol.WebhookPath, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.tuning.Load().webhook.ServeHTTP(w, r)
	}))
	mux.HandleFunc("GET /calls", a.handleCalls)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	a.health.Register(mux)
	return mux
}

// isUpgrade reports whether r asks for a websocket upgrade.
func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// callRecord is the JSON view of a calllog.Record.
type callRecord struct {
	ID            string    `json:"id"`
	CallSID       string    `json:"call_sid"`
	StreamSID     string    `json:"stream_sid"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitzero"`
	DurationMS    int64     `json:"duration_ms,omitempty"`
	Turns         int       `json:"turns"`
	Replies       int       `json:"replies"`
	Fallbacks     int       `json:"fallbacks"`
	BargeIns      int       `json:"barge_ins"`
	Reconnects    int       `json:"reconnects"`
	DroppedFrames int       `json:"dropped_frames"`
}

func toCallRecord(r calllog.Record) callRecord {
	return callRecord{
		ID:            r.ID,
		CallSID:       r.CallSID,
		StreamSID:     r.StreamSID,
		StartedAt:     r.StartedAt,
		EndedAt:       r.EndedAt,
		DurationMS:    r.Duration().Milliseconds(),
		Turns:         r.Turns,
		Replies:       r.Replies,
		Fallbacks:     r.Fallbacks,
		BargeIns:      r.BargeIns,
		Reconnects:    r.Reconnects,
		DroppedFrames: r.DroppedFrames,
	}
}

type callsResponse struct {
	Live   []call.Status `json:"live"`
	Recent []callRecord  `json:"recent"`
}

// handleCalls answers GET /calls?limit=N.
func (a *App) handleCalls(w http.ResponseWriter, r *http.Request) {
	limit := defaultCallsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := a.store.List(r.Context(), limit)
	if err != nil {
		a.log.Error("list call log", "err", err)
		http.Error(w, "call log unavailable", http.StatusServiceUnavailable)
		return
	}
	resp := callsResponse{
		Live:   a.registry.Statuses(),
		Recent: make([]callRecord, 0, len(recs)),
	}
	if resp.Live == nil {
		resp.Live = []call.Status{}
	}
	for _, rec := range recs {
		resp.Recent = append(resp.Recent, toCallRecord(rec))
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(resp)
}
