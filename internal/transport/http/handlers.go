package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"
	"unicode"

	"github.com/snehjoshi/dayslot/internal/dispatch"
	"github.com/snehjoshi/dayslot/internal/node"
	"github.com/snehjoshi/dayslot/internal/storage"
	transportws "github.com/snehjoshi/dayslot/internal/transport/websocket"
)

// Version is reported by GET /health.
const Version = "1.0.0"

// Pagination bounds for GET /passes.
const (
	defaultPassLimit = 20
	maxPassLimit     = 500
)

// validID reports whether s is acceptable as a message id in a path.
func validID(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	hub        *transportws.Hub
	log        *slog.Logger
}

// ─── Request / Response types ─────────────────────────────────────────────────

type passListResp struct {
	Passes []*storage.PassRecord `json:"passes"`
}

type outboxResp struct {
	Entries []storage.OutboxEntry `json:"entries"`
}

type deadLetterResp struct {
	DeadLetters []storage.DeadLetter `json:"dead_letters"`
}

type replayResp struct {
	Replayed int `json:"replayed"`
}

type holdListResp struct {
	Holds []storage.Hold `json:"holds"`
}

type holdResp struct {
	MessageID string `json:"message_id"`
	Held      bool   `json:"held"`
}

type healthResp struct {
	Status    string `json:"status"`
	NodeID    string `json:"node_id"`
	Timezone  string `json:"timezone"`
	WSClients int    `json:"ws_clients"`
	Uptime    string `json:"uptime"`
	UptimeMs  int64  `json:"uptime_ms"`
	Version   string `json:"version"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	resp := healthResp{
		Status:   "ok",
		NodeID:   h.dispatcher.NodeID(),
		Timezone: h.dispatcher.Location().String(),
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  Version,
	}
	if h.hub != nil {
		resp.WSClients = h.hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Passes ───────────────────────────────────────────────────────────────────

func (h *Handler) runPass(w http.ResponseWriter, r *http.Request) {
	// A pass that has started runs to completion even if the caller hangs up.
	ctx := context.WithoutCancel(r.Context())
	rec, err := h.dispatcher.RunPass(ctx)
	switch {
	case errors.Is(err, dispatch.ErrPassInProgress):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		h.log.Error("manual pass failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (h *Handler) listPasses(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", defaultPassLimit)
	if limit < 1 {
		limit = defaultPassLimit
	}
	if limit > maxPassLimit {
		limit = maxPassLimit
	}
	recs, err := h.dispatcher.Passes(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []*storage.PassRecord{}
	}
	writeJSON(w, http.StatusOK, passListResp{Passes: recs})
}

func (h *Handler) getPass(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := node.PassTime(id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid pass id"})
		return
	}
	rec, err := h.dispatcher.Pass(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "pass not found"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ─── Outbox ───────────────────────────────────────────────────────────────────

func (h *Handler) outbox(w http.ResponseWriter, r *http.Request) {
	entries, err := h.dispatcher.Outbox()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []storage.OutboxEntry{}
	}
	writeJSON(w, http.StatusOK, outboxResp{Entries: entries})
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

func (h *Handler) deadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := h.dispatcher.DeadLetters()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if dead == nil {
		dead = []storage.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, deadLetterResp{DeadLetters: dead})
}

// replayDeadLetters moves dead letters back to the outbox. ?limit=N caps the
// count; absent or <= 0 replays all.
func (h *Handler) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := h.dispatcher.ReplayDeadLetters(parseIntParam(r, "limit", 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, replayResp{Replayed: n})
}

// ─── Holds ────────────────────────────────────────────────────────────────────

func (h *Handler) listHolds(w http.ResponseWriter, r *http.Request) {
	holds, err := h.dispatcher.Holds()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if holds == nil {
		holds = []storage.Hold{}
	}
	writeJSON(w, http.StatusOK, holdListResp{Holds: holds})
}

func (h *Handler) hold(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validID(id) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message id"})
		return
	}
	if err := h.dispatcher.Hold(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, holdResp{MessageID: id, Held: true})
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.dispatcher.Release(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "message is not held"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseIntParam(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
