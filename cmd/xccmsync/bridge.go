package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"xccmsync/internal/agent"
	"xccmsync/internal/editctx"
	"xccmsync/internal/logging"
	"xccmsync/internal/prefetch"
	"xccmsync/internal/savequeue"
)

// maxBodyBytes bounds request bodies. Granule content is text.
const maxBodyBytes = 8 << 20

// bridge exposes the agent to the editor surface over loopback HTTP.
type bridge struct {
	agent  *agent.Agent
	logger *logging.Logger
}

func newBridge(a *agent.Agent, logger *logging.Logger) *bridge {
	if logger == nil {
		logger = logging.Discard()
	}
	return &bridge{agent: a, logger: logger.WithComponent("bridge")}
}

// Routes returns the bridge router.
func (b *bridge) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(b.requestLog)

	r.Get("/healthz", b.agent.Health().Handler().ServeHTTP)
	r.Get("/readyz", b.agent.Health().ReadinessHandler().ServeHTTP)
	r.Method(http.MethodGet, "/metrics", b.agent.Metrics().Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/select", b.selectDocument)
		r.Post("/content", b.content)
		r.Post("/ack-switch", b.ackSwitch)
		r.Post("/flush", b.flush)
		r.Post("/undo", b.undo)
		r.Post("/redo", b.redo)
		r.Post("/reconnect", b.reconnect)
		r.Get("/state/{docID}", b.state)
		r.Get("/prefetch", b.prefetch)
	})
	return r
}

func (b *bridge) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		id := b.logger.NewRequestID()
		ctx := logging.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(ww, r.WithContext(ctx))
		b.logger.WithRequestID(id).Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

// selectRequest carries either a full context or kind, path key and
// entity id.
type selectRequest struct {
	editctx.EditContext
	Path string `json:"path,omitempty"`
}

type selectResponse struct {
	DocID   string `json:"docId"`
	Content string `json:"content"`
}

func (b *bridge) selectDocument(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decode(w, r, &req) {
		return
	}
	ec := req.EditContext
	if req.Path != "" {
		parsed, err := editctx.Parse(req.Kind, req.Path, req.EntityID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ec = parsed
	}

	content, err := b.agent.Select(r.Context(), ec)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, selectResponse{DocID: ec.DocID(), Content: content})
}

type contentRequest struct {
	DocID   string `json:"docId"`
	Content string `json:"content"`
}

func (b *bridge) content(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": b.agent.Edit(req.Content, req.DocID)})
}

type docRequest struct {
	DocID string `json:"docId"`
}

func (b *bridge) ackSwitch(w http.ResponseWriter, r *http.Request) {
	var req docRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": b.agent.AcknowledgeSwitch(req.DocID)})
}

func (b *bridge) flush(w http.ResponseWriter, r *http.Request) {
	if err := b.agent.Flush(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *bridge) undo(w http.ResponseWriter, r *http.Request) {
	b.historyStep(w, r, b.agent.Undo)
}

func (b *bridge) redo(w http.ResponseWriter, r *http.Request) {
	b.historyStep(w, r, b.agent.Redo)
}

func (b *bridge) historyStep(w http.ResponseWriter, r *http.Request, step func(context.Context) (bool, error)) {
	applied, err := step(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	h := b.agent.History()
	writeJSON(w, http.StatusOK, map[string]bool{
		"applied": applied,
		"canUndo": h.CanUndo(),
		"canRedo": h.CanRedo(),
	})
}

func (b *bridge) reconnect(w http.ResponseWriter, r *http.Request) {
	if err := b.agent.ManualReconnect(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (b *bridge) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, b.agent.State(chi.URLParam(r, "docID")))
}

type prefetchResponse struct {
	Stats prefetch.Stats `json:"stats"`
	Keys  []string       `json:"keys"`
}

func (b *bridge) prefetch(w http.ResponseWriter, r *http.Request) {
	stats, keys := b.agent.PrefetchStats()
	writeJSON(w, http.StatusOK, prefetchResponse{Stats: stats, Keys: keys})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// statusFor maps agent errors onto HTTP status codes.
func statusFor(err error) int {
	var saveErr *savequeue.SaveError
	switch {
	case errors.Is(err, editctx.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrCollabDisabled):
		return http.StatusConflict
	case errors.Is(err, savequeue.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &saveErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
