package internal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handler exposes the lookup and generation API over HTTP.
type Handler struct {
	ctrl *Controller
}

// NewHandler builds the router. Kinds appear as path prefixes, so the API
// reads /movie/dune-2021, /person/denis-villeneuve, /tv-series/the-bear.
func NewHandler(ctrl *Controller) http.Handler {
	h := &Handler{ctrl: ctrl}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/jobs/{jobID}", h.jobStatus)
	r.Get("/variants/{variantID}", h.variant)

	r.Get("/{kind}/{slug}", h.lookup)
	r.Get("/{kind}/{slug}/variants", h.variants)
	r.Post("/{kind}/{slug}/regenerate", h.regenerate)
	r.Post("/{kind}/{slug}/refresh", h.refresh)

	return r
}

// requestLogger logs one line per request with its ID, so log lines and
// responses can be correlated.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			Log(r.Context()).Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKindParam(w, r)
	if !ok {
		return
	}
	slug := chi.URLParam(r, "slug")
	locale := r.URL.Query().Get("locale")
	contextTag := r.URL.Query().Get("context")

	res, err := h.ctrl.Lookup(r.Context(), kind, slug, locale, contextTag)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if res.Job != nil {
		writeAccepted(w, res.Job)
		return
	}
	writeRaw(w, http.StatusOK, res.Payload)
}

func (h *Handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ctrl.JobStatus(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, errNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "job not found or expired",
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) variant(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "variantID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid variant id"})
		return
	}

	payload, err := h.ctrl.Variant(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, payload)
}

func (h *Handler) variants(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKindParam(w, r)
	if !ok {
		return
	}

	payload, err := h.ctrl.Variants(r.Context(), kind, chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, payload)
}

// regenerateBody is the optional JSON body of regenerate and refresh
// requests.
type regenerateBody struct {
	Locale     string `json:"locale"`
	ContextTag string `json:"context_tag"`
	BaselineID int64  `json:"baseline_id"`
}

func (h *Handler) regenerate(w http.ResponseWriter, r *http.Request) {
	h.enqueueExisting(w, r, h.ctrl.Regenerate)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	h.enqueueExisting(w, r, h.ctrl.Refresh)
}

func (h *Handler) enqueueExisting(w http.ResponseWriter, r *http.Request, enqueue func(ctx context.Context, kind Kind, slug, locale, contextTag string, baselineID int64) (*JobRecord, error)) {
	kind, ok := parseKindParam(w, r)
	if !ok {
		return
	}

	var body regenerateBody
	if r.Body != nil {
		// An empty body is fine; only malformed JSON is rejected.
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}

	rec, err := enqueue(r.Context(), kind, chi.URLParam(r, "slug"), body.Locale, body.ContextTag, body.BaselineID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeAccepted(w, rec)
}

func parseKindParam(w http.ResponseWriter, r *http.Request) (Kind, bool) {
	kind, err := ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return "", false
	}
	return kind, true
}

// writeAccepted emits the 202 polling envelope: the job record plus a
// Location header pointing at the status endpoint.
func writeAccepted(w http.ResponseWriter, rec *JobRecord) {
	w.Header().Set("Location", "/jobs/"+rec.JobID)
	w.Header().Set("Retry-After", "2")
	writeJSON(w, http.StatusAccepted, rec)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errNotFound), errors.Is(err, errGenerationDisabled):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		Log(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, payload)
}

func writeRaw(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
