// Package httpapi is the HTTP control surface for delivery jobs.
package httpapi

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"postrelay/internal/dispatch"
	logx "postrelay/pkg/logx"
)

//go:embed static/index.html
var staticFS embed.FS

const defaultLogTail = 200

// Jobs is the part of *dispatch.Registry the handlers use.
type Jobs interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (string, error)
	Cancel(id string) error
	Status(id string, tail int) (dispatch.Status, error)
	List() map[string]dispatch.Summary
	Stats() dispatch.Stats
}

type Options struct {
	// LogTail caps the entries returned by GET /logs/{id}.
	LogTail      int
	DefaultDelay time.Duration
	StaticDir    string
	Pprof        bool
	// MaxUpload bounds the request body of POST /start.
	MaxUpload int64
}

type handler struct {
	jobs Jobs
	opts Options
	log  logx.Logger
}

type taskView struct {
	State     dispatch.State `json:"state"`
	Running   bool           `json:"running"`
	Target    string         `json:"target"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewHandler builds the router. Every route runs behind a recover middleware.
func NewHandler(jobs Jobs, opts Options, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.LogTail <= 0 {
		opts.LogTail = defaultLogTail
	}
	h := &handler{jobs: jobs, opts: opts, log: log.With(logx.String("comp", "http"))}

	r := mux.NewRouter()
	r.Use(h.recoverer)
	r.HandleFunc("/", h.index).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/start", h.start).Methods(http.MethodPost)
	r.HandleFunc("/stop/{id}", h.stop).Methods(http.MethodPost)
	r.HandleFunc("/logs/{id}", h.logs).Methods(http.MethodGet)
	r.HandleFunc("/tasks", h.tasks).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	if opts.Pprof {
		p := r.PathPrefix("/debug/pprof").Subrouter()
		p.HandleFunc("/cmdline", hpprof.Cmdline)
		p.HandleFunc("/profile", hpprof.Profile)
		p.HandleFunc("/symbol", hpprof.Symbol)
		p.HandleFunc("/trace", hpprof.Trace)
		p.PathPrefix("/").HandlerFunc(hpprof.Index)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method_not_allowed"})
	})
	return r
}

func (h *handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				h.log.Error("handler panicked",
					logx.String("method", r.Method),
					logx.String("path", r.URL.Path),
					logx.Any("panic", p),
					logx.String("stack", string(debug.Stack())),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *handler) index(w http.ResponseWriter, r *http.Request) {
	if dir := strings.TrimSpace(h.opts.StaticDir); dir != "" {
		http.ServeFile(w, r, filepath.Join(dir, "index.html"))
		return
	}
	b, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(b)
}

func (h *handler) start(w http.ResponseWriter, r *http.Request) {
	req, err := parseStart(r, h.opts.DefaultDelay, h.opts.MaxUpload)
	if err == nil {
		var id string
		id, err = h.jobs.Submit(r.Context(), req)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"job_id": id})
			return
		}
	}

	var ce *dispatch.CredentialError
	switch {
	case errors.As(err, &ce):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_credential", "details": ce.Details})
	case errors.Is(err, dispatch.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation", "details": validationDetail(err)})
	case errors.Is(err, dispatch.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
	default:
		h.log.Error("start failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
	}
}

func (h *handler) stop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.jobs.Cancel(id); err != nil {
		h.notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "stop requested for " + id})
}

func (h *handler) logs(w http.ResponseWriter, r *http.Request) {
	st, err := h.jobs.Status(mux.Vars(r)["id"], h.opts.LogTail)
	if err != nil {
		h.notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   st.State,
		"running": st.Running(),
		"logs":    st.Log,
	})
}

func (h *handler) tasks(w http.ResponseWriter, _ *http.Request) {
	list := h.jobs.List()
	out := make(map[string]taskView, len(list))
	for id, s := range list {
		out[id] = taskView{
			State:     s.State,
			Running:   s.State == dispatch.StateRunning,
			Target:    s.Target,
			CreatedAt: s.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	st := h.jobs.Stats()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "jobs": st.Total, "running": st.Running})
}

func (h *handler) notFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, dispatch.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
		return
	}
	h.log.Error("request failed", logx.Err(err))
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
}

func validationDetail(err error) string {
	return strings.TrimPrefix(err.Error(), dispatch.ErrValidation.Error()+": ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
