package fleet

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	centralapi "github.com/coderelay/coderelay/internal/central/api"
)

type handler struct {
	dashboard *Dashboard
	logger    *zap.Logger
}

func (h *handler) instances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.dashboard.Instances(r.Context())
	if err != nil {
		centralapi.ErrInternal(w, err.Error())
		return
	}
	centralapi.Ok(w, map[string]any{"instances": instances})
}

func (h *handler) lifecycleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := h.dashboard.LifecycleEvents(r.Context(), limit)
	if err != nil {
		centralapi.ErrInternal(w, err.Error())
		return
	}
	centralapi.Ok(w, map[string]any{"events": events})
}

func (h *handler) pidParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil {
		centralapi.ErrBadRequest(w, "invalid pid")
		return 0, false
	}
	return pid, true
}

// proxyGet forwards a read-only GET to the instance at the given path
// suffix, e.g. "/api/tool-names".
func (h *handler) proxyGet(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, ok := h.pidParam(w, r)
		if !ok {
			return
		}
		h.proxy(w, r, pid, http.MethodGet, path, nil)
	}
}

// proxyWithBody forwards a POST/PUT, including the JSON request body.
func (h *handler) proxyWithBody(method, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, ok := h.pidParam(w, r)
		if !ok {
			return
		}
		var body []byte
		if r.ContentLength != 0 {
			data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				centralapi.ErrBadRequest(w, "reading request body: "+err.Error())
				return
			}
			if len(data) > 0 {
				body = data
			}
		}
		h.proxy(w, r, pid, method, path, body)
	}
}

func (h *handler) proxy(w http.ResponseWriter, r *http.Request, pid int, method, path string, body []byte) {
	result, err := h.dashboard.ProxyTo(r.Context(), pid, method, path, body)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownInstance):
			centralapi.ErrNotFound(w, err.Error())
		case errors.Is(err, ErrInstanceIsZombie):
			centralapi.ErrJSON(w, http.StatusConflict, err.Error())
		default:
			centralapi.ErrInternal(w, err.Error())
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

func (h *handler) forceKill(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pidParam(w, r)
	if !ok {
		return
	}
	success, err := h.dashboard.ForceKill(r.Context(), pid)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownInstance):
			centralapi.ErrNotFound(w, err.Error())
		case errors.Is(err, ErrNotZombie):
			centralapi.ErrJSON(w, http.StatusConflict, err.Error())
		default:
			centralapi.ErrInternal(w, err.Error())
		}
		return
	}
	centralapi.Ok(w, map[string]any{"pid": pid, "killed": success})
}
