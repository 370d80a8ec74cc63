package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/central"
)

type handler struct {
	server   *central.Server
	logger   *zap.Logger
	shutdown func()
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]string{"status": "ok", "server": "coderelay-central"})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.server.GetStats())
}

func (h *handler) lifecycleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	Ok(w, map[string]any{"events": h.server.LifecycleEvents(limit)})
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.server.ActiveSessions()
	infos := make([]any, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.GetInfo())
	}
	Ok(w, map[string]any{"sessions": infos})
}

type createSessionRequest struct {
	ClientName string `json:"client_name"`
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess := h.server.CreateSession(req.ClientName)
	JSON(w, http.StatusOK, map[string]string{"session_id": sess.ID(), "status": "created"})
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	sess, ok := h.server.GetSession(sid)
	if !ok {
		ErrNotFound(w, "Session not found")
		return
	}
	Ok(w, sess.GetInfo())
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if !h.server.DisconnectSession(sid) {
		ErrNotFound(w, "Session not found")
		return
	}
	Ok(w, map[string]string{"status": "disconnected"})
}

func (h *handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	sess, ok := h.server.GetSession(sid)
	if !ok {
		ErrNotFound(w, "Session not found")
		return
	}
	sess.Touch()
	Ok(w, map[string]string{"status": "ok"})
}

func (h *handler) prompt(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	_, ok := h.server.GetSession(sid)
	if !ok {
		ErrNotFound(w, "Session not found")
		return
	}
	Ok(w, map[string]string{"prompt": h.server.Template().Prompt()})
}

type modesRequest struct {
	Modes []string `json:"modes"`
}

func (h *handler) setModes(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	var req modesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.server.SetModes(sid, req.Modes); err != nil {
		if errors.Is(err, central.ErrSessionNotFound) || errors.Is(err, central.ErrSessionDisconnected) {
			ErrNotFound(w, "Session not found")
			return
		}
		ErrInternal(w, err.Error())
		return
	}
	Ok(w, map[string]any{"status": "ok", "modes": req.Modes})
}

type projectRequest struct {
	ProjectPathOrName string `json:"project_path_or_name"`
}

func (h *handler) setProject(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	var req projectRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	name, root, err := h.server.ActivateProject(r.Context(), sid, req.ProjectPathOrName)
	if err != nil {
		switch {
		case errors.Is(err, central.ErrSessionNotFound), errors.Is(err, central.ErrSessionDisconnected):
			ErrNotFound(w, "Session not found")
		case errors.Is(err, central.ErrUnknownWorkspace):
			ErrBadRequest(w, err.Error())
		default:
			ErrInternal(w, err.Error())
		}
		return
	}
	Ok(w, map[string]string{"status": "ok", "project_name": name, "project_root": root})
}

func (h *handler) listTools(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{"tools": h.server.Tools()})
}

type toolCallRequest struct {
	Arguments map[string]any `json:"arguments"`
}

func (h *handler) callTool(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	name := chi.URLParam(r, "name")

	var req toolCallRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// ExecuteTool always returns a nil error: unknown session, disconnected
	// session, missing tool, and tool-level failures are all encoded as an
	// "Error: …" result string with HTTP 200, per the tool-dispatch contract.
	result, _ := h.server.ExecuteTool(r.Context(), sid, name, req.Arguments)

	isError := len(result) >= len("Error:") && result[:6] == "Error:"
	Ok(w, map[string]any{"result": result, "is_error": isError})
}

func (h *handler) toolNames(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{"tool_names": h.server.ToolNames()})
}

func (h *handler) toolStats(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{"tool_stats": h.server.ToolStats()})
}

func (h *handler) clearToolStats(w http.ResponseWriter, r *http.Request) {
	h.server.ClearToolStats()
	Ok(w, map[string]string{"status": "ok"})
}

func (h *handler) configOverview(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.server.ConfigOverview())
}

func (h *handler) queuedExecutions(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{"queued_executions": h.server.QueuedExecutions()})
}

func (h *handler) lastExecution(w http.ResponseWriter, r *http.Request) {
	event, ok := h.server.LastExecution()
	if !ok {
		Ok(w, map[string]any{"last_execution": nil})
		return
	}
	Ok(w, map[string]any{"last_execution": event})
}

func (h *handler) logs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	Ok(w, map[string]any{"logs": h.server.RecentLogs(limit)})
}

func (h *handler) listProjects(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{"projects": []string{}})
}

func (h *handler) listModes(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{"modes": h.server.Template().AvailableModes()})
}

func (h *handler) listContexts(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{"contexts": h.server.Template().Contexts()})
}

func (h *handler) shutdown(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]string{"status": "shutting down"})
	if h.shutdown != nil {
		go h.shutdown()
	}
}
