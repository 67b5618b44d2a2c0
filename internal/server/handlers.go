package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/vibetunnel/vibetunnel/internal/protocol"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

// writeJSON encodes v with the standard headers.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the session package's sentinel errors to HTTP status
// codes. Anything unrecognised is a sanitised 500.
func writeError(w http.ResponseWriter, err error) {
	var status int
	msg := err.Error()
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrSessionExited):
		status = http.StatusConflict
	case errors.Is(err, session.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, session.ErrUpstreamUnreachable):
		status = http.StatusBadGateway
	case errors.Is(err, session.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": s.version})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	views := s.mgr.List()
	if s.registry != nil {
		views = append(views, s.registry.ListSessions()...)
	}
	writeJSON(w, http.StatusOK, views)
}

type createSessionRequest struct {
	Command     []string          `json:"command"`
	WorkingDir  string            `json:"workingDir"`
	Name        string            `json:"name,omitempty"`
	Cols        int               `json:"cols,omitempty"`
	Rows        int               `json:"rows,omitempty"`
	TitleMode   string            `json:"titleMode,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	RecordInput bool              `json:"recordInput,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, session.ErrBadRequest)
		return
	}
	sess, err := s.mgr.Create(session.CreateOptions{
		Command:     req.Command,
		WorkingDir:  req.WorkingDir,
		Name:        req.Name,
		Cols:        req.Cols,
		Rows:        req.Rows,
		TitleMode:   req.TitleMode,
		Env:         req.Env,
		RecordInput: req.RecordInput,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if s.hqClient != nil {
		s.hqClient.NotifySessionsChanged()
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sess.Info().ID})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	view, err := s.mgr.GetView(id)
	if err != nil {
		if s.proxyToOwner(w, r, id, err) {
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	force := r.URL.Query().Get("force") == "true"
	if err := s.mgr.Delete(id, force); err != nil {
		if s.proxyToOwner(w, r, id, err) {
			return
		}
		writeError(w, err)
		return
	}
	if s.hqClient != nil {
		s.hqClient.NotifySessionsChanged()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	var msg protocol.InputMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, session.ErrBadRequest)
		return
	}
	payload, err := msg.Payload()
	if err != nil {
		writeError(w, session.ErrBadRequest)
		return
	}
	if err := s.mgr.Input(id, []byte(payload)); err != nil {
		if s.proxyToOwner(w, r, id, err) {
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, session.ErrBadRequest)
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		writeError(w, session.ErrBadRequest)
		return
	}
	if err := s.mgr.Resize(id, req.Cols, req.Rows); err != nil {
		if s.proxyToOwner(w, r, id, err) {
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, session.ErrBadRequest)
		return
	}
	if err := s.mgr.Rename(id, req.Name); err != nil {
		if s.proxyToOwner(w, r, id, err) {
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// proxyToOwner forwards a request for a session this server does not
// host to the remote that does. Returns true when the request was
// handled (proxied or failed as 502).
func (s *Server) proxyToOwner(w http.ResponseWriter, r *http.Request, id string, cause error) bool {
	if s.registry == nil || !errors.Is(cause, session.ErrNotFound) {
		return false
	}
	rem, ok := s.registry.Lookup(id)
	if !ok {
		return false
	}
	s.registry.Proxy(w, r, rem)
	return true
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.cfg.GetExtra())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var kv map[string]string
	if err := json.NewDecoder(r.Body).Decode(&kv); err != nil {
		writeError(w, session.ErrBadRequest)
		return
	}
	if err := s.cfg.SetExtra(kv); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListRemotes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.registry.Remotes())
}

type registerRemoteRequest struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Token string `json:"token"`
}

func (s *Server) handleRegisterRemote(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req registerRemoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, session.ErrBadRequest)
		return
	}
	rem, err := s.registry.Register(req.Name, req.URL, req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rem)
}

func (s *Server) handleUnregisterRemote(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.registry.Unregister(ps.ByName("name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRefreshRemote(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.registry.RefreshSessions(ps.ByName("name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
