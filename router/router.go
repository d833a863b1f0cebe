// Package router registers all HTTP endpoints using vanilla net/http (Go
// 1.22+ method-pattern ServeMux) — REST endpoints here are a thin shell
// around the Session Orchestrator, and the websocket endpoint simply hands
// the request to the Transport Multiplexer.
package router

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sticky-tools/sticky-kerneld/errs"
	"github.com/sticky-tools/sticky-kerneld/middleware"
	"github.com/sticky-tools/sticky-kerneld/orchestrator"
	"github.com/sticky-tools/sticky-kerneld/store"
	"github.com/sticky-tools/sticky-kerneld/transport"
	"github.com/sticky-tools/sticky-kerneld/workspace"
)

// New builds and returns the application HTTP handler.
//
//	POST   /api/sessions                        {"kind","cwd","metadata"}
//	GET    /api/sessions?cwd=...                 list by workspace
//	GET    /api/sessions/{id}                    single session
//	GET    /api/sessions/{id}/history?fromSeq=   replay without attaching live
//	POST   /api/sessions/{id}/resume
//	POST   /api/sessions/{id}/close
//	DELETE /api/sessions/{id}
//	GET    /api/health
//	GET    /ws                                   websocket upgrade (Transport Multiplexer)
func New(orch *orchestrator.Orchestrator, st store.Store, ws *workspace.Resolver, tr *transport.Server, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sessions", createSession(orch, ws))
	mux.HandleFunc("GET /api/sessions", listSessions(st))
	mux.HandleFunc("GET /api/sessions/{id}", getSession(st))
	mux.HandleFunc("GET /api/sessions/{id}/history", getHistory(st))
	mux.HandleFunc("POST /api/sessions/{id}/resume", resumeSession(orch))
	mux.HandleFunc("POST /api/sessions/{id}/close", closeSession(orch))
	mux.HandleFunc("DELETE /api/sessions/{id}", deleteSession(orch))
	mux.HandleFunc("GET /api/health", health())

	mux.Handle("GET /ws", tr)

	var handler http.Handler = mux
	handler = middleware.Recover(log)(handler)
	handler = middleware.Logging(log)(handler)
	return handler
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if ke, ok := asKernelError(err); ok {
		switch ke.Kind {
		case errs.SessionNotFound:
			code = http.StatusNotFound
		case errs.BadArgs, errs.UnsupportedOperation, errs.ProtocolError:
			code = http.StatusBadRequest
		case errs.AuthRequired:
			code = http.StatusUnauthorized
		case errs.SessionNotLive, errs.ClosedSink:
			code = http.StatusConflict
		case errs.SpawnTimeout:
			code = http.StatusGatewayTimeout
		}
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func asKernelError(err error) (*errs.Error, bool) {
	cur := err
	for cur != nil {
		if e, ok := cur.(*errs.Error); ok {
			return e, true
		}
		u, ok := cur.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		cur = u.Unwrap()
	}
	return nil, false
}

// ---- handlers ----

func createSession(orch *orchestrator.Orchestrator, ws *workspace.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Kind     string          `json:"kind"`
			Cwd      string          `json:"cwd"`
			Metadata json.RawMessage `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errs.Wrap(errs.BadArgs, err, "invalid JSON"))
			return
		}
		if body.Kind == "" {
			writeError(w, errs.New(errs.BadArgs, "kind is required"))
			return
		}
		cwd, err := ws.Resolve(body.Cwd)
		if err != nil {
			writeError(w, err)
			return
		}
		sess, err := orch.Create(r.Context(), body.Kind, cwd, body.Metadata)
		if err != nil {
			writeError(w, err)
			return
		}
		_ = ws.Touch(r.Context(), cwd)
		writeJSON(w, http.StatusCreated, sess)
	}
}

func listSessions(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cwd := r.URL.Query().Get("cwd")
		var (
			sessions []*store.Session
			err      error
		)
		if cwd != "" {
			sessions, err = st.ListByCwd(r.Context(), cwd)
		} else {
			sessions, err = st.ListByStatus(r.Context(), store.StatusRunning)
		}
		if err != nil {
			writeError(w, errs.Wrap(errs.StorageError, err, "list sessions"))
			return
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

func getSession(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		sess, err := st.FindByID(r.Context(), id)
		if err != nil {
			if err == store.ErrNotFound {
				writeError(w, errs.New(errs.SessionNotFound, "session %q", id))
				return
			}
			writeError(w, errs.Wrap(errs.StorageError, err, "get session"))
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func getHistory(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		fromSeq := parseFromSeq(r.URL.Query().Get("fromSeq"))
		events, err := st.EventsSince(r.Context(), id, fromSeq)
		if err != nil {
			writeError(w, errs.Wrap(errs.StorageError, err, "get history"))
			return
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func resumeSession(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := orch.Resume(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Resumed bool   `json:"resumed"`
			Reason  string `json:"reason,omitempty"`
		}{Resumed: result.Resumed, Reason: result.Reason})
	}
}

func closeSession(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := orch.Close(r.Context(), r.PathValue("id"), "client requested close"); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func deleteSession(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := orch.Delete(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func parseFromSeq(s string) int64 {
	if s == "" {
		return 0
	}
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
