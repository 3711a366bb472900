// Package httpapi exposes the minimal HTTP surface the CORE actually owns
// (§1 non-goal: "The REST/JSON control-plane... treated as external
// callers"; §6 "Control-plane RPC (consumed, not defined here)"): a handful
// of endpoints that let an external control plane write desired state and
// read the monitoring snapshot, without implementing that control plane's
// CRUD, auth, or UI itself.
//
// Grounded on the teacher's internal/http handlers (net/http +
// encoding/json, no framework), generalized from bot/agent CRUD to the
// three State Store writes and the router/supervisor read-only snapshot
// the expanded spec actually scopes into this repo.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/chatsupervisor/internal/statestore"
	"github.com/nextlevelbuilder/chatsupervisor/internal/supervisor"
)

// Server wires the State Store writes (§6 "markShouldStart(id, init,
// setup)", "markShouldStop(id)", "markShouldRestart(id)") and the
// supervisor/router monitoring snapshot (§4.5 "Observability") behind plain
// net/http handlers.
type Server struct {
	Store      statestore.Store
	Supervisor *supervisor.Supervisor
	Logger     *slog.Logger
}

func New(store statestore.Store, sup *supervisor.Supervisor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Store: store, Supervisor: sup, Logger: logger}
}

// Handler builds the mux. Routes:
//
//	GET    /healthz                       — liveness
//	GET    /bots                          — getState for every known bot id
//	GET    /bots/{id}/state               — getState(id)
//	POST   /bots/{id}/should_start        — markShouldStart(id, init, agent) from the JSON body
//	POST   /bots/{id}/should_stop         — markShouldStop(id)
//	POST   /bots/{id}/should_restart      — markShouldRestart(id)
//	GET    /bots/{id}/router              — router snapshot for a live worker
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /bots", s.handleListBots)
	mux.HandleFunc("GET /bots/{id}/state", s.handleGetState)
	mux.HandleFunc("POST /bots/{id}/should_start", s.handleShouldStart)
	mux.HandleFunc("POST /bots/{id}/should_stop", s.handleShouldStop)
	mux.HandleFunc("POST /bots/{id}/should_restart", s.handleShouldRestart)
	mux.HandleFunc("GET /bots/{id}/router", s.handleRouterSnapshot)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type botStateView struct {
	BotID statestore.BotID  `json:"bot_id"`
	State statestore.BotState `json:"state"`
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Store.ListAllBots(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]botStateView, 0, len(ids))
	for _, id := range ids {
		state, err := s.Store.GetState(r.Context(), id)
		if err != nil {
			s.Logger.Error("httpapi: getState failed", "bot_id", id, "error", err)
			continue
		}
		views = append(views, botStateView{BotID: id, State: state})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	id := statestore.BotID(r.PathValue("id"))
	state, err := s.Store.GetState(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, botStateView{BotID: id, State: state})
}

type shouldStartBody struct {
	Init  statestore.InitConfig  `json:"init"`
	Agent statestore.AgentConfig `json:"agent"`
}

func (s *Server) handleShouldStart(w http.ResponseWriter, r *http.Request) {
	id := statestore.BotID(r.PathValue("id"))
	var body shouldStartBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	body.Init.BotID = id
	if err := s.Store.MarkShouldStart(r.Context(), id, body.Init, body.Agent); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleShouldStop(w http.ResponseWriter, r *http.Request) {
	id := statestore.BotID(r.PathValue("id"))
	if err := s.Store.MarkShouldStop(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleShouldRestart(w http.ResponseWriter, r *http.Request) {
	id := statestore.BotID(r.PathValue("id"))
	if err := s.Store.MarkShouldRestart(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type routerSnapshotView struct {
	BotID        statestore.BotID `json:"bot_id"`
	Live         bool             `json:"live"`
	TotalPending int              `json:"total_pending"`
	Channels     []channelView    `json:"channels,omitempty"`
}

type channelView struct {
	Key          string `json:"key"`
	Pending      int    `json:"pending"`
	LastActivity string `json:"last_activity"`
}

func (s *Server) handleRouterSnapshot(w http.ResponseWriter, r *http.Request) {
	id := statestore.BotID(r.PathValue("id"))
	worker, ok := s.Supervisor.Get(id)
	if !ok {
		s.writeJSON(w, http.StatusOK, routerSnapshotView{BotID: id, Live: false})
		return
	}
	snap := worker.Router.Snapshot()
	channels := make([]channelView, 0, len(snap))
	total := 0
	for _, entry := range snap {
		total += entry.Pending
		channels = append(channels, channelView{
			Key:          string(entry.Key),
			Pending:      entry.Pending,
			LastActivity: entry.LastActivity.Format(http.TimeFormat),
		})
	}
	s.writeJSON(w, http.StatusOK, routerSnapshotView{BotID: id, Live: true, TotalPending: total, Channels: channels})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("httpapi: encode response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.Logger.Error("httpapi: request failed", "status", status, "error", err)
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
