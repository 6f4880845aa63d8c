// Package httpapi wires the core subsystems onto a thin net/http surface
// (spec.md §6, SPEC_FULL.md §5.11). It is glue code, not the "HTTP
// transport framework" spec.md §1 places out of scope: routing,
// authentication dispatch, and JSON marshaling only — every decision of
// substance lives in the wrapped services.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"

	"admp/internal/apierr"
	"admp/internal/auth"
	"admp/internal/config"
	"admp/internal/group"
	"admp/internal/inbox"
	"admp/internal/roundtable"
	"admp/internal/store"
)

// Server holds every core service the HTTP surface dispatches to. It is
// grounded on the teacher's cloudapi.Handler: a flat struct of service
// dependencies plus a RegisterRoutes(mux) method.
type Server struct {
	Config     config.Config
	Auth       *auth.Service
	Repository store.Repository
	Inbox      *inbox.Service
	Group      *group.Service
	RoundTable *roundtable.Service
	Logger     *log.Logger
}

func (s *Server) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// routeOpts controls Stage B (route-level target-agent authorization,
// spec.md §4.1) for a single route.
type routeOpts struct {
	// targetParam, if non-empty, is the {id} path parameter Stage B
	// checks the caller's Principal against.
	targetParam string
	// allowCrossAgent relaxes Stage B's caller-equals-target check for
	// routes that do set targetParam but still permit a different
	// caller to act on the target (none currently do; message send
	// needs no targetParam at all, since its target lives in the
	// request body, not the path).
	allowCrossAgent bool
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /.well-known/did/{id}", s.handleDIDDocument)

	mux.HandleFunc("GET /agents/{id}", s.withAuth(s.handleGetAgent, routeOpts{targetParam: "id"}))
	mux.HandleFunc("DELETE /agents/{id}", s.withAuth(s.handleDeregisterAgent, routeOpts{targetParam: "id"}))
	mux.HandleFunc("POST /agents/{id}/heartbeat", s.withAuth(s.handleHeartbeat, routeOpts{targetParam: "id"}))
	mux.HandleFunc("PUT /agents/{id}/webhook", s.withAuth(s.handleSetWebhook, routeOpts{targetParam: "id"}))
	mux.HandleFunc("POST /agents/{id}/trust", s.withAuth(s.handleAddTrust, routeOpts{targetParam: "id"}))
	mux.HandleFunc("DELETE /agents/{id}/trust/{peer}", s.withAuth(s.handleRemoveTrust, routeOpts{targetParam: "id"}))

	mux.HandleFunc("POST /messages", s.withAuth(s.handleSend, routeOpts{}))
	mux.HandleFunc("GET /messages/{id}", s.withAuth(s.handleStatus, routeOpts{}))
	mux.HandleFunc("POST /agents/{id}/pull", s.withAuth(s.handlePull, routeOpts{targetParam: "id"}))
	mux.HandleFunc("POST /agents/{id}/messages/{mid}/ack", s.withAuth(s.handleAck, routeOpts{targetParam: "id"}))
	mux.HandleFunc("POST /agents/{id}/messages/{mid}/nack", s.withAuth(s.handleNack, routeOpts{targetParam: "id"}))
	mux.HandleFunc("POST /agents/{id}/messages/{mid}/reply", s.withAuth(s.handleReply, routeOpts{targetParam: "id"}))

	mux.HandleFunc("POST /groups", s.withAuth(s.handleCreateGroup, routeOpts{}))
	mux.HandleFunc("GET /groups/{id}", s.withAuth(s.handleGetGroup, routeOpts{}))
	mux.HandleFunc("POST /groups/{id}/join", s.withAuth(s.handleJoinGroup, routeOpts{}))
	mux.HandleFunc("POST /groups/{id}/members", s.withAuth(s.handleAddMember, routeOpts{}))
	mux.HandleFunc("DELETE /groups/{id}/members/{member}", s.withAuth(s.handleRemoveMember, routeOpts{}))
	mux.HandleFunc("POST /groups/{id}/messages", s.withAuth(s.handlePostGroupMessage, routeOpts{}))
	mux.HandleFunc("GET /groups/{id}/messages", s.withAuth(s.handleGroupHistory, routeOpts{}))

	mux.HandleFunc("POST /roundtables", s.withAuth(s.handleCreateRoundTable, routeOpts{}))
	mux.HandleFunc("GET /roundtables/{id}", s.withAuth(s.handleGetRoundTable, routeOpts{}))
	mux.HandleFunc("POST /roundtables/{id}/speak", s.withAuth(s.handleSpeak, routeOpts{}))
	mux.HandleFunc("POST /roundtables/{id}/resolve", s.withAuth(s.handleResolveRoundTable, routeOpts{}))

	mux.HandleFunc("GET /healthz", s.handleHealthz)
}

// withAuth runs Stage A (auth.Service.Authenticate) and, when opt names a
// target path parameter, Stage B (enrollment scope + target
// authorization) before calling h with the resolved Principal.
func (s *Server) withAuth(h func(w http.ResponseWriter, r *http.Request, p auth.Principal), opt routeOpts) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.Auth.Authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if opt.targetParam != "" {
			target := r.PathValue(opt.targetParam)
			if err := auth.CheckEnrollmentScope(p, target); err != nil {
				writeError(w, err)
				return
			}
			if err := auth.AuthorizeTarget(p, target, opt.allowCrossAgent); err != nil {
				writeError(w, err)
				return
			}
		}
		h(w, r, p)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders the {"error","message"} shape spec.md §6 requires
// for every failure.
func writeError(w http.ResponseWriter, err error) {
	if apiErr, ok := apierr.As(err); ok {
		writeJSON(w, apiErr.Status, map[string]string{"error": apiErr.Code, "message": apiErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": apierr.CodeInternal, "message": "internal error"})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierr.New(apierr.CodeInvalidRequest, 400, "malformed json body: "+err.Error())
	}
	return nil
}
