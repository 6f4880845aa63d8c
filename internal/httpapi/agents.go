package httpapi

import (
	"net/http"
	"time"

	"admp/internal/apierr"
	"admp/internal/auth"
	"admp/internal/crypto"
	"admp/internal/didweb"
	"admp/internal/envelope"
	"admp/internal/store"
)

type registerAgentRequest struct {
	AgentID       string   `json:"agent_id"`
	PublicKey     string   `json:"public_key"`
	TrustedAgents []string `json:"trusted_agents,omitempty"`
	WebhookURL    string   `json:"webhook_url,omitempty"`
	WebhookSecret string   `json:"webhook_secret,omitempty"`
}

type agentView struct {
	AgentID            string   `json:"agent_id"`
	DID                string   `json:"did"`
	RegistrationStatus string   `json:"registration_status"`
	TrustedAgents      []string `json:"trusted_agents,omitempty"`
	WebhookURL         string   `json:"webhook_url,omitempty"`
	HeartbeatStatus    string   `json:"heartbeat_status"`
}

func viewOfAgent(a *store.Agent) agentView {
	var trusted []string
	for id := range a.TrustedAgents {
		trusted = append(trusted, id)
	}
	return agentView{
		AgentID:            a.AgentID,
		DID:                a.DID,
		RegistrationStatus: string(a.RegistrationStatus),
		TrustedAgents:      trusted,
		WebhookURL:         a.WebhookURL,
		HeartbeatStatus:    string(a.Heartbeat.Status),
	}
}

// handleRegisterAgent is unauthenticated (spec.md §4.1 Stage A's explicit
// carve-out for "agent self-registration").
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := envelope.ValidAgentID(req.AgentID, true); err != nil {
		writeError(w, err)
		return
	}
	pub, err := crypto.Base64Decode(req.PublicKey)
	if err != nil || len(pub) != 32 {
		writeError(w, apierr.New(apierr.CodeInvalidPublicKey, 400, "public_key must be base64-encoded 32-byte ed25519 key"))
		return
	}

	did, err := crypto.DIDSeedFingerprint(pub)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}

	now := time.Now().UTC()
	status := store.RegistrationApproved
	if s.Config.Registration.Policy == "approval_required" {
		status = store.RegistrationPending
	}

	trusted := map[string]struct{}{}
	for _, id := range req.TrustedAgents {
		trusted[id] = struct{}{}
	}

	agent := &store.Agent{
		AgentID:            req.AgentID,
		RegistrationMode:   store.RegistrationSeed,
		RegistrationStatus: status,
		PublicKeys:         []store.PublicKey{{Version: 1, PublicKey: pub, CreatedAt: now}},
		DID:                did,
		TrustedAgents:      trusted,
		WebhookURL:         req.WebhookURL,
		WebhookSecret:      req.WebhookSecret,
		Heartbeat:          store.Heartbeat{LastHeartbeat: now, Status: store.HeartbeatOnline, IntervalMS: 60_000, TimeoutMS: 300_000},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.Repository.CreateAgent(r.Context(), agent); err != nil {
		if err == store.ErrConflict {
			writeError(w, apierr.New(apierr.CodeAgentAlreadyExists, 409, "agent_id already registered"))
			return
		}
		writeError(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusCreated, viewOfAgent(agent))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	agent, err := s.Repository.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.New(apierr.CodeAgentNotFound, 404, "agent not found"))
		return
	}
	writeJSON(w, http.StatusOK, viewOfAgent(agent))
}

func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if err := s.Repository.DeleteAgent(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, apierr.New(apierr.CodeAgentNotFound, 404, "agent not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	agentID := r.PathValue("id")
	agent, err := s.Repository.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, apierr.New(apierr.CodeAgentNotFound, 404, "agent not found"))
		return
	}
	now := time.Now().UTC()
	agent.Heartbeat.LastHeartbeat = now
	agent.Heartbeat.Status = store.HeartbeatOnline
	agent.UpdatedAt = now
	if err := s.Repository.UpdateAgent(r.Context(), agent); err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "online", "last_heartbeat": now})
}

type setWebhookRequest struct {
	WebhookURL    string `json:"webhook_url"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req setWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	agentID := r.PathValue("id")
	agent, err := s.Repository.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, apierr.New(apierr.CodeAgentNotFound, 404, "agent not found"))
		return
	}
	if req.WebhookURL != "" && !isHTTPURL(req.WebhookURL) {
		writeError(w, apierr.New(apierr.CodeInvalidWebhookURL, 400, "webhook_url must be an http(s) url"))
		return
	}
	agent.WebhookURL = req.WebhookURL
	agent.WebhookSecret = req.WebhookSecret
	agent.UpdatedAt = time.Now().UTC()
	if err := s.Repository.UpdateAgent(r.Context(), agent); err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, viewOfAgent(agent))
}

func isHTTPURL(raw string) bool {
	return len(raw) > 8 && (raw[:7] == "http://" || raw[:8] == "https://")
}

type trustRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleAddTrust(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req trustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.Repository.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.New(apierr.CodeAgentNotFound, 404, "agent not found"))
		return
	}
	if agent.TrustedAgents == nil {
		agent.TrustedAgents = map[string]struct{}{}
	}
	agent.TrustedAgents[req.AgentID] = struct{}{}
	agent.UpdatedAt = time.Now().UTC()
	if err := s.Repository.UpdateAgent(r.Context(), agent); err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, viewOfAgent(agent))
}

func (s *Server) handleRemoveTrust(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	agent, err := s.Repository.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.New(apierr.CodeAgentNotFound, 404, "agent not found"))
		return
	}
	delete(agent.TrustedAgents, r.PathValue("peer"))
	agent.UpdatedAt = time.Now().UTC()
	if err := s.Repository.UpdateAgent(r.Context(), agent); err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, viewOfAgent(agent))
}

// handleDIDDocument serves a DID document for ADMP's own did:seed agents
// (SPEC_FULL.md §6), the read side complementing §4.1's did:web
// resolution of remote documents.
func (s *Server) handleDIDDocument(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	agent, err := s.Repository.GetAgent(r.Context(), agentID)
	if err != nil || agent.DID == "" {
		writeError(w, apierr.New(apierr.CodeDIDDocumentNotFound, 404, "no did document for this agent"))
		return
	}
	active, ok := agent.ActiveKey()
	if !ok {
		writeError(w, apierr.New(apierr.CodeDIDDocumentNotFound, 404, "agent has no active key"))
		return
	}
	doc, err := didweb.BuildDocument(agent.DID, active.PublicKey)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
