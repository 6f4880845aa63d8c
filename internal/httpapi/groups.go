package httpapi

import (
	"encoding/json"
	"net/http"

	"admp/internal/apierr"
	"admp/internal/auth"
	"admp/internal/group"
	"admp/internal/store"
)

type createGroupRequest struct {
	Name       string           `json:"name"`
	Access     store.AccessType `json:"access"`
	JoinKey    string           `json:"join_key,omitempty"`
	MaxMembers int              `json:"max_members,omitempty"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req createGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	access := req.Access
	if access == "" {
		access = store.AccessOpen
	}
	g, err := s.Group.Create(r.Context(), group.CreateOptions{
		Name: req.Name, Access: access, JoinKey: req.JoinKey,
		OwnerID: p.AgentID, MaxMembers: req.MaxMembers,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	g, err := s.Repository.GetGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.New(apierr.CodeGroupNotFound, 404, "group not found"))
		return
	}
	if _, ok := g.Member(p.AgentID); ok {
		writeJSON(w, http.StatusOK, g)
		return
	}
	writeJSON(w, http.StatusOK, group.PublicViewOf(g))
}

type joinGroupRequest struct {
	JoinKey string `json:"join_key,omitempty"`
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req joinGroupRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	g, err := s.Group.Join(r.Context(), r.PathValue("id"), p.AgentID, req.JoinKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type addMemberRequest struct {
	AgentID string           `json:"agent_id"`
	Role    store.MemberRole `json:"role,omitempty"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req addMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	role := req.Role
	if role == "" {
		role = store.RoleMember
	}
	if err := s.Group.AddMember(r.Context(), r.PathValue("id"), p.AgentID, req.AgentID, role); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if err := s.Group.RemoveMember(r.Context(), r.PathValue("id"), p.AgentID, r.PathValue("member")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type postGroupMessageRequest struct {
	Subject string          `json:"subject"`
	Body    json.RawMessage `json:"body,omitempty"`
}

func (s *Server) handlePostGroupMessage(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req postGroupMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.Group.Post(r.Context(), r.PathValue("id"), p.AgentID, req.Subject, req.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleGroupHistory(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	messages, err := s.Group.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}
