package httpapi

import (
	"encoding/json"
	"net/http"

	"admp/internal/apierr"
	"admp/internal/auth"
	"admp/internal/roundtable"
)

type createRoundTableRequest struct {
	Topic        string   `json:"topic"`
	Goal         string   `json:"goal"`
	Participants []string `json:"participants"`
	TimeoutMin   int      `json:"timeout_min"`
}

func (s *Server) handleCreateRoundTable(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req createRoundTableRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.RoundTable.Create(r.Context(), roundtable.CreateOptions{
		Facilitator: p.AgentID, Topic: req.Topic, Goal: req.Goal,
		Participants: req.Participants, TimeoutMin: req.TimeoutMin,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"round_table":           result.RoundTable,
		"excluded_participants": result.ExcludedParticipants,
	})
}

func (s *Server) handleGetRoundTable(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	rt, err := s.Repository.GetRoundTable(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.New(apierr.CodeRoundTableNotFound, 404, "round table not found"))
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

type speakRequest struct {
	Body json.RawMessage `json:"body"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req speakRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rt, err := s.RoundTable.Speak(r.Context(), r.PathValue("id"), p.AgentID, req.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

type resolveRequest struct {
	Outcome json.RawMessage `json:"outcome"`
}

func (s *Server) handleResolveRoundTable(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rt, err := s.RoundTable.Resolve(r.Context(), r.PathValue("id"), p.AgentID, req.Outcome)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}
