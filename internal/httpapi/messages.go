package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"admp/internal/auth"
	"admp/internal/envelope"
	"admp/internal/inbox"
	"admp/internal/store"
)

type sendRequest struct {
	To            string           `json:"to"`
	Subject       string           `json:"subject"`
	Type          string           `json:"type,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Headers       map[string]any   `json:"headers,omitempty"`
	Body          json.RawMessage  `json:"body,omitempty"`
	Signature     *store.Signature `json:"signature,omitempty"`
	Ephemeral     bool             `json:"ephemeral,omitempty"`
	TTL           string           `json:"ttl,omitempty"`
}

// handleSend needs no Stage B target check: the destination agent is
// named in the request body, not the path, so any approved agent may
// deposit a message into another's inbox (spec.md §4.1).
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	env := store.Envelope{
		Version:       envelope.CurrentVersion,
		From:          p.AgentID,
		To:            req.To,
		Subject:       req.Subject,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Type:          req.Type,
		CorrelationID: req.CorrelationID,
		Headers:       req.Headers,
		Body:          req.Body,
		Signature:     req.Signature,
	}
	result, err := s.Inbox.Send(r.Context(), env, inbox.SendOptions{Ephemeral: req.Ephemeral, TTL: req.TTL})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message_id": result.MessageID, "status": result.Status})
}

// pullView is pull's documented response shape (spec.md §4.2):
// {message_id, envelope, lease_until, attempts}.
type pullView struct {
	MessageID  string         `json:"message_id"`
	Envelope   store.Envelope `json:"envelope"`
	LeaseUntil *time.Time     `json:"lease_until"`
	Attempts   int            `json:"attempts"`
}

func viewOfPull(msg *store.Message) pullView {
	return pullView{
		MessageID:  msg.ID,
		Envelope:   msg.Envelope,
		LeaseUntil: msg.LeaseUntil,
		Attempts:   msg.Attempts,
	}
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	visibility := inbox.DefaultVisibilityTimeout
	if raw := r.URL.Query().Get("visibility_timeout"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			visibility = time.Duration(secs) * time.Second
		}
	}
	msg, err := s.Inbox.Pull(r.Context(), r.PathValue("id"), visibility)
	if err != nil {
		writeError(w, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, viewOfPull(msg))
}

type ackRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req ackRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.Inbox.Ack(r.Context(), r.PathValue("id"), r.PathValue("mid"), req.Result); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type nackRequest struct {
	ExtendSec int  `json:"extend_sec,omitempty"`
	Requeue   bool `json:"requeue,omitempty"`
}

func (s *Server) handleNack(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req nackRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	result, err := s.Inbox.Nack(r.Context(), r.PathValue("id"), r.PathValue("mid"), inbox.NackOptions{ExtendSec: req.ExtendSec, Requeue: req.Requeue})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": result.Status, "lease_until": result.LeaseUntil})
}

type replyRequest struct {
	Subject   string          `json:"subject,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	Type      string          `json:"type,omitempty"`
	Ephemeral bool            `json:"ephemeral,omitempty"`
	TTL       string          `json:"ttl,omitempty"`
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req replyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.Inbox.Reply(r.Context(), r.PathValue("id"), r.PathValue("mid"),
		inbox.ReplyPartial{Subject: req.Subject, Body: req.Body, Type: req.Type},
		inbox.SendOptions{Ephemeral: req.Ephemeral, TTL: req.TTL})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message_id": result.MessageID, "status": result.Status})
}

// statusView is status's response shape for any non-purged message:
// the full set of lifecycle fields (spec.md §4.2).
type statusView struct {
	MessageID  string         `json:"message_id"`
	Status     string         `json:"status"`
	Envelope   store.Envelope `json:"envelope"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	LeaseUntil *time.Time     `json:"lease_until,omitempty"`
	Attempts   int            `json:"attempts"`
	AckedAt    *time.Time     `json:"acked_at,omitempty"`
}

// purgedStatusView is status's 410 projection for a purged message:
// metadata only, body nulled out (spec.md §4.2).
type purgedStatusView struct {
	MessageID   string     `json:"message_id"`
	Status      string     `json:"status"`
	From        string     `json:"from"`
	To          string     `json:"to"`
	Subject     string     `json:"subject"`
	PurgedAt    *time.Time `json:"purged_at"`
	PurgeReason string     `json:"purge_reason"`
	Body        any        `json:"body"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	view, err := s.Inbox.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	msg := view.Message
	if msg.Status == store.StatusPurged {
		writeJSON(w, view.HTTPCode, purgedStatusView{
			MessageID:   msg.ID,
			Status:      string(msg.Status),
			From:        msg.Envelope.From,
			To:          msg.Envelope.To,
			Subject:     msg.Envelope.Subject,
			PurgedAt:    msg.PurgedAt,
			PurgeReason: string(msg.PurgeReason),
			Body:        nil,
		})
		return
	}
	writeJSON(w, view.HTTPCode, statusView{
		MessageID:  msg.ID,
		Status:     string(msg.Status),
		Envelope:   msg.Envelope,
		CreatedAt:  msg.CreatedAt,
		UpdatedAt:  msg.UpdatedAt,
		LeaseUntil: msg.LeaseUntil,
		Attempts:   msg.Attempts,
		AckedAt:    msg.AckedAt,
	})
}
