package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"admp/internal/auth"
	"admp/internal/crypto"
	"admp/internal/group"
	"admp/internal/inbox"
	"admp/internal/roundtable"
	"admp/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Repository) {
	t.Helper()
	repo := store.NewMemory()
	authSvc := &auth.Service{Repository: repo}
	inboxSvc := &inbox.Service{Repository: repo, DefaultTTL: time.Hour}
	groupSvc := &group.Service{Repository: repo, Inbox: inboxSvc}
	rtSvc := &roundtable.Service{Repository: repo, Group: groupSvc, Inbox: inboxSvc}
	srv := &Server{Auth: authSvc, Repository: repo, Inbox: inboxSvc, Group: groupSvc, RoundTable: rtSvc}
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, repo
}

// signedRequest mirrors auth.newSignedRequest: it signs method+path+host+date
// with the agent's private key so the request authenticates as that agent.
func signedRequest(t *testing.T, method, url string, priv ed25519.PrivateKey, agentID string, body []byte) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Host", "admp.example")
	req.Host = "admp.example"
	now := time.Now().UTC()
	req.Header.Set("Date", now.Format(http.TimeFormat))

	target := auth.RequestTarget(method, req.URL.RequestURI())
	headers := []string{"(request-target)", "host", "date"}
	signingString, err := auth.SigningString(headers, func(name string) (string, bool) {
		if name == "(request-target)" {
			return target, true
		}
		v := req.Header.Get(name)
		return v, v != ""
	})
	if err != nil {
		t.Fatalf("signing string: %v", err)
	}
	sig := ed25519.Sign(priv, []byte(signingString))
	req.Header.Set("Signature", `keyId="`+agentID+`",algorithm="ed25519",headers="(request-target) host date",signature="`+crypto.Base64Encode(sig)+`"`)
	return req
}

func registerTestAgent(t *testing.T, repo store.Repository, agentID string) ed25519.PrivateKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Now().UTC()
	agent := &store.Agent{
		AgentID:            agentID,
		RegistrationStatus: store.RegistrationApproved,
		PublicKeys:         []store.PublicKey{{Version: 1, PublicKey: pub, CreatedAt: now}},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := repo.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("create agent %s: %v", agentID, err)
	}
	return priv
}

func TestRegisterAgentHappyPath(t *testing.T) {
	ts, _ := newTestServer(t)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	body, _ := json.Marshal(registerAgentRequest{
		AgentID:   "alice",
		PublicKey: crypto.Base64Encode(pub),
	})
	resp, err := http.Post(ts.URL+"/agents", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var view agentView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.AgentID != "alice" || view.DID == "" || view.RegistrationStatus != string(store.RegistrationApproved) {
		t.Fatalf("unexpected agent view: %+v", view)
	}
}

func TestRegisterAgentRejectsDuplicate(t *testing.T) {
	ts, _ := newTestServer(t)
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	body, _ := json.Marshal(registerAgentRequest{AgentID: "alice", PublicKey: crypto.Base64Encode(pub)})

	for i := 0; i < 2; i++ {
		resp, err := http.Post(ts.URL+"/agents", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		resp.Body.Close()
		if i == 0 && resp.StatusCode != http.StatusCreated {
			t.Fatalf("first registration: expected 201, got %d", resp.StatusCode)
		}
		if i == 1 && resp.StatusCode != http.StatusConflict {
			t.Fatalf("duplicate registration: expected 409, got %d", resp.StatusCode)
		}
	}
}

func TestSendPullAckRoundTrip(t *testing.T) {
	ts, repo := newTestServer(t)
	privA := registerTestAgent(t, repo, "agent-a")
	privB := registerTestAgent(t, repo, "agent-b")

	sendBody, _ := json.Marshal(sendRequest{To: "agent-b", Subject: "hi", Body: json.RawMessage(`{"x":1}`)})
	req := signedRequest(t, http.MethodPost, ts.URL+"/messages", privA, "agent-a", sendBody)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var sent map[string]any
	json.NewDecoder(resp.Body).Decode(&sent)
	resp.Body.Close()
	mid, _ := sent["message_id"].(string)
	if mid == "" {
		t.Fatalf("expected a message_id in response: %+v", sent)
	}

	pullReq := signedRequest(t, http.MethodPost, ts.URL+"/agents/agent-b/pull", privB, "agent-b", nil)
	pullResp, err := http.DefaultClient.Do(pullReq)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if pullResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 pull, got %d", pullResp.StatusCode)
	}
	var pulled map[string]any
	if err := json.NewDecoder(pullResp.Body).Decode(&pulled); err != nil {
		t.Fatalf("decode pull response: %v", err)
	}
	pullResp.Body.Close()
	for _, key := range []string{"message_id", "envelope", "lease_until", "attempts"} {
		if _, ok := pulled[key]; !ok {
			t.Fatalf("expected pull response to have key %q, got %+v", key, pulled)
		}
	}
	if pulled["message_id"] != mid {
		t.Fatalf("expected pulled message id %s, got %v", mid, pulled["message_id"])
	}
	if _, ok := pulled["ID"]; ok {
		t.Fatalf("expected no Go-default-cased field names in pull response: %+v", pulled)
	}

	ackReq := signedRequest(t, http.MethodPost, ts.URL+"/agents/agent-b/messages/"+mid+"/ack", privB, "agent-b", nil)
	ackResp, err := http.DefaultClient.Do(ackReq)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	ackResp.Body.Close()
	if ackResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 ack, got %d", ackResp.StatusCode)
	}

	statusReq := signedRequest(t, http.MethodGet, ts.URL+"/messages/"+mid, privB, "agent-b", nil)
	statusResp, err := http.DefaultClient.Do(statusReq)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status map[string]any
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 status for acked message, got %d", statusResp.StatusCode)
	}
	if status["status"] != "acked" {
		t.Fatalf("expected acked status, got %+v", status)
	}
}

func TestStatusReturnsPurgedProjection(t *testing.T) {
	ts, repo := newTestServer(t)
	privA := registerTestAgent(t, repo, "agent-a")
	privB := registerTestAgent(t, repo, "agent-b")

	sendBody, _ := json.Marshal(sendRequest{To: "agent-b", Subject: "secret", Body: json.RawMessage(`{"x":1}`), Ephemeral: true})
	req := signedRequest(t, http.MethodPost, ts.URL+"/messages", privA, "agent-a", sendBody)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var sent map[string]any
	json.NewDecoder(resp.Body).Decode(&sent)
	resp.Body.Close()
	mid, _ := sent["message_id"].(string)

	pullReq := signedRequest(t, http.MethodPost, ts.URL+"/agents/agent-b/pull", privB, "agent-b", nil)
	pullResp, err := http.DefaultClient.Do(pullReq)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	pullResp.Body.Close()

	ackReq := signedRequest(t, http.MethodPost, ts.URL+"/agents/agent-b/messages/"+mid+"/ack", privB, "agent-b", nil)
	ackResp, err := http.DefaultClient.Do(ackReq)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	ackResp.Body.Close()

	statusReq := signedRequest(t, http.MethodGet, ts.URL+"/messages/"+mid, privA, "agent-a", nil)
	statusResp, err := http.DefaultClient.Do(statusReq)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status map[string]any
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusGone {
		t.Fatalf("expected 410 for purged message, got %d", statusResp.StatusCode)
	}
	for _, key := range []string{"from", "to", "subject", "purged_at", "purge_reason"} {
		if _, ok := status[key]; !ok {
			t.Fatalf("expected purged status response to have key %q, got %+v", key, status)
		}
	}
	if status["from"] != "agent-a" || status["to"] != "agent-b" || status["subject"] != "secret" {
		t.Fatalf("expected preserved metadata, got %+v", status)
	}
	if status["purge_reason"] != "acked" {
		t.Fatalf("expected purge_reason=acked, got %v", status["purge_reason"])
	}
	if body, ok := status["body"]; ok && body != nil {
		t.Fatalf("expected body=null in purged projection, got %v", body)
	}
}

func TestCreateGroupJoinAndPost(t *testing.T) {
	ts, repo := newTestServer(t)
	privOwner := registerTestAgent(t, repo, "owner")
	privMember := registerTestAgent(t, repo, "member")

	createBody, _ := json.Marshal(createGroupRequest{Name: "standup"})
	req := signedRequest(t, http.MethodPost, ts.URL+"/groups", privOwner, "owner", createBody)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	var g store.Group
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		t.Fatalf("decode group: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || g.ID == "" {
		t.Fatalf("expected 201 with a group id, got %d %+v", resp.StatusCode, g)
	}

	joinReq := signedRequest(t, http.MethodPost, ts.URL+"/groups/"+g.ID+"/join", privMember, "member", nil)
	joinResp, err := http.DefaultClient.Do(joinReq)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	joinResp.Body.Close()
	if joinResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 join, got %d", joinResp.StatusCode)
	}

	postBody, _ := json.Marshal(postGroupMessageRequest{Subject: "standup notes", Body: json.RawMessage(`{"ok":true}`)})
	postReq := signedRequest(t, http.MethodPost, ts.URL+"/groups/"+g.ID+"/messages", privOwner, "owner", postBody)
	postResp, err := http.DefaultClient.Do(postReq)
	if err != nil {
		t.Fatalf("post group message: %v", err)
	}
	postResp.Body.Close()
	if postResp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 post, got %d", postResp.StatusCode)
	}

	histReq := signedRequest(t, http.MethodGet, ts.URL+"/groups/"+g.ID+"/messages", privMember, "member", nil)
	histResp, err := http.DefaultClient.Do(histReq)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	defer histResp.Body.Close()
	if histResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 history, got %d", histResp.StatusCode)
	}
}

func TestCreateAndResolveRoundTable(t *testing.T) {
	ts, repo := newTestServer(t)
	privFacilitator := registerTestAgent(t, repo, "facilitator")
	registerTestAgent(t, repo, "panelist")

	createBody, _ := json.Marshal(createRoundTableRequest{
		Topic:        "release plan",
		Goal:         "decide whether to ship this week",
		Participants: []string{"facilitator", "panelist"},
		TimeoutMin:   5,
	})
	req := signedRequest(t, http.MethodPost, ts.URL+"/roundtables", privFacilitator, "facilitator", createBody)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create round table: %v", err)
	}
	var created map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var rt store.RoundTable
	if err := json.Unmarshal(created["round_table"], &rt); err != nil {
		t.Fatalf("unmarshal round table: %v", err)
	}

	resolveBody, _ := json.Marshal(resolveRequest{Outcome: json.RawMessage(`{"decision":"ship it"}`)})
	resolveReq := signedRequest(t, http.MethodPost, ts.URL+"/roundtables/"+rt.ID+"/resolve", privFacilitator, "facilitator", resolveBody)
	resolveResp, err := http.DefaultClient.Do(resolveReq)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer resolveResp.Body.Close()
	if resolveResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 resolve, got %d", resolveResp.StatusCode)
	}
}

func TestUnauthenticatedRequestReturnsErrorShape(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/agents/nobody")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["error"] == "" || payload["message"] == "" {
		t.Fatalf("expected {error,message} shape, got %+v", payload)
	}
}
