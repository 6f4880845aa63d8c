package store

import (
	"context"
	"testing"
	"time"

	"admp/internal/apierr"
)

func TestValidAgentIDSyntax(t *testing.T) {
	cases := []struct {
		name    string
		id      string
		wantErr bool
		code    string
	}{
		{name: "plain id accepted", id: "agent-1", wantErr: false},
		{name: "empty rejected", id: "", wantErr: true, code: apierr.CodeInvalidName},
		{name: "disallowed chars rejected", id: "agent/1", wantErr: true, code: apierr.CodeInvalidNameChars},
		{name: "oversized rejected", id: stringsOfA(256), wantErr: true, code: apierr.CodeNameTooLong},
		{name: "shadow id with nested path accepted", id: "did-web:example.com/users/alice", wantErr: false},
		{name: "shadow id with control char rejected", id: "did-web:example.com/\x00evil", wantErr: true, code: apierr.CodeInvalidNameChars},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidAgentIDSyntax(tc.id)
			if tc.wantErr {
				apiErr, ok := apierr.As(err)
				if !ok || apiErr.Code != tc.code {
					t.Fatalf("expected code %s, got %v", tc.code, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestMemoryCreateAgentRejectsMalformedAgentID(t *testing.T) {
	m := NewMemory()
	now := time.Now().UTC()
	err := m.CreateAgent(context.Background(), &Agent{
		AgentID:            "bad/id",
		RegistrationStatus: RegistrationApproved,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeInvalidNameChars {
		t.Fatalf("expected CreateAgent to reject malformed agent_id, got %v", err)
	}
}

func TestMemoryCreateAgentAcceptsShadowAgentID(t *testing.T) {
	m := NewMemory()
	now := time.Now().UTC()
	err := m.CreateAgent(context.Background(), &Agent{
		AgentID:            "did-web:example.com/users/alice",
		RegistrationStatus: RegistrationApproved,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil {
		t.Fatalf("expected shadow agent id accepted, got %v", err)
	}
}

func stringsOfA(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
