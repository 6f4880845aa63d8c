// Package inbox implements the leased at-least-once message queue
// (spec.md §4.2): send/pull/ack/nack/reply/status against the message
// repository. Its Service shape (a thin struct wrapping store.Repository
// plus an injectable Now) is grounded on the teacher's
// internal/reconcile.Service.
package inbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"admp/internal/apierr"
	"admp/internal/crypto"
	"admp/internal/didweb"
	"admp/internal/envelope"
	"admp/internal/store"
)

const DefaultVisibilityTimeout = 60 * time.Second

// Notifier fires a fire-and-forget webhook notification for a delivered
// message. send never blocks on its outcome (spec.md §4.2, §4.5).
type Notifier interface {
	Notify(ctx context.Context, agent *store.Agent, msg *store.Message)
}

type Service struct {
	Repository store.Repository
	Webhook    Notifier
	Now        func() time.Time
	DefaultTTL time.Duration

	// Schemas, when set, validates envelope.Body against a registered
	// JSON Schema for env.Type before persisting. Optional: a type with
	// no registered schema is never rejected (SPEC_FULL.md §3).
	Schemas *envelope.SchemaRegistry
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) defaultTTL() time.Duration {
	if s.DefaultTTL > 0 {
		return s.DefaultTTL
	}
	return 24 * time.Hour
}

// SendOptions carries send's optional parameters (spec.md §4.2).
type SendOptions struct {
	Ephemeral bool
	TTL       string // integer seconds or Ns/Nm/Nh/Nd duration string
}

// SendResult is send's return value.
type SendResult struct {
	MessageID string
	Status    store.MessageStatus
}

// Send validates, resolves, and persists an outbound envelope, firing a
// webhook notification if the recipient has one configured.
func (s *Service) Send(ctx context.Context, env store.Envelope, opts SendOptions) (SendResult, error) {
	now := s.now()
	if err := envelope.ValidateShape(&env, now); err != nil {
		return SendResult{}, err
	}
	if err := s.Schemas.Validate(env.Type, env.Body); err != nil {
		return SendResult{}, apierr.New(apierr.CodeSendFailed, 400, "body does not match the registered schema for type "+env.Type)
	}

	recipient, err := s.resolveAgent(ctx, env.To)
	if err != nil {
		return SendResult{}, apierr.New(apierr.CodeRecipientNotFound, 404, "recipient not found")
	}

	if !recipient.IsTrustedSender(envelope.StripAgentPrefix(env.From)) {
		return SendResult{}, apierr.New(apierr.CodeSendFailed, 400, "sender is not in recipient's trusted_agents set")
	}

	sigStatus := store.SignatureUnverified
	sender, senderErr := s.Repository.GetAgent(ctx, envelope.StripAgentPrefix(env.From))
	if env.Signature != nil {
		if senderErr != nil {
			sigStatus = store.SignatureUntrusted
		} else {
			if err := verifyEnvelopeSignature(sender, &env, now); err != nil {
				return SendResult{}, err
			}
			sigStatus = store.SignatureVerified
		}
	} else if senderErr != nil {
		sigStatus = store.SignatureUntrusted
	}

	ttlSec, expiresAt, err := s.resolveTTL(opts, env, now)
	if err != nil {
		return SendResult{}, err
	}
	env.TTLSec = ttlSec

	msg := &store.Message{
		ID:              uuid.NewString(),
		ToAgentID:       recipient.AgentID,
		FromAgentID:     envelope.StripAgentPrefix(env.From),
		Envelope:        env,
		Status:          store.StatusQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
		Attempts:        0,
		Ephemeral:       opts.Ephemeral,
		ExpiresAt:       expiresAt,
		GroupMessageID:  env.GroupMessageID,
		SignatureStatus: sigStatus,
	}
	if err := s.Repository.CreateMessage(ctx, msg); err != nil {
		return SendResult{}, apierr.Internal(err)
	}

	if recipient.WebhookURL != "" && s.Webhook != nil {
		go s.Webhook.Notify(context.Background(), recipient, msg)
	}

	return SendResult{MessageID: msg.ID, Status: msg.Status}, nil
}

// resolveAgent accepts a bare agent ID, an agent://-prefixed ID
// (backward compat), or a did:seed:/did:web: identifier (via the shadow
// agent created by didweb resolution).
func (s *Service) resolveAgent(ctx context.Context, to string) (*store.Agent, error) {
	id := envelope.StripAgentPrefix(to)
	if strings.HasPrefix(id, didweb.DIDWebPrefix) {
		identity, err := didweb.Parse(id)
		if err != nil {
			return nil, err
		}
		return s.Repository.GetAgent(ctx, identity.ShadowAgentID())
	}
	if strings.HasPrefix(strings.ToLower(id), "did:") {
		return s.Repository.GetAgentByDID(ctx, id)
	}
	return s.Repository.GetAgent(ctx, id)
}

func verifyEnvelopeSignature(sender *store.Agent, env *store.Envelope, now time.Time) error {
	base, err := envelope.SigningBase(env)
	if err != nil {
		return apierr.New(apierr.CodeInvalidSignature, 403, "unable to build signing base")
	}
	sig, err := crypto.Base64Decode(env.Signature.Sig)
	if err != nil {
		return apierr.New(apierr.CodeInvalidSignature, 403, "signature is not valid base64")
	}
	for _, pk := range sender.PublicKeys {
		if !pk.Active(now) {
			continue
		}
		if crypto.Verify(pk.PublicKey, []byte(base), sig) {
			return nil
		}
	}
	return apierr.New(apierr.CodeInvalidSignature, 403, "envelope signature does not verify against any active key")
}

// resolveTTL parses spec.md §4.2's ttl option (integer seconds or a
// Ns/Nm/Nh/Nd duration string), applying the ephemeral default when
// absent, and returns the resolved ttl_sec plus the computed
// expires_at.
func (s *Service) resolveTTL(opts SendOptions, env store.Envelope, now time.Time) (int, *time.Time, error) {
	var ttl time.Duration
	switch {
	case opts.TTL != "":
		d, err := ParseTTL(opts.TTL)
		if err != nil {
			return 0, nil, apierr.New(apierr.CodeSendFailed, 400, "invalid ttl: "+err.Error())
		}
		ttl = d
	case opts.Ephemeral:
		ttl = 5 * time.Minute
	case env.TTLSec > 0:
		ttl = time.Duration(env.TTLSec) * time.Second
	default:
		ttl = s.defaultTTL()
	}
	expiresAt := now.Add(ttl)
	return int(ttl.Seconds()), &expiresAt, nil
}

// ParseTTL parses either an integer-seconds string or a Ns/Nm/Nh/Nd
// duration string (spec.md §4.2).
func ParseTTL(raw string) (time.Duration, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("ttl must be positive")
		}
		return time.Duration(n) * time.Second, nil
	}
	if len(raw) < 2 {
		return 0, fmt.Errorf("unrecognized ttl format %q", raw)
	}
	unit := raw[len(raw)-1]
	n, err := strconv.Atoi(raw[:len(raw)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unrecognized ttl format %q", raw)
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unrecognized ttl unit %q", string(unit))
	}
}

// Pull atomically claims the oldest queued, unexpired message for
// agentID (spec.md §4.2). Returns (nil, nil) when the inbox has
// nothing eligible.
func (s *Service) Pull(ctx context.Context, agentID string, visibilityTimeout time.Duration) (*store.Message, error) {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	now := s.now()
	msg, err := s.Repository.ClaimNextQueued(ctx, agentID, visibilityTimeout, now)
	if err != nil {
		return nil, apierr.New(apierr.CodePullFailed, 400, err.Error())
	}
	return msg, nil
}

// Ack acknowledges a leased message (spec.md §4.2).
func (s *Service) Ack(ctx context.Context, agentID, messageID string, result []byte) error {
	msg, err := s.Repository.GetMessage(ctx, messageID)
	if err != nil || msg.ToAgentID != agentID || msg.Status != store.StatusLeased {
		return apierr.New(apierr.CodeMessageNotFound, 404, "message not found or not leased to this agent")
	}
	now := s.now()
	if msg.Ephemeral {
		msg.Status = store.StatusPurged
		msg.Envelope.Body = nil
		msg.PurgeReason = store.PurgeReasonAcked
		msg.PurgedAt = &now
	} else {
		msg.Status = store.StatusAcked
		msg.AckedAt = &now
		msg.Result = result
	}
	msg.UpdatedAt = now
	if err := s.Repository.UpdateMessage(ctx, msg); err != nil {
		return apierr.New(apierr.CodeAckFailed, 400, err.Error())
	}
	return nil
}

// NackOptions carries nack's optional parameters.
type NackOptions struct {
	ExtendSec int
	Requeue   bool
}

// NackResult is nack's return value.
type NackResult struct {
	Status     store.MessageStatus
	LeaseUntil *time.Time
}

// Nack either extends a message's lease or requeues it (spec.md §4.2).
func (s *Service) Nack(ctx context.Context, agentID, messageID string, opts NackOptions) (NackResult, error) {
	msg, err := s.Repository.GetMessage(ctx, messageID)
	if err != nil || msg.ToAgentID != agentID || msg.Status != store.StatusLeased {
		return NackResult{}, apierr.New(apierr.CodeMessageNotFound, 404, "message not found or not leased to this agent")
	}
	now := s.now()
	if opts.ExtendSec > 0 {
		base := now
		if msg.LeaseUntil != nil {
			base = *msg.LeaseUntil
		}
		newLease := base.Add(time.Duration(opts.ExtendSec) * time.Second)
		msg.LeaseUntil = &newLease
	} else {
		msg.Status = store.StatusQueued
		msg.LeaseUntil = nil
	}
	msg.UpdatedAt = now
	if err := s.Repository.UpdateMessage(ctx, msg); err != nil {
		return NackResult{}, apierr.New(apierr.CodeNackFailed, 400, err.Error())
	}
	return NackResult{Status: msg.Status, LeaseUntil: msg.LeaseUntil}, nil
}

// ReplyPartial carries the caller-supplied overrides for reply (spec.md
// §4.2): subject and body replace the corresponding envelope fields;
// everything else is synthesized.
type ReplyPartial struct {
	Subject string
	Body    []byte
	Type    string
}

// Reply synthesizes a response envelope and routes it through Send.
func (s *Service) Reply(ctx context.Context, agentID, originalMessageID string, partial ReplyPartial, opts SendOptions) (SendResult, error) {
	original, err := s.Repository.GetMessage(ctx, originalMessageID)
	if err != nil || original.ToAgentID != agentID {
		return SendResult{}, apierr.New(apierr.CodeMessageNotFound, 404, "original message not found")
	}
	now := s.now()
	env := store.Envelope{
		Version:       envelope.CurrentVersion,
		From:          agentID,
		To:            original.FromAgentID,
		Subject:       partial.Subject,
		Timestamp:     now.Format(time.RFC3339),
		Type:          partial.Type,
		CorrelationID: original.ID,
		Body:          partial.Body,
	}
	return s.Send(ctx, env, opts)
}

// StatusView is status's projection of a message (spec.md §4.2).
type StatusView struct {
	Message  *store.Message
	HTTPCode int
}

// Status returns a message's lifecycle fields, projecting purged
// messages to their metadata-only 410 view.
func (s *Service) Status(ctx context.Context, messageID string) (StatusView, error) {
	msg, err := s.Repository.GetMessage(ctx, messageID)
	if err != nil {
		return StatusView{}, apierr.New(apierr.CodeMessageNotFound, 404, "message not found")
	}
	if msg.Status == store.StatusPurged {
		return StatusView{Message: msg, HTTPCode: 410}, nil
	}
	return StatusView{Message: msg, HTTPCode: 200}, nil
}
