package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/protocol"
	"github.com/netpulse-io/netpulse/internal/repositories"
)

// Authentication failure reasons returned to the agent in the
// auth_response frame. Deliberately coarse — the handshake must not reveal
// whether an agent id exists or which part of the signature check failed.
const (
	authErrMalformed   = "malformed auth frame"
	authErrExpired     = "auth timestamp outside accepted window"
	authErrUnknown     = "authentication failed"
	authErrBadIdentity = "authentication failed"
)

// Authenticator validates the signed handshake frame that must be the first
// frame on every new control channel.
type Authenticator struct {
	agents       repositories.AgentRepository
	replayWindow time.Duration
	logger       *zap.Logger
}

// NewAuthenticator creates an Authenticator checking auth frames against
// the stored per-agent API keys.
func NewAuthenticator(agents repositories.AgentRepository, replayWindow time.Duration, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		agents:       agents,
		replayWindow: replayWindow,
		logger:       logger.Named("auth"),
	}
}

// Authenticate validates one auth frame and returns the agent id on
// success. The returned error carries the wire-safe failure reason via
// authReason.
func (a *Authenticator) Authenticate(ctx context.Context, frame *protocol.Frame) (string, error) {
	if frame.Type != protocol.TypeAuth {
		return "", authFailure(authErrMalformed, fmt.Errorf("first frame is %q, want %q", frame.Type, protocol.TypeAuth))
	}

	var req protocol.AuthRequest
	if err := frame.Decode(&req); err != nil {
		return "", authFailure(authErrMalformed, err)
	}
	if req.AgentID == "" || req.Nonce == "" || req.Signature == "" {
		return "", authFailure(authErrMalformed, errors.New("missing required auth fields"))
	}

	// Replay protection: the signed timestamp must be within the window in
	// either direction. Future skew beyond the window is rejected too — a
	// frame "from the future" is as suspect as a stale one.
	ts, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		return "", authFailure(authErrMalformed, fmt.Errorf("bad auth timestamp: %w", err))
	}
	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.replayWindow {
		return "", authFailure(authErrExpired, fmt.Errorf("auth timestamp skew %s exceeds %s", skew, a.replayWindow))
	}

	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		return "", authFailure(authErrBadIdentity, fmt.Errorf("agent id is not a uuid: %w", err))
	}
	agent, err := a.agents.GetByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return "", authFailure(authErrBadIdentity, fmt.Errorf("unknown agent %s", req.AgentID))
		}
		return "", authFailure(authErrUnknown, fmt.Errorf("agent lookup: %w", err))
	}
	if !agent.Enabled {
		return "", authFailure(authErrBadIdentity, fmt.Errorf("agent %s is disabled", req.AgentID))
	}

	if !protocol.VerifySignature(req.AgentID, agent.APIKey, req.Timestamp, req.Nonce, req.Signature) {
		return "", authFailure(authErrBadIdentity, fmt.Errorf("signature mismatch for agent %s", req.AgentID))
	}

	a.logger.Debug("agent authenticated",
		zap.String("agent_id", req.AgentID),
		zap.String("version", req.Version),
	)
	return req.AgentID, nil
}

// authError pairs an internal cause with the coarse reason sent on the wire.
type authError struct {
	reason string
	cause  error
}

func (e *authError) Error() string { return e.cause.Error() }
func (e *authError) Unwrap() error { return e.cause }

func authFailure(reason string, cause error) error {
	return &authError{reason: reason, cause: cause}
}

// authReason extracts the wire-safe reason from an authentication error.
func authReason(err error) string {
	var ae *authError
	if errors.As(err, &ae) {
		return ae.reason
	}
	return authErrUnknown
}
