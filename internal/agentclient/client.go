package agentclient

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/protocol"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many agents reconnect simultaneously.
	jitterFraction = 0.2

	// heartbeatInterval is how often the agent sends liveness signals.
	// The server counts a miss after 3x this interval of silence.
	heartbeatInterval = 30 * time.Second

	// resourceInterval is how often the agent reports host utilization.
	resourceInterval = 60 * time.Second

	// authResponseTimeout bounds how long the client waits for the
	// server's auth_response after sending its handshake.
	authResponseTimeout = 15 * time.Second
)

// Config holds all parameters needed to connect to the server.
type Config struct {
	// ServerURL is the control-channel endpoint
	// (e.g. "ws://localhost:8080/api/v1/agents/ws").
	ServerURL string

	// AgentID is the UUID assigned at enrollment.
	AgentID string

	// APIKey is the shared secret used to sign the auth handshake.
	APIKey string

	// Capabilities lists the protocol tags this agent can execute.
	Capabilities []string

	// Version is the agent binary version, sent during registration.
	Version string
}

// Client maintains the persistent control channel to the server. Run
// blocks and reconnects forever until its context is cancelled.
type Client struct {
	cfg    Config
	exec   Executor
	logger *zap.Logger

	// sendMu serializes writes — gorilla/websocket connections are not
	// safe for concurrent writers.
	sendMu sync.Mutex
	conn   *websocket.Conn
}

// New creates a client. exec handles task assignments; pass
// UnimplementedExecutor{} to run the channel without measurement modules.
func New(cfg Config, exec Executor, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		exec:   exec,
		logger: logger.Named("agentclient"),
	}
}

// Run connects and serves the control channel, reconnecting with
// exponential backoff and jitter on any failure. It returns when ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := backoffInitial

	for {
		if err := c.session(ctx); err != nil {
			c.logger.Warn("session ended", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(withJitter(backoff)):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// session runs one connection lifetime: dial, authenticate, register,
// then serve frames until the connection drops or ctx is cancelled.
func (c *Client) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}
	defer conn.Close()

	c.sendMu.Lock()
	c.conn = conn
	c.sendMu.Unlock()

	sessionID, err := c.authenticate(conn)
	if err != nil {
		return err
	}
	c.logger.Info("authenticated",
		zap.String("agent_id", c.cfg.AgentID),
		zap.String("session_id", sessionID),
	)

	if err := c.register(); err != nil {
		return err
	}

	// Periodic loops live for the session; the read loop's return tears
	// them down.
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeatLoop(loopCtx)
	go c.resourceLoop(loopCtx)

	return c.readLoop(loopCtx, conn)
}

// authenticate sends the signed handshake and waits for the server's
// verdict.
func (c *Client) authenticate(conn *websocket.Conn) (string, error) {
	timestamp := time.Now().UTC().Format(time.RFC3339)
	nonce := uuid.NewString()

	frame, err := protocol.NewFrame(protocol.TypeAuth, protocol.AuthRequest{
		AgentID:   c.cfg.AgentID,
		Timestamp: timestamp,
		Nonce:     nonce,
		Signature: protocol.Signature(c.cfg.AgentID, c.cfg.APIKey, timestamp, nonce),
		Version:   c.cfg.Version,
	})
	if err != nil {
		return "", err
	}
	if err := c.send(frame); err != nil {
		return "", fmt.Errorf("send auth: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(authResponseTimeout)); err != nil {
		return "", err
	}
	var reply protocol.Frame
	if err := conn.ReadJSON(&reply); err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", err
	}

	if reply.Type != protocol.TypeAuthResponse {
		return "", fmt.Errorf("unexpected first frame %q", reply.Type)
	}
	var resp protocol.AuthResponse
	if err := reply.Decode(&resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("authentication rejected: %s", resp.Error)
	}
	return resp.SessionID, nil
}

func (c *Client) register() error {
	frame, err := protocol.NewFrame(protocol.TypeAgentRegister, protocol.RegisterRequest{
		Capabilities: c.cfg.Capabilities,
		Version:      c.cfg.Version,
	})
	if err != nil {
		return err
	}
	return c.send(frame)
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := protocol.NewFrame(protocol.TypeHeartbeat, protocol.HeartbeatRequest{
				AgentID: c.cfg.AgentID,
			})
			if err != nil {
				continue
			}
			if err := c.send(frame); err != nil {
				c.logger.Warn("heartbeat send failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) resourceLoop(ctx context.Context) {
	ticker := time.NewTicker(resourceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := protocol.NewFrame(protocol.TypeResourceReport, protocol.ResourceReport{
				Resources: collectResources(),
			})
			if err != nil {
				continue
			}
			if err := c.send(frame); err != nil {
				c.logger.Warn("resource report send failed", zap.Error(err))
				return
			}
		}
	}
}

// readLoop consumes server frames until the connection drops.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handleFrame(&frame)
	}
}

func (c *Client) handleFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeTaskAssignment:
		var assignment protocol.TaskAssignment
		if err := frame.Decode(&assignment); err != nil {
			c.logger.Warn("malformed task assignment", zap.Error(err))
			return
		}
		// Each execution runs on its own goroutine so a slow probe does
		// not block the channel.
		go c.runAssignment(assignment)

	case protocol.TypeTaskCancel:
		var cancel protocol.TaskCancel
		if err := frame.Decode(&cancel); err == nil {
			c.logger.Info("task cancel received", zap.String("task_id", cancel.TaskID))
		}

	case protocol.TypeDisconnect:
		var d protocol.Disconnect
		if err := frame.Decode(&d); err == nil {
			c.logger.Info("server requested disconnect", zap.String("reason", d.Reason))
		}

	case protocol.TypeHeartbeatResponse, protocol.TypeTaskResultAck,
		protocol.TypeResourceReportAck, protocol.TypeAgentRegisterResponse:
		// Acknowledgements need no action.

	case protocol.TypeTaskStatusUpdate, protocol.TypeSystemNotification:
		c.logger.Debug("server notice", zap.String("type", string(frame.Type)))

	case protocol.TypeAgentCommand:
		var cmd protocol.AgentCommand
		if err := frame.Decode(&cmd); err == nil {
			c.logger.Info("agent command received", zap.String("command", cmd.Command))
		}

	case protocol.TypeError:
		var e protocol.ErrorPayload
		if err := frame.Decode(&e); err == nil {
			c.logger.Warn("server error frame", zap.String("error", e.Error))
		}

	default:
		c.logger.Debug("ignoring frame", zap.String("type", string(frame.Type)))
	}
}

func (c *Client) runAssignment(assignment protocol.TaskAssignment) {
	c.logger.Info("executing task",
		zap.String("task_id", assignment.TaskID),
		zap.String("protocol", assignment.Protocol),
		zap.String("target", assignment.Target),
	)

	result := executeWithTimeout(c.exec, assignment)

	frame, err := protocol.NewFrame(protocol.TypeTaskResult, result)
	if err != nil {
		return
	}
	if err := c.send(frame); err != nil {
		c.logger.Warn("task result send failed",
			zap.String("task_id", assignment.TaskID),
			zap.Error(err),
		)
	}
}

func (c *Client) send(frame *protocol.Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(frame)
}

// withJitter spreads a backoff interval by ±jitterFraction.
func withJitter(d time.Duration) time.Duration {
	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
