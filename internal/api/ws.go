package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/connection"
)

// upgrader performs the HTTP → WebSocket protocol upgrade for agent
// control channels. CheckOrigin always returns true — agents are not
// browsers, and transport authentication is the signed handshake frame
// validated by the connection manager, not an Origin header.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// AgentWSHandler handles the agent control-channel endpoint
// GET /api/v1/agents/ws. It upgrades the connection and hands the socket
// to the connection manager, which runs the signed auth handshake and the
// frame loop. The handler blocks for the lifetime of the connection —
// expected for WebSocket handlers.
type AgentWSHandler struct {
	manager *connection.Manager
	logger  *zap.Logger
}

// NewAgentWSHandler creates a handler feeding the given connection manager.
func NewAgentWSHandler(manager *connection.Manager, logger *zap.Logger) *AgentWSHandler {
	return &AgentWSHandler{
		manager: manager,
		logger:  logger.Named("agent_ws"),
	}
}

// ServeWS handles GET /api/v1/agents/ws.
func (h *AgentWSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	h.logger.Debug("agent channel opened", zap.String("remote_addr", r.RemoteAddr))
	h.manager.Serve(r.Context(), conn)
}
