package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aperture-ai/aperture-gateway/internal/backend"
	"github.com/aperture-ai/aperture-gateway/internal/logging"
	"github.com/aperture-ai/aperture-gateway/internal/runtime"
	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Auth is the bearer token, not the origin.
		return true
	},
}

const (
	// writeDeadline bounds a single websocket write.
	writeDeadline = 10 * time.Second
	// enqueueStallDeadline is how long an outbound enqueue may block
	// before the connection is declared a slow consumer and closed.
	enqueueStallDeadline = 2 * time.Second
	// pingInterval keeps intermediaries from reaping quiet connections.
	pingInterval = 30 * time.Second
	// outboundBuffer is the per-connection outbound frame queue size.
	outboundBuffer = 64
)

// Frame-channel error codes. The -327xx block follows JSON-RPC 2.0;
// the -320xx block is server-defined.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeUnknownCommand = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603

	codeOversize     = -32000
	codeIllegalState = -32001
	codeUnsupported  = -32002
)

// inboundFrame is the envelope of one client frame: a tagged union
// keyed by Type, with the command-specific fields decoded per command
// from the raw bytes.
type inboundFrame struct {
	Type string `json:"type"`
	ID   any    `json:"id,omitempty"`
}

// outFrame is everything the frame channel ever sends: relayed session
// events, command results, and framed errors.
type outFrame struct {
	Type    string              `json:"type"` // "event" | "result" | "error"
	ID      any                 `json:"id,omitempty"`
	Command string              `json:"command,omitempty"`
	Event   *types.SessionEvent `json:"event,omitempty"`
	Result  any                 `json:"result,omitempty"`
	Code    int                 `json:"code,omitempty"`
	Message string              `json:"message,omitempty"`
}

// wsError is a framed error before it is wrapped in an outFrame.
type wsError struct {
	Code    int
	Message string
}

// client is one frame-channel connection, subscribed to exactly one
// session.
type client struct {
	server *Server
	log    zerolog.Logger
	conn   *websocket.Conn
	rt     *runtime.Runtime
	sess   *types.Session

	outbound chan outFrame

	closeOnce sync.Once
	closed    chan struct{}

	// Advisory per-connection MCP server declarations, held for the
	// attached backend (which owns the actual MCP lifecycle).
	mcpMu      sync.Mutex
	mcpServers map[string]any
}

// frameChannel upgrades the connection and runs the bidirectional frame
// protocol against one session.
func (s *Server) frameChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	rt, sess, ok := s.manager.Get(id)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if !ok {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session not found")
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		conn.WriteMessage(websocket.CloseMessage, msg)
		conn.Close()
		return
	}

	c := &client{
		server:     s,
		log:        logging.WithConnection(sess.ID, r.RemoteAddr),
		conn:       conn,
		rt:         rt,
		sess:       sess,
		outbound:   make(chan outFrame, outboundBuffer),
		closed:     make(chan struct{}),
		mcpServers: make(map[string]any),
	}

	go c.writeLoop()

	// Replay the current state to the (re)connecting client before
	// accepting input, then attach to the live fan-out.
	c.enqueue(outFrame{Type: "event", Event: &types.SessionEvent{
		Type:      types.EventConnected,
		SessionID: sess.ID,
		Payload:   rt.Status(),
		Timestamp: time.Now().UnixMilli(),
	}})

	events, unsub := rt.Subscribe()
	defer unsub()
	go c.relayEvents(events)

	c.readLoop(r.Context())
	c.close(websocket.CloseNormalClosure, "")
}

// relayEvents forwards the runtime's fan-out into the outbound queue.
func (c *client) relayEvents(events <-chan types.SessionEvent) {
	for ev := range events {
		ev := ev
		if !c.enqueue(outFrame{Type: "event", Event: &ev}) {
			return
		}
	}
	// Channel closure means the runtime ended or dropped this
	// subscriber; finish the connection cleanly either way.
	c.close(websocket.CloseNormalClosure, "session ended")
}

// enqueue queues one frame for the writer, closing the connection as a
// slow consumer if the queue stays full past the stall deadline.
func (c *client) enqueue(f outFrame) bool {
	select {
	case c.outbound <- f:
		return true
	case <-c.closed:
		return false
	default:
	}

	stall := time.NewTimer(enqueueStallDeadline)
	defer stall.Stop()
	select {
	case c.outbound <- f:
		return true
	case <-c.closed:
		return false
	case <-stall.C:
		c.log.Warn().Msg("mux: closing slow frame-channel consumer")
		c.close(websocket.CloseTryAgainLater, "slow consumer")
		return false
	}
}

func (c *client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case f := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteJSON(f); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readLoop reads frames until the peer goes away. Every frame is
// measured before it is parsed; an over-size frame gets a framed error
// and the channel stays open.
func (c *client) readLoop(ctx context.Context) {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if int64(len(data)) > c.server.cfg.MaxMessageSizeBytes {
			c.enqueue(outFrame{
				Type:    "error",
				Code:    codeOversize,
				Message: fmt.Sprintf("frame size %d exceeds limit %d", len(data), c.server.cfg.MaxMessageSizeBytes),
			})
			continue
		}

		var envelope inboundFrame
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.enqueue(outFrame{Type: "error", Code: codeParseError, Message: "invalid JSON frame"})
			continue
		}
		if envelope.Type == "" {
			c.enqueue(outFrame{Type: "error", Code: codeInvalidRequest, Message: "frame is missing a type"})
			continue
		}

		handler, ok := commandTable[envelope.Type]
		if !ok {
			c.enqueue(outFrame{
				Type:    "error",
				ID:      envelope.ID,
				Command: envelope.Type,
				Code:    codeUnknownCommand,
				Message: fmt.Sprintf("unknown command type %q", envelope.Type),
			})
			continue
		}

		cmdCtx, cancel := context.WithTimeout(ctx, c.server.cfg.RPCRequestTimeout)
		result, cmdErr := handler(cmdCtx, c, data)
		cancel()

		if cmdErr != nil {
			c.enqueue(outFrame{
				Type:    "error",
				ID:      envelope.ID,
				Command: envelope.Type,
				Code:    cmdErr.Code,
				Message: cmdErr.Message,
			})
			continue
		}
		c.enqueue(outFrame{
			Type:    "result",
			ID:      envelope.ID,
			Command: envelope.Type,
			Result:  result,
		})
	}
}

func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.conn.Close()
	})
}

// translateRuntimeError maps a runtime or backend error into the frame
// channel's error-code space; raw causes stay behind this boundary.
func translateRuntimeError(err error) *wsError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, runtime.ErrIllegalTransition):
		return &wsError{Code: codeIllegalState, Message: err.Error()}
	case errors.Is(err, backend.ErrUnsupported):
		return &wsError{Code: codeUnsupported, Message: err.Error()}
	default:
		return &wsError{Code: codeInternalError, Message: err.Error()}
	}
}
