package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-taker/internal/engine"
	ws "github.com/stemsi/exstem-taker/internal/websocket"
)

const intentTimeout = 30 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams engine snapshots to the UI over a WebSocket.
type WSHandler struct {
	engine   SessionEngine
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(e SessionEngine, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		engine:   e,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// safeConn serializes writes; gorilla allows a single concurrent writer.
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *safeConn) write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ws.WriteTyped(s.conn, v)
}

func (s *safeConn) writeError(msg, code string) error {
	return s.write(ws.ErrorResponse{Event: ws.EventError, Error: msg, Code: code})
}

// StreamSnapshots godoc
// WS /ws/v1/session/stream
// Pushes a snapshot after every transition and accepts ping, network and
// autosave actions from the UI.
func (h *WSHandler) StreamSnapshots(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sc := &safeConn{conn: conn}
	snaps, unsubscribe := h.engine.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	h.log.Info().Str("remote", c.ClientIP()).Msg("UI connected")

	go h.pushSnapshots(ctx, cancel, sc, snaps)

	for {
		raw, err := ws.ReadRaw(conn)
		if err != nil {
			if ws.IsExpectedClose(err) {
				h.log.Debug().Msg("UI disconnected")
			} else {
				h.log.Warn().Err(err).Msg("Unexpected close")
			}
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			_ = sc.writeError("malformed message", "")
			continue
		}

		switch env.Action {
		case ws.ActionPing:
			_ = sc.write(ws.PongResponse{Event: ws.EventPong})
		case ws.ActionNetwork:
			var req ws.NetworkRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				_ = sc.writeError("malformed network message", "")
				continue
			}
			h.apply(ctx, sc, engine.NetworkEvent{Online: req.Online})
		case ws.ActionAutosave:
			h.handleAutosave(ctx, sc, raw)
		default:
			h.log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			_ = sc.writeError("unknown action: "+string(env.Action), "")
		}
	}
}

// pushSnapshots forwards subscription updates until the socket or the
// subscription goes away.
func (h *WSHandler) pushSnapshots(ctx context.Context, cancel context.CancelFunc, sc *safeConn, snaps <-chan engine.Snapshot) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				_ = sc.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(time.Second))
				return
			}
			if err := sc.write(ws.SnapshotEvent{Event: ws.EventSnapshot, Snapshot: snap}); err != nil {
				h.log.Debug().Err(err).Msg("Snapshot push failed")
				return
			}
		}
	}
}

// handleAutosave stages an answer typed in the UI. Updates addressed to a
// question other than the current one are stale and dropped.
func (h *WSHandler) handleAutosave(ctx context.Context, sc *safeConn, raw json.RawMessage) {
	var req ws.AutosaveRequest
	if err := json.Unmarshal(raw, &req); err != nil || len(req.Answer) == 0 {
		_ = sc.writeError("question_index and answer are required", "")
		return
	}

	snap := h.engine.Snapshot()
	if snap.Session == nil || snap.Session.CurrentQuestionIndex != req.QuestionIndex ||
		(req.SessionID != "" && req.SessionID != snap.Session.SessionID) {
		_ = sc.writeError("stale autosave", string(engine.CodeInvalidState))
		return
	}

	h.apply(ctx, sc, engine.UpdateAnswerIntent{Value: req.Answer})
}

func (h *WSHandler) apply(ctx context.Context, sc *safeConn, msg engine.Message) {
	ictx, cancel := context.WithTimeout(ctx, intentTimeout)
	defer cancel()

	if err := h.engine.Dispatch(ictx, msg); err != nil {
		code := ""
		if e, ok := engine.AsError(err); ok {
			code = string(e.Code)
			if code == "" {
				code = string(e.Type)
			}
		}
		_ = sc.writeError(err.Error(), code)
	}
}
