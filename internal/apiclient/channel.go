package apiclient

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-taker/internal/engine"
	ws "github.com/stemsi/exstem-taker/internal/websocket"
)

const (
	defaultPingInterval = 25 * time.Second
	defaultMinBackoff   = 500 * time.Millisecond
	defaultMaxBackoff   = 30 * time.Second
	draftQueueSize      = 16
)

// Dispatcher receives channel events. engine.Machine implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg engine.Message) error
}

// ChannelOptions configures the real-time channel.
type ChannelOptions struct {
	BaseURL      string
	Token        string
	PingInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// Channel keeps a websocket open to the exam server for the followed session.
// It feeds connect/disconnect, time sync and forced submission into the
// Dispatcher and mirrors draft answers to the server.
type Channel struct {
	baseURL      string
	token        string
	pingInterval time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration
	dialer       *websocket.Dialer
	target       Dispatcher
	log          zerolog.Logger
	drafts       chan ws.AutosaveRequest

	mu        sync.Mutex
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
}

var _ engine.DraftSink = (*Channel)(nil)

// NewChannel creates an idle Channel. Call Follow to connect.
func NewChannel(opts ChannelOptions, target Dispatcher, log zerolog.Logger) *Channel {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}
	return &Channel{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		token:        opts.Token,
		pingInterval: opts.PingInterval,
		minBackoff:   opts.MinBackoff,
		maxBackoff:   opts.MaxBackoff,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		target:       target,
		log:          log.With().Str("component", "realtime_channel").Logger(),
		drafts:       make(chan ws.AutosaveRequest, draftQueueSize),
	}
}

// Follow connects the channel to sessionID, replacing any session followed
// before. Following the current session again is a no-op; an empty id stops
// the channel.
func (c *Channel) Follow(ctx context.Context, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sessionID == c.sessionID && c.cancel != nil {
		return
	}
	c.stopLocked()
	if sessionID == "" {
		return
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.sessionID = sessionID
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)
		c.run(runCtx, sessionID)
	}()
}

// SetTarget replaces the Dispatcher. Call it before the first Follow.
func (c *Channel) SetTarget(target Dispatcher) {
	c.target = target
}

// Track follows the session of every snapshot until snaps is closed or ctx
// is done. A concluded or missing session stops the channel.
func (c *Channel) Track(ctx context.Context, snaps <-chan engine.Snapshot) {
	defer c.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			sessionID := ""
			if snap.Session != nil && !snap.State.IsTerminal() {
				sessionID = snap.Session.SessionID
			}
			c.Follow(ctx, sessionID)
		}
	}
}

// Stop disconnects and waits for the connection loop to exit.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Channel) stopLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
	c.sessionID = ""
}

// MirrorDraft queues a draft answer for the server. The queue is bounded and
// drafts are dropped when it is full.
func (c *Channel) MirrorDraft(sessionID string, questionIndex int, answer json.RawMessage) {
	req := ws.AutosaveRequest{
		Action:        ws.ActionAutosave,
		SessionID:     sessionID,
		QuestionIndex: questionIndex,
		Answer:        answer,
	}
	select {
	case c.drafts <- req:
	default:
		c.log.Debug().Str("session_id", sessionID).Int("question_index", questionIndex).Msg("Draft queue full, dropping draft")
	}
}

func (c *Channel) run(ctx context.Context, sessionID string) {
	log := c.log.With().Str("session_id", sessionID).Logger()
	backoff := c.minBackoff

	for {
		connected, err := c.connect(ctx, log, sessionID)
		if connected {
			c.target.Dispatch(ctx, engine.ChannelEvent{Connected: false})
			backoff = c.minBackoff
		}
		if ctx.Err() != nil {
			log.Debug().Msg("Channel stopped")
			return
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("Channel disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

func (c *Channel) streamURL(sessionID string) string {
	u := c.baseURL + "/ws/student/sessions/" + url.PathEscape(sessionID) + "/stream"
	if c.token != "" {
		u += "?token=" + url.QueryEscape(c.token)
	}
	return u
}

// connect runs one connection until it fails or ctx is done. It reports
// whether the handshake succeeded.
func (c *Channel) connect(ctx context.Context, log zerolog.Logger, sessionID string) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.streamURL(sessionID), nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	log.Info().Msg("Channel connected")
	c.target.Dispatch(ctx, engine.ChannelEvent{Connected: true})

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(ctx, log, conn)
	}()

	ping := time.NewTicker(c.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
			<-readErr
			return true, ctx.Err()
		case err := <-readErr:
			return true, err
		case <-ping.C:
			if err := ws.WriteTyped(conn, ws.PingRequest{Action: ws.ActionPing}); err != nil {
				conn.Close()
				<-readErr
				return true, err
			}
		case draft := <-c.drafts:
			if draft.SessionID != sessionID {
				continue
			}
			if err := ws.WriteTyped(conn, draft); err != nil {
				conn.Close()
				<-readErr
				return true, err
			}
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, log zerolog.Logger, conn *websocket.Conn) error {
	for {
		raw, err := ws.ReadRaw(conn)
		if err != nil {
			if ws.IsExpectedClose(err) {
				log.Debug().Msg("Connection closed")
			} else {
				log.Warn().Err(err).Msg("Unexpected close")
			}
			return err
		}

		var env ws.EventEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Warn().Err(err).Msg("Malformed channel message")
			continue
		}

		switch env.Event {
		case ws.EventTimeSync:
			var ev ws.TimeSyncEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				log.Warn().Err(err).Msg("Malformed time sync")
				continue
			}
			c.target.Dispatch(ctx, engine.TimeSyncEvent{RemainingSeconds: ev.RemainingSeconds})
		case ws.EventForceSubmit:
			var ev ws.ForceSubmitEvent
			_ = json.Unmarshal(raw, &ev)
			log.Info().Str("reason", ev.Reason).Msg("Server ended the current scope")
			c.target.Dispatch(ctx, engine.ForceSubmitEvent{})
		case ws.EventPong:
		case ws.EventError:
			var ev ws.ErrorResponse
			_ = json.Unmarshal(raw, &ev)
			log.Warn().Str("error", ev.Error).Msg("Channel error from server")
		default:
			log.Debug().Str("event", string(env.Event)).Msg("Unknown event")
		}
	}
}
