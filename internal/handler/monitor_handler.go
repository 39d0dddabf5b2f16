package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-taker/internal/config"
	"github.com/stemsi/exstem-taker/internal/response"
)

const keepAliveInterval = 30 * time.Second

// MonitorHandler relays the attempt event feed of one test as Server-Sent
// Events, for proctor dashboards and local debugging.
type MonitorHandler struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewMonitorHandler creates a MonitorHandler. rdb may be nil when the feed is disabled.
func NewMonitorHandler(rdb *redis.Client, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb: rdb,
		log: log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorTestSSE godoc
// GET /api/v1/monitor/tests/:test_id
func (h *MonitorHandler) MonitorTestSSE(c *gin.Context) {
	if h.rdb == nil {
		response.Fail(c, http.StatusServiceUnavailable, response.ErrMonitorDisabled)
		return
	}

	testID := c.Param("test_id")
	if testID == "" || len(testID) > 64 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	channelName := config.ChannelKey.TestMonitorChannel(testID)
	pubsub := h.rdb.Subscribe(reqCtx, channelName)
	defer pubsub.Close()

	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	h.log.Info().Str("test_id", testID).Msg("Monitor attached")

	c.SSEvent("message", gin.H{"type": "subscribed", "test_id": testID})
	c.Writer.Flush()

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("test_id", testID).Msg("Monitor detached")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Events are already JSON; forward them untouched.
			writeSSEData(c, []byte(msg.Payload))

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

func writeSSEData(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
