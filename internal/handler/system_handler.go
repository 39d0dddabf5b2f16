package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-taker/internal/engine"
	"github.com/stemsi/exstem-taker/internal/response"
)

const pingTimeout = 2 * time.Second

// SystemHandler reports process health: engine state, connectivity and
// Go runtime figures.
type SystemHandler struct {
	engine    SessionEngine
	rdb       *redis.Client
	startTime time.Time
}

func NewSystemHandler(e SessionEngine, rdb *redis.Client) *SystemHandler {
	return &SystemHandler{engine: e, rdb: rdb, startTime: time.Now()}
}

type healthStatus struct {
	Status     string                  `json:"status"`
	Uptime     string                  `json:"uptime"`
	State      engine.State            `json:"state"`
	Connection engine.ConnectionStatus `json:"connection"`
	Monitor    string                  `json:"monitor"`
	Goroutines int                     `json:"goroutines"`
	HeapAlloc  uint64                  `json:"heap_alloc"`
	GoVersion  string                  `json:"go_version"`
}

// Health godoc
// GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	snap := h.engine.Snapshot()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := healthStatus{
		Status:     "ok",
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		State:      snap.State,
		Connection: snap.Connection,
		Monitor:    h.monitorStatus(c.Request.Context()),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		GoVersion:  runtime.Version(),
	}
	if !snap.Connection.Healthy() {
		status.Status = "degraded"
	}

	response.Success(c, http.StatusOK, status)
}

func (h *SystemHandler) monitorStatus(ctx context.Context) string {
	if h.rdb == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		return "unreachable"
	}
	return "ok"
}
