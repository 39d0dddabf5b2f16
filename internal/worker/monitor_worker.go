package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-taker/internal/config"
	"github.com/stemsi/exstem-taker/internal/engine"
	"github.com/stemsi/exstem-taker/internal/model"
)

const (
	monitorQueueSize = 256
	publishTimeout   = 2 * time.Second
)

// redisPublisher is the subset of *redis.Client the worker needs.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// MonitorWorker forwards attempt lifecycle events to the test's Redis monitor
// channel. Publish only enqueues; a single loop publishes in order so a slow
// Redis never holds up a session transition.
type MonitorWorker struct {
	rdb   redisPublisher
	queue chan model.AttemptEvent
	log   zerolog.Logger
}

var _ engine.EventPublisher = (*MonitorWorker)(nil)

// NewMonitorWorker creates a MonitorWorker. A nil client yields a worker that
// discards every event.
func NewMonitorWorker(rdb *redis.Client, log zerolog.Logger) *MonitorWorker {
	w := &MonitorWorker{
		queue: make(chan model.AttemptEvent, monitorQueueSize),
		log:   log.With().Str("component", "monitor_worker").Logger(),
	}
	if rdb != nil {
		w.rdb = rdb
	}
	return w
}

// Enabled reports whether events actually leave the process.
func (w *MonitorWorker) Enabled() bool {
	return w.rdb != nil
}

// Publish implements engine.EventPublisher. Events are dropped when the queue is full.
func (w *MonitorWorker) Publish(_ context.Context, ev model.AttemptEvent) {
	if w.rdb == nil || ev.TestID == "" {
		return
	}
	select {
	case w.queue <- ev:
	default:
		w.log.Warn().Str("type", string(ev.Type)).Str("session_id", ev.SessionID).Msg("Monitor queue full, dropping event")
	}
}

// Start begins the worker loop. Call in a goroutine; it returns after ctx is
// done and the queue has been drained.
func (w *MonitorWorker) Start(ctx context.Context) {
	w.log.Info().Bool("enabled", w.Enabled()).Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		case ev := <-w.queue:
			w.publish(ctx, ev)
		}
	}
}

func (w *MonitorWorker) publish(ctx context.Context, ev model.AttemptEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		w.log.Error().Err(err).Str("type", string(ev.Type)).Msg("Marshal error")
		return
	}

	channel := config.ChannelKey.TestMonitorChannel(ev.TestID)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := w.rdb.Publish(pctx, channel, payload).Err(); err != nil {
		w.log.Warn().Err(err).
			Str("channel", channel).
			Str("type", string(ev.Type)).
			Str("session_id", ev.SessionID).
			Msg("Publish error, dropping event")
	}
}

// drain publishes everything still queued before shutdown.
func (w *MonitorWorker) drain(ctx context.Context) {
	drained := 0
	for {
		select {
		case ev := <-w.queue:
			w.publish(ctx, ev)
			drained++
		default:
			if drained > 0 {
				w.log.Info().Int("count", drained).Msg("Drained remaining items")
			}
			return
		}
	}
}
