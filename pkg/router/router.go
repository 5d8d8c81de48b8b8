// Package router is the inbound event path: deduplication, self-event
// filtering, command parsing, and ordered dispatch to the lifecycle manager
// and the pipeline engine.
package router

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/metrics"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/registry"
)

// ErrQueueFull tells the webhook receiver to have the forge redeliver.
var ErrQueueFull = errors.New("event lane is full")

// handleTimeout bounds the processing of a single event.
const handleTimeout = 2 * time.Minute

// Sink receives fully filtered events in lane order. The router calls the
// lifecycle manager first (approval state, wakes, mail) and the pipeline
// engine second (triggers, then reactive routing).
type Sink interface {
	HandleEvent(ctx context.Context, ev *models.Event, botIdentity string)
}

// Engine is the subset of the pipeline engine the router dispatches to.
type Engine interface {
	HandleTriggerEvent(ctx context.Context, ev *models.Event)
	HandleReactiveEvent(ctx context.Context, ev *models.Event)
}

// Router fans events into hashed lanes. Events sharing an ordering key are
// processed in arrival order on one lane; distinct keys run concurrently.
type Router struct {
	store    *registry.Store
	activity *events.ActivityLog
	sink     Sink
	engine   Engine
	bot      string
	logger   *slog.Logger

	lanes []chan *models.Event

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a router. Start must be called before Emit.
func New(store *registry.Store, activity *events.ActivityLog, sink Sink, engine Engine, cfg config.RouterConfig, botIdentity string) *Router {
	laneCount := cfg.Lanes
	if laneCount <= 0 {
		laneCount = 8
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	lanes := make([]chan *models.Event, laneCount)
	for i := range lanes {
		lanes[i] = make(chan *models.Event, queueSize)
	}
	return &Router{
		store:    store,
		activity: activity,
		sink:     sink,
		engine:   engine,
		bot:      botIdentity,
		logger:   slog.With("component", "router"),
		lanes:    lanes,
		stopCh:   make(chan struct{}),
	}
}

// Start launches one worker per lane.
func (r *Router) Start() {
	for i, lane := range r.lanes {
		r.wg.Add(1)
		go r.runLane(i, lane)
	}
	r.logger.Info("Event router started", "lanes", len(r.lanes), "queue_size", cap(r.lanes[0]))
}

// Stop stops the lane workers. Queued events are dropped; the forge will
// redeliver and the delivery table has not recorded them yet.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Emit enqueues an event on its ordering lane. A full lane surfaces
// ErrQueueFull so the webhook receiver can answer 503 and rely on forge
// redelivery.
func (r *Router) Emit(ev *models.Event) error {
	lane := r.laneFor(ev)
	select {
	case r.lanes[lane] <- ev:
		return nil
	default:
		metrics.EventsDropped.Inc()
		r.activity.Record(events.ActivityRecord{
			Type:    events.ActivityEventDropped,
			Summary: fmt.Sprintf("lane %d full, dropped %s", lane, ev.Type),
			Payload: map[string]any{"delivery_id": ev.DeliveryID, "ordering_key": ev.OrderingKey()},
		})
		return fmt.Errorf("%w: lane %d", ErrQueueFull, lane)
	}
}

// QueueDepth returns the number of events queued across all lanes.
func (r *Router) QueueDepth() int {
	depth := 0
	for _, lane := range r.lanes {
		depth += len(lane)
	}
	return depth
}

// Lanes returns the configured lane count.
func (r *Router) Lanes() int { return len(r.lanes) }

func (r *Router) laneFor(ev *models.Event) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ev.OrderingKey()))
	return int(h.Sum32() % uint32(len(r.lanes)))
}

func (r *Router) runLane(id int, lane <-chan *models.Event) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case ev := <-lane:
			r.process(ev)
		}
	}
}

// process runs the full dispatch chain for one event.
func (r *Router) process(ev *models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	if ev.DeliveryID != "" {
		err := r.store.RecordDelivery(ctx, ev.DeliveryID, string(ev.Type))
		if errors.Is(err, registry.ErrDuplicateDelivery) {
			r.logger.Debug("Duplicate delivery dropped", "delivery_id", ev.DeliveryID, "type", ev.Type)
			return
		}
		if err != nil {
			r.logger.Error("Failed to record delivery", "delivery_id", ev.DeliveryID, "error", err)
			return
		}
	}

	if r.isSelfEvent(ev) {
		r.logger.Debug("Self event dropped", "type", ev.Type, "sender", ev.Sender)
		return
	}

	r.activity.Record(events.ActivityRecord{
		Type:    events.ActivityEventReceived,
		Summary: fmt.Sprintf("%s on %s", ev.Type, ev.OrderingKey()),
		Payload: map[string]any{"sender": ev.Sender, "delivery_id": ev.DeliveryID},
	})

	if cmd := r.parseCommand(ev); cmd != nil {
		ev = cmd
	}

	// Lifecycle bookkeeping first so approvals and wakes are visible to the
	// engine's reactive handling of the same event.
	r.sink.HandleEvent(ctx, ev, r.bot)
	r.engine.HandleTriggerEvent(ctx, ev)
	r.engine.HandleReactiveEvent(ctx, ev)
	metrics.EventsProcessed.WithLabelValues(string(ev.Type)).Inc()
}

// isSelfEvent drops forge events caused by the orchestrator's own actions.
// Synthetic agent.* events pass through; they carry the agent id as sender.
func (r *Router) isSelfEvent(ev *models.Event) bool {
	if strings.HasPrefix(string(ev.Type), "agent.") {
		return false
	}
	return r.bot != "" && ev.Sender == r.bot
}

// commandPattern matches "@bot role: instruction" at the start of a comment.
var commandPattern = regexp.MustCompile(`^@([\w-]+)\s+([\w-]+):\s*(.+)`)

// parseCommand turns a comment that addresses the bot into a command event.
// Returns nil when the comment is not a command.
func (r *Router) parseCommand(ev *models.Event) *models.Event {
	if ev.Type != models.EventIssueCommentCreated || r.bot == "" {
		return nil
	}
	m := commandPattern.FindStringSubmatch(strings.TrimSpace(ev.CommentBody()))
	if m == nil || m[1] != r.bot {
		return nil
	}

	payload := make(map[string]any, len(ev.Payload)+2)
	for k, v := range ev.Payload {
		payload[k] = v
	}
	payload["role"] = m[2]
	payload["instruction"] = strings.TrimSpace(m[3])

	r.logger.Info("Command parsed", "role", m[2], "sender", ev.Sender, "key", ev.OrderingKey())
	return &models.Event{
		Type:       models.EventCommand,
		DeliveryID: ev.DeliveryID,
		Sender:     ev.Sender,
		Repo:       ev.Repo,
		Payload:    payload,
	}
}
