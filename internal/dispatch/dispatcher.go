package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/voxpin/voxpin/internal/observe"
	"github.com/voxpin/voxpin/internal/queue"
	"github.com/voxpin/voxpin/pkg/types"
)

// activeRetryDelay is how long a wake job waits before redelivery while the
// user's gateway session is still up. The session delivers pending work
// itself; the queued job only matters if the session goes away first.
const activeRetryDelay = time.Minute

// SessionStore is the session-lookup side of dispatch, satisfied by
// *store.PostgresStore. GetSession returns nil, nil when the user has no row.
type SessionStore interface {
	GetSession(ctx context.Context, userID string) (*types.Session, error)
}

// Waker pushes a wake command to the user's edge device.
type Waker interface {
	Wake(ctx context.Context, cmd types.WakeCommand) error
}

// Dispatcher consumes wake jobs and routes them: sessions already active are
// left alone (the job is retried later), idle users get their device woken.
type Dispatcher struct {
	sessions SessionStore
	waker    Waker
	logger   *slog.Logger
	metrics  *observe.Metrics
}

// NewDispatcher builds the consume side of the dispatch pipeline.
func NewDispatcher(sessions SessionStore, waker Waker, logger *slog.Logger, metrics *observe.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Dispatcher{sessions: sessions, waker: waker, logger: logger, metrics: metrics}
}

// wakeJob is the union of the task and text-message payload shapes; only the
// fields the dispatcher routes on are decoded, the rest travels opaquely in
// the wake command.
type wakeJob struct {
	MessageType    string `json:"message_type"`
	TaskID         string `json:"task_id"`
	UserID         string `json:"user_id"`
	ChatID         string `json:"chat_id"`
	PendingTask    bool   `json:"pending_task"`
	PendingMessage bool   `json:"pending_message"`
}

func (j wakeJob) reason() string {
	if j.PendingTask {
		return types.WakeReasonTask
	}
	return types.WakeReasonTextMessage
}

// Handle processes one queue delivery. It is the queue.Handler for the
// dispatcher's durable consumer.
func (d *Dispatcher) Handle(ctx context.Context, data []byte) queue.Disposition {
	var job wakeJob
	if err := json.Unmarshal(data, &job); err != nil {
		d.logger.Error("dropping undecodable wake job", "error", err)
		d.metrics.RecordQueueJob(ctx, "unknown", "dropped")
		return queue.Ack()
	}
	kind := job.reason()

	if job.UserID == "" {
		d.logger.Error("dropping wake job without user id", "kind", kind)
		d.metrics.RecordQueueJob(ctx, kind, "dropped")
		return queue.Ack()
	}

	sess, err := d.sessions.GetSession(ctx, job.UserID)
	if err != nil {
		d.logger.Error("session lookup failed", "user_id", job.UserID, "error", err)
		d.metrics.RecordQueueJob(ctx, kind, "error")
		return queue.Retry(0)
	}
	if sess != nil && sess.IsActive {
		d.logger.Info("session active, deferring wake",
			"user_id", job.UserID, "kind", kind, "retry_in", activeRetryDelay)
		d.metrics.RecordQueueJob(ctx, kind, "deferred")
		return queue.Retry(activeRetryDelay)
	}

	// Forward the full payload so the device can replay it into the turns
	// envelope of its new session.
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		payload = nil
	}
	cmd := types.WakeCommand{
		Command: types.WakeCommandStart,
		Reason:  kind,
		UserID:  job.UserID,
		Payload: payload,
	}
	if err := d.waker.Wake(ctx, cmd); err != nil {
		d.logger.Error("device wake failed", "user_id", job.UserID, "kind", kind, "error", err)
		d.metrics.RecordQueueJob(ctx, kind, "error")
		return queue.Retry(0)
	}

	d.logger.Info("device woken", "user_id", job.UserID, "kind", kind, "task_id", job.TaskID, "chat_id", job.ChatID)
	d.metrics.RecordQueueJob(ctx, kind, "delivered")
	return queue.Ack()
}
