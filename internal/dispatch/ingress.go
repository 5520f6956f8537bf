// Package dispatch moves wake jobs between the REST/agent side and the edge
// fleet. Ingress publishes jobs onto the queue; Dispatcher consumes them and
// wakes the target device when its session is idle.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voxpin/voxpin/pkg/types"
)

// titleMaxLen caps the reminder title shown on the device lock screen.
const titleMaxLen = 50

// Publisher is the queue side of ingress, satisfied by *queue.Bus.
type Publisher interface {
	PublishTask(ctx context.Context, job *types.TaskJob, at time.Time) error
	PublishTextMessage(ctx context.Context, job *types.TextMessageJob) error
}

// ClaimStore guards against duplicate text-message wakes, satisfied by
// *store.PostgresStore.
type ClaimStore interface {
	TryClaimPendingDelivery(ctx context.Context, userID, messageID string) (bool, error)
	ClearPendingDelivery(ctx context.Context, userID string) error
}

// Ingress enqueues wake jobs. It implements tasktools.Enqueuer for task
// reminders and backs the REST message-enqueue endpoint.
type Ingress struct {
	pub    Publisher
	claims ClaimStore
	logger *slog.Logger
}

// NewIngress builds the enqueue side of the dispatch pipeline.
func NewIngress(pub Publisher, claims ClaimStore, logger *slog.Logger) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{pub: pub, claims: claims, logger: logger}
}

// EnqueueTaskReminder publishes a reminder job scheduled for the task's
// execution instant. Task jobs never touch the pending-delivery table; the
// consumer holds them on the queue until due.
func (i *Ingress) EnqueueTaskReminder(ctx context.Context, task *types.Task) error {
	info := task.Info.Description()
	job := &types.TaskJob{
		TaskID:      task.ID,
		UserID:      task.UserID,
		Title:       reminderTitle(info),
		Description: info,
		PendingTask: true,
	}
	if err := i.pub.PublishTask(ctx, job, task.TimeToExecute); err != nil {
		return fmt.Errorf("dispatch: enqueue task reminder %s: %w", task.ID, err)
	}
	return nil
}

// EnqueueTextMessage claims the user's pending-delivery slot and publishes a
// wake job one minute out. When a delivery is already pending the call is a
// no-op and returns false. A broker failure releases the claim so a later
// attempt can retry.
func (i *Ingress) EnqueueTextMessage(ctx context.Context, userID, chatID, messageID string) (bool, error) {
	claimed, err := i.claims.TryClaimPendingDelivery(ctx, userID, messageID)
	if err != nil {
		return false, fmt.Errorf("dispatch: claim pending delivery for %s: %w", userID, err)
	}
	if !claimed {
		i.logger.Info("text message wake already pending", "user_id", userID, "chat_id", chatID)
		return false, nil
	}

	job := &types.TextMessageJob{
		MessageType:    "text_message",
		UserID:         userID,
		ChatID:         chatID,
		PendingMessage: true,
		MessageID:      messageID,
	}
	if err := i.pub.PublishTextMessage(ctx, job); err != nil {
		if clearErr := i.claims.ClearPendingDelivery(ctx, userID); clearErr != nil {
			i.logger.Error("failed to release pending delivery claim", "user_id", userID, "error", clearErr)
		}
		return false, fmt.Errorf("dispatch: enqueue text message for %s: %w", userID, err)
	}
	return true, nil
}

// reminderTitle derives the lock-screen title from the task description: the
// first line, capped at titleMaxLen.
func reminderTitle(info string) string {
	title := info
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	title = strings.TrimSpace(title)
	if len(title) > titleMaxLen {
		title = title[:titleMaxLen]
	}
	if title == "" {
		title = "Task"
	}
	return title
}
