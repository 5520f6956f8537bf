// Package store provides the persistent state layer of the dispatch core:
// tasks, per-user sessions, chat messages, and the pending-delivery table
// that serialises text-message wake jobs.
package store

import (
	"context"
	"time"

	"github.com/voxpin/voxpin/pkg/types"
)

// ClaimSentinelMessageID is the message id used when claiming a pending
// delivery for a user without a concrete message row.
const ClaimSentinelMessageID = "00000000-0000-0000-0000-000000000000"

// TaskUpdate describes a partial task update. Nil fields are left unchanged.
type TaskUpdate struct {
	Status        *types.TaskStatus
	Info          types.TaskInfo
	TimeToExecute *time.Time
}

// IsEmpty reports whether the update would change nothing.
func (u TaskUpdate) IsEmpty() bool {
	return u.Status == nil && u.Info == nil && u.TimeToExecute == nil
}

// Store is the typed persistence interface used by the gateway, the tool
// agents, the REST surface, and the dispatcher.
//
// Get-style methods return (nil, nil) when the row does not exist.
// Implementations must be safe for concurrent use.
type Store interface {
	// Tasks.
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	ListTasksByUser(ctx context.Context, userID string) ([]types.Task, error)
	ListTasksInRange(ctx context.Context, userID string, start, end time.Time) ([]types.Task, error)
	UpdateTask(ctx context.Context, taskID, userID string, upd TaskUpdate) (*types.Task, error)
	DeleteTask(ctx context.Context, taskID, userID string) (bool, error)

	// Sessions.
	GetSession(ctx context.Context, userID string) (*types.Session, error)
	CreateSession(ctx context.Context, userID string, active bool) error
	SetSessionActive(ctx context.Context, userID string, active bool) error
	SaveScratchpad(ctx context.Context, userID string, snapshot []byte) error

	// Messages.
	CreateMessage(ctx context.Context, msg *types.Message) error
	ListMessagesByChat(ctx context.Context, chatID string) ([]types.Message, error)
	ListUnreadMessages(ctx context.Context, chatID string) ([]types.Message, error)
	MarkMessagesRead(ctx context.Context, chatID string, messageIDs []string) error

	// Pending-delivery coordination.
	TryClaimPendingDelivery(ctx context.Context, userID, messageID string) (bool, error)
	ClearPendingDelivery(ctx context.Context, userID string) error
	ChatForPendingDelivery(ctx context.Context, userID string) (string, error)
}
