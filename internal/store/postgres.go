package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voxpin/voxpin/pkg/types"
)

// Schema is the SQL DDL for the dispatch-core tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
//
// time_to_execute is stored together with the offset (in minutes) the user
// originally wrote, so the instant can be presented back in the zone it was
// specified in. TIMESTAMPTZ alone normalises to UTC and loses that.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
    task_id          TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    task_info        JSONB NOT NULL DEFAULT '{}',
    status           TEXT NOT NULL DEFAULT 'pending',
    time_to_execute  TIMESTAMPTZ NOT NULL,
    time_offset_min  SMALLINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);
CREATE INDEX IF NOT EXISTS idx_tasks_user_time ON tasks(user_id, time_to_execute);

CREATE TABLE IF NOT EXISTS sessions (
    user_id    TEXT PRIMARY KEY,
    is_active  BOOLEAN NOT NULL DEFAULT false,
    scratchpad JSONB
);

CREATE TABLE IF NOT EXISTS messages (
    chat_id    TEXT NOT NULL,
    message_id TEXT NOT NULL,
    sender_id  TEXT NOT NULL DEFAULT '',
    content    TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    is_read    BOOLEAN NOT NULL DEFAULT false,
    PRIMARY KEY (chat_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_created ON messages(chat_id, created_at);

CREATE TABLE IF NOT EXISTS pending_text_message_jobs (
    user_id    TEXT NOT NULL,
    message_id TEXT NOT NULL,
    PRIMARY KEY (user_id, message_id)
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. Task payloads
// are serialised as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the tables
// and indexes if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Ping verifies the database connection is usable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// ── Tasks ─────────────────────────────────────────────────────────────────────

// CreateTask inserts a new task. A missing ID is generated; a missing status
// defaults to pending. The task's TimeToExecute offset is preserved.
func (s *PostgresStore) CreateTask(ctx context.Context, task *types.Task) error {
	if task.UserID == "" {
		return fmt.Errorf("store: create task: user_id is required")
	}
	if task.TimeToExecute.IsZero() {
		return fmt.Errorf("store: create task: time_to_execute is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = types.TaskPending
	}
	if !task.Status.IsValid() {
		return fmt.Errorf("store: create task: invalid status %q", task.Status)
	}

	infoJSON, err := json.Marshal(emptyInfo(task.Info))
	if err != nil {
		return fmt.Errorf("store: marshal task_info: %w", err)
	}

	const query = `
		INSERT INTO tasks (task_id, user_id, task_info, status, time_to_execute, time_offset_min)
		VALUES ($1,$2,$3,$4,$5,$6)`

	_, offsetMin := offsetOf(task.TimeToExecute)
	_, err = s.db.Exec(ctx, query,
		task.ID, task.UserID, infoJSON, string(task.Status), task.TimeToExecute, offsetMin,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: task with id %q already exists", task.ID)
		}
		return fmt.Errorf("store: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. It returns (nil, nil) if no task with the
// given ID exists.
func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	const query = `
		SELECT task_id, user_id, task_info, status, time_to_execute, time_offset_min
		FROM tasks
		WHERE task_id = $1`

	task, err := scanTask(s.db.QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get task %q: %w", taskID, err)
	}
	return task, nil
}

// ListTasksByUser returns all tasks owned by userID ordered by execution time.
func (s *PostgresStore) ListTasksByUser(ctx context.Context, userID string) ([]types.Task, error) {
	const query = `
		SELECT task_id, user_id, task_info, status, time_to_execute, time_offset_min
		FROM tasks
		WHERE user_id = $1
		ORDER BY time_to_execute`

	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListTasksInRange returns userID's tasks whose execution time falls in
// [start, end]. A zero start or end leaves that side unbounded.
func (s *PostgresStore) ListTasksInRange(ctx context.Context, userID string, start, end time.Time) ([]types.Task, error) {
	query := `
		SELECT task_id, user_id, task_info, status, time_to_execute, time_offset_min
		FROM tasks
		WHERE user_id = $1`
	args := []any{userID}

	if !start.IsZero() {
		args = append(args, start)
		query += fmt.Sprintf(" AND time_to_execute >= $%d", len(args))
	}
	if !end.IsZero() {
		args = append(args, end)
		query += fmt.Sprintf(" AND time_to_execute <= $%d", len(args))
	}
	query += " ORDER BY time_to_execute"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks in range: %w", err)
	}
	return collectTasks(rows)
}

// UpdateTask applies a partial update to the task owned by userID and returns
// the updated row. It returns (nil, nil) when no matching task exists.
func (s *PostgresStore) UpdateTask(ctx context.Context, taskID, userID string, upd TaskUpdate) (*types.Task, error) {
	if upd.IsEmpty() {
		return nil, fmt.Errorf("store: update task %q: no fields to update", taskID)
	}

	set := make([]string, 0, 4)
	args := []any{taskID, userID}

	if upd.Status != nil {
		if !upd.Status.IsValid() {
			return nil, fmt.Errorf("store: update task %q: invalid status %q", taskID, *upd.Status)
		}
		args = append(args, string(*upd.Status))
		set = append(set, fmt.Sprintf("status = $%d", len(args)))
	}
	if upd.Info != nil {
		infoJSON, err := json.Marshal(upd.Info)
		if err != nil {
			return nil, fmt.Errorf("store: marshal task_info: %w", err)
		}
		args = append(args, infoJSON)
		set = append(set, fmt.Sprintf("task_info = $%d", len(args)))
	}
	if upd.TimeToExecute != nil {
		_, offsetMin := offsetOf(*upd.TimeToExecute)
		args = append(args, *upd.TimeToExecute)
		set = append(set, fmt.Sprintf("time_to_execute = $%d", len(args)))
		args = append(args, offsetMin)
		set = append(set, fmt.Sprintf("time_offset_min = $%d", len(args)))
	}

	query := fmt.Sprintf(`
		UPDATE tasks SET %s
		WHERE task_id = $1 AND user_id = $2
		RETURNING task_id, user_id, task_info, status, time_to_execute, time_offset_min`,
		strings.Join(set, ", "))

	task, err := scanTask(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: update task %q: %w", taskID, err)
	}
	return task, nil
}

// DeleteTask removes the task owned by userID. It reports whether a row was
// actually deleted.
func (s *PostgresStore) DeleteTask(ctx context.Context, taskID, userID string) (bool, error) {
	const query = `DELETE FROM tasks WHERE task_id = $1 AND user_id = $2`
	tag, err := s.db.Exec(ctx, query, taskID, userID)
	if err != nil {
		return false, fmt.Errorf("store: delete task %q: %w", taskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ── Sessions ──────────────────────────────────────────────────────────────────

// GetSession retrieves the session row for userID. It returns (nil, nil) when
// the user has no session row yet.
func (s *PostgresStore) GetSession(ctx context.Context, userID string) (*types.Session, error) {
	const query = `SELECT user_id, is_active, scratchpad FROM sessions WHERE user_id = $1`

	var sess types.Session
	err := s.db.QueryRow(ctx, query, userID).Scan(&sess.UserID, &sess.IsActive, &sess.Scratchpad)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get session %q: %w", userID, err)
	}
	return &sess, nil
}

// CreateSession inserts a session row for userID. Creating an existing
// session updates its active flag instead.
func (s *PostgresStore) CreateSession(ctx context.Context, userID string, active bool) error {
	const query = `
		INSERT INTO sessions (user_id, is_active)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET is_active = EXCLUDED.is_active`
	_, err := s.db.Exec(ctx, query, userID, active)
	if err != nil {
		return fmt.Errorf("store: create session %q: %w", userID, err)
	}
	return nil
}

// SetSessionActive flips the per-user active flag. Deactivation also clears
// the persisted scratchpad snapshot.
func (s *PostgresStore) SetSessionActive(ctx context.Context, userID string, active bool) error {
	var query string
	if active {
		query = `UPDATE sessions SET is_active = true WHERE user_id = $1`
	} else {
		query = `UPDATE sessions SET is_active = false, scratchpad = NULL WHERE user_id = $1`
	}
	_, err := s.db.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("store: set session %q active=%v: %w", userID, active, err)
	}
	return nil
}

// SaveScratchpad stores the JSON scratchpad snapshot on the session row.
func (s *PostgresStore) SaveScratchpad(ctx context.Context, userID string, snapshot []byte) error {
	const query = `UPDATE sessions SET scratchpad = $2 WHERE user_id = $1`
	_, err := s.db.Exec(ctx, query, userID, snapshot)
	if err != nil {
		return fmt.Errorf("store: save scratchpad %q: %w", userID, err)
	}
	return nil
}

// ── Messages ──────────────────────────────────────────────────────────────────

// CreateMessage inserts a message. A missing MessageID is generated and a
// zero CreatedAt defaults to now.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *types.Message) error {
	if msg.ChatID == "" {
		return fmt.Errorf("store: create message: chat_id is required")
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO messages (chat_id, message_id, sender_id, content, created_at, is_read)
		VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.db.Exec(ctx, query,
		msg.ChatID, msg.MessageID, msg.SenderID, msg.Content, msg.CreatedAt, msg.IsRead,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: message %q already exists in chat %q", msg.MessageID, msg.ChatID)
		}
		return fmt.Errorf("store: create message: %w", err)
	}
	return nil
}

// ListMessagesByChat returns all messages in a chat in chronological order.
func (s *PostgresStore) ListMessagesByChat(ctx context.Context, chatID string) ([]types.Message, error) {
	const query = `
		SELECT chat_id, message_id, sender_id, content, created_at, is_read
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at`

	rows, err := s.db.Query(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return collectMessages(rows)
}

// ListUnreadMessages returns the chat's unread messages in chronological
// order.
func (s *PostgresStore) ListUnreadMessages(ctx context.Context, chatID string) ([]types.Message, error) {
	const query = `
		SELECT chat_id, message_id, sender_id, content, created_at, is_read
		FROM messages
		WHERE chat_id = $1 AND is_read = false
		ORDER BY created_at`

	rows, err := s.db.Query(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: list unread messages: %w", err)
	}
	return collectMessages(rows)
}

// MarkMessagesRead flags the given messages in chatID as read. An empty id
// list is a no-op.
func (s *PostgresStore) MarkMessagesRead(ctx context.Context, chatID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	const query = `UPDATE messages SET is_read = true WHERE chat_id = $1 AND message_id = ANY($2)`
	_, err := s.db.Exec(ctx, query, chatID, messageIDs)
	if err != nil {
		return fmt.Errorf("store: mark messages read: %w", err)
	}
	return nil
}

// ── Pending-delivery coordination ─────────────────────────────────────────────

// TryClaimPendingDelivery performs the conditional insert that guards the
// text-message wake flow: the row is inserted only when the user has no
// pending row at all. It reports whether this caller won the claim.
func (s *PostgresStore) TryClaimPendingDelivery(ctx context.Context, userID, messageID string) (bool, error) {
	if messageID == "" {
		messageID = ClaimSentinelMessageID
	}
	const query = `
		INSERT INTO pending_text_message_jobs (user_id, message_id)
		SELECT $1, $2
		WHERE NOT EXISTS (
			SELECT 1 FROM pending_text_message_jobs WHERE user_id = $1
		)`
	tag, err := s.db.Exec(ctx, query, userID, messageID)
	if err != nil {
		// Two racers can both pass the NOT EXISTS check; the primary key
		// settles the race.
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: claim pending delivery %q: %w", userID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClearPendingDelivery releases the user's pending-delivery claim. Clearing
// an absent claim is not an error.
func (s *PostgresStore) ClearPendingDelivery(ctx context.Context, userID string) error {
	const query = `DELETE FROM pending_text_message_jobs WHERE user_id = $1`
	_, err := s.db.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("store: clear pending delivery %q: %w", userID, err)
	}
	return nil
}

// ChatForPendingDelivery resolves the chat id of the user's claimed message,
// or "" when the claim is absent or carries the sentinel id.
func (s *PostgresStore) ChatForPendingDelivery(ctx context.Context, userID string) (string, error) {
	const query = `
		SELECT m.chat_id
		FROM pending_text_message_jobs p
		JOIN messages m ON m.message_id = p.message_id
		WHERE p.user_id = $1
		LIMIT 1`

	var chatID string
	err := s.db.QueryRow(ctx, query, userID).Scan(&chatID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("store: chat for pending delivery %q: %w", userID, err)
	}
	return chatID, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// scanTask reads one task row, reattaching the stored offset so the returned
// TimeToExecute presents in the zone the user originally wrote.
func scanTask(row pgx.Row) (*types.Task, error) {
	var (
		task      types.Task
		infoJSON  []byte
		status    string
		execTime  time.Time
		offsetMin int16
	)
	if err := row.Scan(&task.ID, &task.UserID, &infoJSON, &status, &execTime, &offsetMin); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(infoJSON, &task.Info); err != nil {
		return nil, fmt.Errorf("store: unmarshal task_info: %w", err)
	}
	task.Status = types.TaskStatus(status)
	task.TimeToExecute = execTime.In(time.FixedZone("", int(offsetMin)*60))
	return &task, nil
}

// collectTasks drains rows into a slice.
func collectTasks(rows pgx.Rows) ([]types.Task, error) {
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: tasks: %w", err)
	}
	return tasks, nil
}

// collectMessages drains rows into a slice.
func collectMessages(rows pgx.Rows) ([]types.Message, error) {
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.ChatID, &m.MessageID, &m.SenderID, &m.Content, &m.CreatedAt, &m.IsRead); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: messages: %w", err)
	}
	return msgs, nil
}

// offsetOf returns the zone name and offset minutes of t's location.
func offsetOf(t time.Time) (string, int) {
	name, offsetSec := t.Zone()
	return name, offsetSec / 60
}

// emptyInfo returns ti if non-nil, otherwise an empty non-nil map. This
// ensures JSON marshalling produces "{}" instead of "null".
func emptyInfo(ti types.TaskInfo) types.TaskInfo {
	if ti == nil {
		return types.TaskInfo{}
	}
	return ti
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
