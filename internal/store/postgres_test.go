package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voxpin/voxpin/pkg/types"
)

// ---------------------------------------------------------------------------
// Test helpers — mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *time.Time:
			*d = v.(time.Time)
		case *bool:
			*d = v.(bool)
		case *int16:
			*d = v.(int16)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

// taskRow builds the scan values for one tasks row.
func taskRow(id, userID, info, status string, at time.Time, offsetMin int16) []any {
	return []any{id, userID, []byte(fmt.Sprintf(`{"info":%q}`, info)), status, at, offsetMin}
}

// ---------------------------------------------------------------------------
// Task tests
// ---------------------------------------------------------------------------

func TestCreateTask_GeneratesIDAndDefaults(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	db := &mockDB{
		execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if !strings.Contains(sql, "INSERT INTO tasks") {
				t.Errorf("unexpected sql: %s", sql)
			}
			gotArgs = args
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	s := NewPostgresStore(db)

	task := &types.Task{
		UserID:        "u1",
		Info:          types.TaskInfo{"info": "brush my teeth"},
		TimeToExecute: time.Date(2026, 1, 21, 6, 0, 0, 0, time.FixedZone("PST", -8*3600)),
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID == "" {
		t.Error("CreateTask should generate a task ID")
	}
	if task.Status != types.TaskPending {
		t.Errorf("Status = %q, want pending", task.Status)
	}
	if len(gotArgs) != 6 {
		t.Fatalf("got %d args, want 6", len(gotArgs))
	}
	if offsetMin, ok := gotArgs[5].(int); !ok || offsetMin != -480 {
		t.Errorf("time_offset_min arg = %v, want -480", gotArgs[5])
	}
}

func TestCreateTask_Validation(t *testing.T) {
	t.Parallel()

	s := NewPostgresStore(&mockDB{})
	now := time.Now()

	tests := []struct {
		name string
		task types.Task
	}{
		{"missing user", types.Task{TimeToExecute: now}},
		{"missing time", types.Task{UserID: "u1"}},
		{"bad status", types.Task{UserID: "u1", TimeToExecute: now, Status: "done"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.CreateTask(context.Background(), &tt.task); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestGetTask_NotFound(t *testing.T) {
	t.Parallel()

	s := NewPostgresStore(&mockDB{})
	task, err := s.GetTask(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task != nil {
		t.Errorf("GetTask = %+v, want nil for missing row", task)
	}
}

func TestGetTask_PreservesWrittenOffset(t *testing.T) {
	t.Parallel()

	stored := time.Date(2026, 1, 21, 14, 0, 0, 0, time.UTC)
	db := &mockDB{
		queryRowFunc: func(_ context.Context, _ string, _ ...any) pgx.Row {
			rows := &mockRows{data: [][]any{taskRow("t1", "u1", "brush my teeth", "pending", stored, int16(-480))}}
			rows.Next()
			return rows
		},
	}
	s := NewPostgresStore(db)

	task, err := s.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task == nil {
		t.Fatal("GetTask returned nil")
	}
	_, offsetSec := task.TimeToExecute.Zone()
	if offsetSec != -480*60 {
		t.Errorf("zone offset = %d sec, want %d", offsetSec, -480*60)
	}
	if !task.TimeToExecute.Equal(stored) {
		t.Errorf("instant changed: %v != %v", task.TimeToExecute, stored)
	}
	if task.Info.Description() != "brush my teeth" {
		t.Errorf("Description = %q", task.Info.Description())
	}
}

func TestListTasksInRange_BoundsAreOptional(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{
		queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
			gotSQL = sql
			gotArgs = args
			return &mockRows{}, nil
		},
	}
	s := NewPostgresStore(db)

	start := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 27, 0, 0, 0, 0, time.UTC)

	if _, err := s.ListTasksInRange(context.Background(), "u1", start, end); err != nil {
		t.Fatalf("ListTasksInRange: %v", err)
	}
	if !strings.Contains(gotSQL, ">= $2") || !strings.Contains(gotSQL, "<= $3") {
		t.Errorf("both bounds should appear in sql: %s", gotSQL)
	}
	if len(gotArgs) != 3 {
		t.Errorf("got %d args, want 3", len(gotArgs))
	}

	if _, err := s.ListTasksInRange(context.Background(), "u1", time.Time{}, time.Time{}); err != nil {
		t.Fatalf("ListTasksInRange unbounded: %v", err)
	}
	if strings.Contains(gotSQL, ">=") || strings.Contains(gotSQL, "<=") {
		t.Errorf("unbounded query should have no bounds: %s", gotSQL)
	}
}

func TestUpdateTask_RejectsEmptyUpdate(t *testing.T) {
	t.Parallel()

	s := NewPostgresStore(&mockDB{})
	if _, err := s.UpdateTask(context.Background(), "t1", "u1", TaskUpdate{}); err == nil {
		t.Error("expected error for empty update, got nil")
	}
}

func TestUpdateTask_BuildsDynamicSet(t *testing.T) {
	t.Parallel()

	var gotSQL string
	stored := time.Date(2026, 1, 20, 22, 5, 0, 0, time.UTC)
	db := &mockDB{
		queryRowFunc: func(_ context.Context, sql string, _ ...any) pgx.Row {
			gotSQL = sql
			rows := &mockRows{data: [][]any{taskRow("t1", "u1", "walk the dog", "pending", stored, int16(0))}}
			rows.Next()
			return rows
		},
	}
	s := NewPostgresStore(db)

	status := types.TaskCompleted
	task, err := s.UpdateTask(context.Background(), "t1", "u1", TaskUpdate{Status: &status})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if task == nil {
		t.Fatal("UpdateTask returned nil")
	}
	if !strings.Contains(gotSQL, "status = $3") {
		t.Errorf("sql should set status only: %s", gotSQL)
	}
	if strings.Contains(gotSQL, "task_info =") || strings.Contains(gotSQL, "time_to_execute =") {
		t.Errorf("sql should not touch other columns: %s", gotSQL)
	}
}

func TestDeleteTask_ReportsDeletion(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		execFunc: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("DELETE 1"), nil
		},
	}
	s := NewPostgresStore(db)

	deleted, err := s.DeleteTask(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if !deleted {
		t.Error("DeleteTask = false, want true")
	}

	db.execFunc = func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("DELETE 0"), nil
	}
	deleted, err = s.DeleteTask(context.Background(), "t1", "other")
	if err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if deleted {
		t.Error("DeleteTask = true, want false for foreign row")
	}
}

// ---------------------------------------------------------------------------
// Session tests
// ---------------------------------------------------------------------------

func TestSetSessionActive_DeactivateClearsScratchpad(t *testing.T) {
	t.Parallel()

	var gotSQL string
	db := &mockDB{
		execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			gotSQL = sql
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	s := NewPostgresStore(db)

	if err := s.SetSessionActive(context.Background(), "u1", false); err != nil {
		t.Fatalf("SetSessionActive: %v", err)
	}
	if !strings.Contains(gotSQL, "scratchpad = NULL") {
		t.Errorf("deactivation should clear scratchpad: %s", gotSQL)
	}

	if err := s.SetSessionActive(context.Background(), "u1", true); err != nil {
		t.Fatalf("SetSessionActive: %v", err)
	}
	if strings.Contains(gotSQL, "scratchpad") {
		t.Errorf("activation should not touch scratchpad: %s", gotSQL)
	}
}

// ---------------------------------------------------------------------------
// Pending-delivery tests
// ---------------------------------------------------------------------------

func TestTryClaimPendingDelivery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tag     pgconn.CommandTag
		execErr error
		want    bool
		wantErr bool
	}{
		{"claim won", pgconn.NewCommandTag("INSERT 0 1"), nil, true, false},
		{"claim lost", pgconn.NewCommandTag("INSERT 0 0"), nil, false, false},
		{"duplicate key race", pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}, false, false},
		{"store down", pgconn.CommandTag{}, errors.New("connection refused"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &mockDB{
				execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
					if !strings.Contains(sql, "WHERE NOT EXISTS") {
						t.Errorf("claim must be conditional on absence: %s", sql)
					}
					return tt.tag, tt.execErr
				},
			}
			s := NewPostgresStore(db)

			got, err := s.TryClaimPendingDelivery(context.Background(), "u1", "m1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("claimed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTryClaimPendingDelivery_SentinelWhenNoMessage(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	db := &mockDB{
		execFunc: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
			gotArgs = args
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	s := NewPostgresStore(db)

	if _, err := s.TryClaimPendingDelivery(context.Background(), "u1", ""); err != nil {
		t.Fatalf("TryClaimPendingDelivery: %v", err)
	}
	if gotArgs[1] != ClaimSentinelMessageID {
		t.Errorf("message id arg = %v, want sentinel", gotArgs[1])
	}
}
