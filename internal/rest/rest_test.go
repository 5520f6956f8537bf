package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxpin/voxpin/internal/store"
	"github.com/voxpin/voxpin/pkg/types"
)

// ── Fakes ───────────────────────────────────────────────────────────────────

type fakeStore struct {
	messages []types.Message
	tasks    map[string]*types.Task

	createMessageErr error
	createTaskErr    error
	getTaskErr       error

	deleted []string
	updates []store.TaskUpdate
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]*types.Task{}}
}

func (f *fakeStore) CreateMessage(_ context.Context, msg *types.Message) error {
	if f.createMessageErr != nil {
		return f.createMessageErr
	}
	if msg.MessageID == "" {
		msg.MessageID = "generated-id"
	}
	f.messages = append(f.messages, *msg)
	return nil
}

func (f *fakeStore) ListMessagesByChat(_ context.Context, chatID string) ([]types.Message, error) {
	var out []types.Message
	for _, m := range f.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateTask(_ context.Context, task *types.Task) error {
	if f.createTaskErr != nil {
		return f.createTaskErr
	}
	if task.ID == "" {
		task.ID = "t-new"
	}
	if task.Status == "" {
		task.Status = types.TaskPending
	}
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeStore) GetTask(_ context.Context, taskID string) (*types.Task, error) {
	if f.getTaskErr != nil {
		return nil, f.getTaskErr
	}
	return f.tasks[taskID], nil
}

func (f *fakeStore) ListTasksByUser(_ context.Context, userID string) ([]types.Task, error) {
	var out []types.Task
	for _, t := range f.tasks {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateTask(_ context.Context, taskID, userID string, upd store.TaskUpdate) (*types.Task, error) {
	f.updates = append(f.updates, upd)
	t := f.tasks[taskID]
	if t == nil || t.UserID != userID {
		return nil, nil
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.Info != nil {
		t.Info = upd.Info
	}
	if upd.TimeToExecute != nil {
		t.TimeToExecute = *upd.TimeToExecute
	}
	return t, nil
}

func (f *fakeStore) DeleteTask(_ context.Context, taskID, userID string) (bool, error) {
	t := f.tasks[taskID]
	if t == nil || t.UserID != userID {
		return false, nil
	}
	delete(f.tasks, taskID)
	f.deleted = append(f.deleted, taskID)
	return true, nil
}

type fakeEnqueuer struct {
	textEnqueued bool
	textErr      error
	taskErr      error

	textCalls []string
	taskCalls []*types.Task
}

func (f *fakeEnqueuer) EnqueueTextMessage(_ context.Context, userID, chatID, messageID string) (bool, error) {
	if f.textErr != nil {
		return false, f.textErr
	}
	f.textCalls = append(f.textCalls, userID)
	return f.textEnqueued, nil
}

func (f *fakeEnqueuer) EnqueueTaskReminder(_ context.Context, task *types.Task) error {
	if f.taskErr != nil {
		return f.taskErr
	}
	f.taskCalls = append(f.taskCalls, task)
	return nil
}

func newTestServer(t *testing.T, st Store, enq Enqueuer) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(st, enq, nil).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

// ── Messages ────────────────────────────────────────────────────────────────

func TestCreateMessage(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	srv := newTestServer(t, st, &fakeEnqueuer{})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/messages", map[string]any{
		"user_id":   "u-1",
		"chat_id":   "c-1",
		"content":   "hey there",
		"timestamp": "2026-08-25T10:00:00-07:00",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["success"] != true || body["message_id"] == "" {
		t.Errorf("body = %v", body)
	}
	if len(st.messages) != 1 {
		t.Fatalf("persisted %d messages", len(st.messages))
	}
	got := st.messages[0]
	if got.SenderID != "u-1" || got.ChatID != "c-1" || got.Content != "hey there" {
		t.Errorf("message = %+v", got)
	}
	want := time.Date(2026, 8, 25, 17, 0, 0, 0, time.UTC)
	if !got.CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want)
	}
}

func TestCreateMessage_Validation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeStore(), nil)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing ids", map[string]any{"content": "x", "timestamp": "2026-08-25T10:00:00Z"}},
		{"missing timestamp", map[string]any{"user_id": "u", "chat_id": "c", "content": "x"}},
		{"bad timestamp", map[string]any{"user_id": "u", "chat_id": "c", "content": "x", "timestamp": "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, _ := doJSON(t, http.MethodPost, srv.URL+"/messages", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestListMessages(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.messages = []types.Message{
		{ChatID: "c-1", MessageID: "m-1", SenderID: "alice", Content: "hi"},
		{ChatID: "c-2", MessageID: "m-2", SenderID: "bob", Content: "other chat"},
	}
	srv := newTestServer(t, st, nil)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/messages?chat_id=c-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	msgs, ok := body["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("messages = %v", body["messages"])
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/messages", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing chat_id status = %d, want 400", resp.StatusCode)
	}
}

func TestEnqueueMessage(t *testing.T) {
	t.Parallel()

	enq := &fakeEnqueuer{textEnqueued: true}
	srv := newTestServer(t, newFakeStore(), enq)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/messages/enqueue", map[string]any{
		"user_id": "u-1", "chat_id": "c-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["enqueued"] != true {
		t.Errorf("body = %v", body)
	}
	if len(enq.textCalls) != 1 || enq.textCalls[0] != "u-1" {
		t.Errorf("enqueue calls = %v", enq.textCalls)
	}
}

func TestEnqueueMessage_AlreadyPending(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeStore(), &fakeEnqueuer{textEnqueued: false})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/messages/enqueue", map[string]any{
		"user_id": "u-1", "chat_id": "c-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["enqueued"] != false {
		t.Errorf("enqueued = %v, want false", body["enqueued"])
	}
}

func TestEnqueueMessage_BrokerFailure(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeStore(), &fakeEnqueuer{textErr: errors.New("broker down")})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/messages/enqueue", map[string]any{
		"user_id": "u-1", "chat_id": "c-1",
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if body["enqueued"] != false {
		t.Errorf("body = %v", body)
	}
}

// ── Tasks ───────────────────────────────────────────────────────────────────

func seedTask(st *fakeStore) *types.Task {
	task := &types.Task{
		ID:            "t-1",
		UserID:        "u-1",
		Info:          types.TaskInfo{"info": "water the plants"},
		Status:        types.TaskPending,
		TimeToExecute: time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC),
	}
	st.tasks[task.ID] = task
	return task
}

func TestGetTask_OwnershipChecks(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	seedTask(st)
	srv := newTestServer(t, st, nil)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/tasks/u-1/t-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["task_id"] != "t-1" {
		t.Errorf("body = %v", body)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/tasks/u-2/t-1", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("wrong owner status = %d, want 403", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/tasks/u-1/t-missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing task status = %d, want 404", resp.StatusCode)
	}
}

func TestListTasks(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	seedTask(st)
	srv := newTestServer(t, st, nil)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/tasks/u-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["count"] != float64(1) {
		t.Errorf("count = %v", body["count"])
	}
}

func TestCreateTask_EnqueuesByDefault(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	enq := &fakeEnqueuer{}
	srv := newTestServer(t, st, enq)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/tasks", map[string]any{
		"user_id":         "u-1",
		"task_info":       map[string]string{"info": "buy milk"},
		"time_to_execute": "2026-08-26T09:00:00Z",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %v", resp.StatusCode, body)
	}
	if len(st.tasks) != 1 {
		t.Fatalf("persisted %d tasks", len(st.tasks))
	}
	if len(enq.taskCalls) != 1 {
		t.Errorf("enqueued %d reminders, want 1", len(enq.taskCalls))
	}
}

func TestCreateTask_EnqueueFalseSkipsQueue(t *testing.T) {
	t.Parallel()

	enq := &fakeEnqueuer{}
	srv := newTestServer(t, newFakeStore(), enq)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/tasks", map[string]any{
		"user_id":         "u-1",
		"time_to_execute": "2026-08-26T09:00:00Z",
		"enqueue":         false,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(enq.taskCalls) != 0 {
		t.Errorf("enqueued %d reminders despite enqueue=false", len(enq.taskCalls))
	}
}

func TestCreateTask_EnqueueFailureDoesNotFailCreation(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	srv := newTestServer(t, st, &fakeEnqueuer{taskErr: errors.New("broker down")})

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/tasks", map[string]any{
		"user_id":         "u-1",
		"time_to_execute": "2026-08-26T09:00:00Z",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, creation must survive enqueue failure", resp.StatusCode)
	}
	if len(st.tasks) != 1 {
		t.Errorf("persisted %d tasks", len(st.tasks))
	}
}

func TestCreateTask_TimezoneHandling(t *testing.T) {
	t.Parallel()

	offset := -7.0

	tests := []struct {
		name   string
		raw    string
		offset *float64
		want   time.Time
	}{
		{
			name:   "naive gets user offset attached",
			raw:    "2026-08-26T09:00:00",
			offset: &offset,
			want:   time.Date(2026, 8, 26, 9, 0, 0, 0, time.FixedZone("", -7*3600)),
		},
		{
			name:   "utc converts into user zone",
			raw:    "2026-08-26T16:00:00Z",
			offset: &offset,
			want:   time.Date(2026, 8, 26, 9, 0, 0, 0, time.FixedZone("", -7*3600)),
		},
		{
			name:   "explicit zone preserved",
			raw:    "2026-08-26T09:00:00+02:00",
			offset: &offset,
			want:   time.Date(2026, 8, 26, 9, 0, 0, 0, time.FixedZone("", 2*3600)),
		},
		{
			name: "naive without offset is utc",
			raw:  "2026-08-26T09:00:00",
			want: time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := resolveTaskTime(tt.raw, tt.offset)
			if err != nil {
				t.Fatalf("resolveTaskTime: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("instant = %v, want %v", got, tt.want)
			}
			_, gotOff := got.Zone()
			_, wantOff := tt.want.Zone()
			if gotOff != wantOff {
				t.Errorf("zone offset = %d, want %d", gotOff, wantOff)
			}
		})
	}

	if _, err := resolveTaskTime("next tuesday", nil); err == nil {
		t.Error("resolveTaskTime accepted garbage")
	}
}

func TestUpdateTask(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	seedTask(st)
	srv := newTestServer(t, st, nil)

	resp, body := doJSON(t, http.MethodPut, srv.URL+"/tasks/u-1/t-1", map[string]any{
		"status": "completed",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %v", resp.StatusCode, body)
	}
	if body["status"] != "completed" {
		t.Errorf("status = %v", body["status"])
	}

	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/tasks/u-2/t-1", map[string]any{"status": "completed"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("wrong owner status = %d, want 403", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/tasks/u-1/t-1", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty update status = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteTask(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	seedTask(st)
	srv := newTestServer(t, st, nil)

	resp, body := doJSON(t, http.MethodDelete, srv.URL+"/tasks/u-1/t-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["success"] != true {
		t.Errorf("body = %v", body)
	}
	if len(st.tasks) != 0 {
		t.Error("task not removed")
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/tasks/u-1/t-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestEnqueueTask_RepublishesStoredTask(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	task := seedTask(st)
	enq := &fakeEnqueuer{}
	srv := newTestServer(t, st, enq)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/enqueue-task", map[string]any{
		"task_id": "t-1", "user_id": "u-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %v", resp.StatusCode, body)
	}
	if len(enq.taskCalls) != 1 {
		t.Fatalf("enqueued %d tasks", len(enq.taskCalls))
	}
	if enq.taskCalls[0].ID != task.ID || !enq.taskCalls[0].TimeToExecute.Equal(task.TimeToExecute) {
		t.Errorf("enqueued task = %+v", enq.taskCalls[0])
	}
}

func TestEnqueueTask_WrongOwner(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	seedTask(st)
	srv := newTestServer(t, st, &fakeEnqueuer{})

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/enqueue-task", map[string]any{
		"task_id": "t-1", "user_id": "u-2",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}
