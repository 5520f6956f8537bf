package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxpin/voxpin/internal/queue"
	"github.com/voxpin/voxpin/pkg/types"
)

// ── Fakes ───────────────────────────────────────────────────────────────────

type fakePublisher struct {
	mu      sync.Mutex
	tasks   []*types.TaskJob
	taskAts []time.Time
	texts   []*types.TextMessageJob
	taskErr error
	textErr error
}

func (f *fakePublisher) PublishTask(_ context.Context, job *types.TaskJob, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.taskErr != nil {
		return f.taskErr
	}
	f.tasks = append(f.tasks, job)
	f.taskAts = append(f.taskAts, at)
	return nil
}

func (f *fakePublisher) PublishTextMessage(_ context.Context, job *types.TextMessageJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.textErr != nil {
		return f.textErr
	}
	f.texts = append(f.texts, job)
	return nil
}

type fakeClaims struct {
	mu       sync.Mutex
	claimed  bool
	claimErr error
	cleared  int
	claims   []string
}

func (f *fakeClaims) TryClaimPendingDelivery(_ context.Context, userID, messageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return false, f.claimErr
	}
	f.claims = append(f.claims, messageID)
	return f.claimed, nil
}

func (f *fakeClaims) ClearPendingDelivery(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

type fakeSessions struct {
	session *types.Session
	err     error
}

func (f *fakeSessions) GetSession(_ context.Context, userID string) (*types.Session, error) {
	return f.session, f.err
}

type fakeWaker struct {
	mu   sync.Mutex
	cmds []types.WakeCommand
	err  error
}

func (f *fakeWaker) Wake(_ context.Context, cmd types.WakeCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}

// ── Ingress ─────────────────────────────────────────────────────────────────

func TestIngress_EnqueueTaskReminder(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	ing := NewIngress(pub, &fakeClaims{}, nil)

	due := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	task := &types.Task{
		ID:            "t-1",
		UserID:        "u-1",
		Info:          types.TaskInfo{"info": "Water the plants\nThe ferns on the balcony need it most."},
		TimeToExecute: due,
	}
	if err := ing.EnqueueTaskReminder(context.Background(), task); err != nil {
		t.Fatalf("EnqueueTaskReminder: %v", err)
	}

	if len(pub.tasks) != 1 {
		t.Fatalf("published %d task jobs, want 1", len(pub.tasks))
	}
	job := pub.tasks[0]
	if job.Title != "Water the plants" {
		t.Errorf("Title = %q, want first line of info", job.Title)
	}
	if job.Description != task.Info.Description() {
		t.Errorf("Description = %q, want full info", job.Description)
	}
	if !job.PendingTask || job.PendingMessage {
		t.Errorf("pending flags = task:%v message:%v", job.PendingTask, job.PendingMessage)
	}
	if !pub.taskAts[0].Equal(due) {
		t.Errorf("scheduled at %v, want %v", pub.taskAts[0], due)
	}
}

func TestIngress_TaskTitleTruncation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		info string
		want string
	}{
		{"short", "buy milk", "buy milk"},
		{"multiline keeps first line", "call mom\nabout the weekend plans", "call mom"},
		{"long line capped at fifty", "pick up the dry cleaning from the shop around the corner before it closes", "pick up the dry cleaning from the shop around the "},
		{"empty falls back", "", "Task"},
		{"whitespace first line falls back", "  \nreal content below", "Task"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := reminderTitle(tt.info); got != tt.want {
				t.Errorf("reminderTitle(%q) = %q, want %q", tt.info, got, tt.want)
			}
		})
	}
}

func TestIngress_EnqueueTextMessage(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	claims := &fakeClaims{claimed: true}
	ing := NewIngress(pub, claims, nil)

	enqueued, err := ing.EnqueueTextMessage(context.Background(), "u-1", "c-1", "m-1")
	if err != nil {
		t.Fatalf("EnqueueTextMessage: %v", err)
	}
	if !enqueued {
		t.Fatal("enqueued = false on fresh claim")
	}
	if len(pub.texts) != 1 {
		t.Fatalf("published %d text jobs, want 1", len(pub.texts))
	}
	job := pub.texts[0]
	if job.MessageType != "text_message" || job.ChatID != "c-1" || job.MessageID != "m-1" {
		t.Errorf("job = %+v", job)
	}
	if !job.PendingMessage || job.PendingTask {
		t.Errorf("pending flags = message:%v task:%v", job.PendingMessage, job.PendingTask)
	}
	if claims.claims[0] != "m-1" {
		t.Errorf("claimed with message id %q", claims.claims[0])
	}
}

func TestIngress_EnqueueTextMessage_AlreadyPending(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	ing := NewIngress(pub, &fakeClaims{claimed: false}, nil)

	enqueued, err := ing.EnqueueTextMessage(context.Background(), "u-1", "c-1", "m-1")
	if err != nil {
		t.Fatalf("EnqueueTextMessage: %v", err)
	}
	if enqueued {
		t.Error("enqueued = true while a delivery is already pending")
	}
	if len(pub.texts) != 0 {
		t.Errorf("published %d jobs despite pending claim", len(pub.texts))
	}
}

func TestIngress_EnqueueTextMessage_BrokerFailureReleasesClaim(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{textErr: errors.New("broker down")}
	claims := &fakeClaims{claimed: true}
	ing := NewIngress(pub, claims, nil)

	enqueued, err := ing.EnqueueTextMessage(context.Background(), "u-1", "c-1", "m-1")
	if err == nil {
		t.Fatal("expected error from failing broker")
	}
	if enqueued {
		t.Error("enqueued = true on broker failure")
	}
	if claims.cleared != 1 {
		t.Errorf("claim cleared %d times, want 1", claims.cleared)
	}
}

func TestIngress_EnqueueTextMessage_ClaimError(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	ing := NewIngress(pub, &fakeClaims{claimErr: errors.New("db down")}, nil)

	if _, err := ing.EnqueueTextMessage(context.Background(), "u-1", "c-1", "m-1"); err == nil {
		t.Fatal("expected claim error to propagate")
	}
	if len(pub.texts) != 0 {
		t.Error("published despite claim failure")
	}
}

// ── Dispatcher ──────────────────────────────────────────────────────────────

func taskJobPayload(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(&types.TaskJob{
		TaskID:      "t-1",
		UserID:      "u-1",
		Title:       "Brush teeth",
		Description: "Brush teeth before bed",
		PendingTask: true,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestDispatcher_WakesIdleUser(t *testing.T) {
	t.Parallel()

	waker := &fakeWaker{}
	d := NewDispatcher(&fakeSessions{session: &types.Session{UserID: "u-1", IsActive: false}}, waker, nil, nil)

	disp := d.Handle(context.Background(), taskJobPayload(t))
	if disp != queue.Ack() {
		t.Fatalf("disposition = %+v, want ack", disp)
	}
	if len(waker.cmds) != 1 {
		t.Fatalf("sent %d wake commands, want 1", len(waker.cmds))
	}
	cmd := waker.cmds[0]
	if cmd.Command != types.WakeCommandStart {
		t.Errorf("Command = %q", cmd.Command)
	}
	if cmd.Reason != types.WakeReasonTask {
		t.Errorf("Reason = %q", cmd.Reason)
	}
	if cmd.UserID != "u-1" {
		t.Errorf("UserID = %q", cmd.UserID)
	}
	payload, ok := cmd.Payload.(map[string]any)
	if !ok {
		t.Fatalf("Payload has type %T", cmd.Payload)
	}
	if payload["title"] != "Brush teeth" {
		t.Errorf("payload title = %v", payload["title"])
	}
}

func TestDispatcher_WakesUserWithoutSessionRow(t *testing.T) {
	t.Parallel()

	waker := &fakeWaker{}
	d := NewDispatcher(&fakeSessions{session: nil}, waker, nil, nil)

	if disp := d.Handle(context.Background(), taskJobPayload(t)); disp != queue.Ack() {
		t.Fatalf("disposition = %+v, want ack", disp)
	}
	if len(waker.cmds) != 1 {
		t.Errorf("sent %d wake commands, want 1", len(waker.cmds))
	}
}

func TestDispatcher_DefersWhileSessionActive(t *testing.T) {
	t.Parallel()

	waker := &fakeWaker{}
	d := NewDispatcher(&fakeSessions{session: &types.Session{UserID: "u-1", IsActive: true}}, waker, nil, nil)

	disp := d.Handle(context.Background(), taskJobPayload(t))
	if disp != queue.Retry(activeRetryDelay) {
		t.Fatalf("disposition = %+v, want retry in %v", disp, activeRetryDelay)
	}
	if len(waker.cmds) != 0 {
		t.Error("woke a device while its session was active")
	}
}

func TestDispatcher_RetriesOnSessionLookupError(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(&fakeSessions{err: errors.New("db down")}, &fakeWaker{}, nil, nil)
	if disp := d.Handle(context.Background(), taskJobPayload(t)); disp != queue.Retry(0) {
		t.Fatalf("disposition = %+v, want plain retry", disp)
	}
}

func TestDispatcher_RetriesOnWakeFailure(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(&fakeSessions{}, &fakeWaker{err: errors.New("device unreachable")}, nil, nil)
	if disp := d.Handle(context.Background(), taskJobPayload(t)); disp != queue.Retry(0) {
		t.Fatalf("disposition = %+v, want plain retry", disp)
	}
}

func TestDispatcher_DropsMalformedPayload(t *testing.T) {
	t.Parallel()

	waker := &fakeWaker{}
	d := NewDispatcher(&fakeSessions{}, waker, nil, nil)

	if disp := d.Handle(context.Background(), []byte("not json")); disp != queue.Ack() {
		t.Fatalf("disposition = %+v, want ack (drop)", disp)
	}
	if disp := d.Handle(context.Background(), []byte(`{"pending_task": true}`)); disp != queue.Ack() {
		t.Fatalf("disposition for missing user id = %+v, want ack (drop)", disp)
	}
	if len(waker.cmds) != 0 {
		t.Error("woke a device for a malformed job")
	}
}

func TestDispatcher_TextMessageReason(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(&types.TextMessageJob{
		MessageType:    "text_message",
		UserID:         "u-1",
		ChatID:         "c-1",
		PendingMessage: true,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	waker := &fakeWaker{}
	d := NewDispatcher(&fakeSessions{}, waker, nil, nil)
	if disp := d.Handle(context.Background(), data); disp != queue.Ack() {
		t.Fatalf("disposition = %+v, want ack", disp)
	}
	if waker.cmds[0].Reason != types.WakeReasonTextMessage {
		t.Errorf("Reason = %q, want %q", waker.cmds[0].Reason, types.WakeReasonTextMessage)
	}
}
