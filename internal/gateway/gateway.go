// Package gateway bridges an edge device's WebSocket connection to a live
// speech model session. Uplink frames carry microphone audio, wake-command
// payloads, and interrupts; downlink frames carry synthesized audio,
// transcription mirrors, and the end-of-conversation signal.
//
// One session exists per connection. The session owns the scratchpad
// conversation log, routes the model's tool calls into the agent
// orchestrator, and persists the scratchpad snapshot on teardown.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/voxpin/voxpin/internal/agent"
	"github.com/voxpin/voxpin/internal/observe"
	"github.com/voxpin/voxpin/internal/scratchpad"
	"github.com/voxpin/voxpin/internal/userconf"
	"github.com/voxpin/voxpin/pkg/provider/live"
	"github.com/voxpin/voxpin/pkg/types"
)

// errConversationEnded signals a clean, model-initiated shutdown through the
// session's errgroup.
var errConversationEnded = errors.New("gateway: conversation ended")

// messageDeliveryInstruction prefixes the narration turn for unread messages.
const messageDeliveryInstruction = "The user has new incoming messages. Tell them about these messages in a natural, " +
	"helpful way. Do not invent or add any messages; only report what is below.\n\n" +
	"Incoming messages:\n"

// taskReminderInstruction is the narration turn for a due task.
const taskReminderInstruction = "It is time for the user to do this task. Tell them about it in a natural, helpful way. " +
	"Do not invent any other tasks.\n\n" +
	"Task: %s\nDescription: %s\nWhen: %s"

// Store is the subset of the persistence layer the gateway needs.
type Store interface {
	GetSession(ctx context.Context, userID string) (*types.Session, error)
	CreateSession(ctx context.Context, userID string, active bool) error
	SetSessionActive(ctx context.Context, userID string, active bool) error
	SaveScratchpad(ctx context.Context, userID string, snapshot []byte) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	ListUnreadMessages(ctx context.Context, chatID string) ([]types.Message, error)
	MarkMessagesRead(ctx context.Context, chatID string, messageIDs []string) error
	ClearPendingDelivery(ctx context.Context, userID string) error
	ChatForPendingDelivery(ctx context.Context, userID string) (string, error)
}

// Thinker processes one user utterance against the scratchpad and returns
// the composed reply. Implemented by agent.Orchestrator.
type Thinker interface {
	Think(ctx context.Context, userInput string, snapshot []scratchpad.Entry, cfg *types.UserConfig) (*agent.Outcome, error)
}

// ConfigLoader resolves a user id into the full user configuration.
// Implemented by userconf.Loader.
type ConfigLoader interface {
	Load(ctx context.Context, userID string) (*types.UserConfig, error)
}

// Handler accepts device WebSocket connections and runs one live session per
// connection.
type Handler struct {
	store    Store
	thinker  Thinker
	users    ConfigLoader
	provider live.Provider

	logger  *slog.Logger
	metrics *observe.Metrics
	voice   string

	drainTimeout time.Duration
	goodbyeQuiet time.Duration
	settleDelay  time.Duration
}

// Option customises a Handler.
type Option func(*Handler)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithVoice selects the prebuilt voice for synthesised output. Empty uses
// the provider default.
func WithVoice(voice string) Option {
	return func(h *Handler) { h.voice = voice }
}

// WithDrainTimeout caps how long the gateway waits for queued goodbye audio
// to reach the device before closing anyway.
func WithDrainTimeout(d time.Duration) Option {
	return func(h *Handler) { h.drainTimeout = d }
}

// WithGoodbyeQuiet sets how long without new audio, after end_conversation,
// the goodbye turn is assumed complete.
func WithGoodbyeQuiet(d time.Duration) Option {
	return func(h *Handler) { h.goodbyeQuiet = d }
}

// WithSettleDelay sets the pause between draining playback and closing the
// connection, giving the device time to finish its local buffer.
func WithSettleDelay(d time.Duration) Option {
	return func(h *Handler) { h.settleDelay = d }
}

// NewHandler builds a gateway Handler.
func NewHandler(store Store, thinker Thinker, users ConfigLoader, provider live.Provider, opts ...Option) *Handler {
	h := &Handler{
		store:        store,
		thinker:      thinker,
		users:        users,
		provider:     provider,
		logger:       slog.Default(),
		drainTimeout: 10 * time.Second,
		goodbyeQuiet: time.Second,
		settleDelay:  time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Register mounts the gateway routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{user_id}", h.handleSession)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "user_id", userID, "error", err)
		return
	}

	h.logger.Info("client connected", "user_id", userID)
	if err := h.serve(r.Context(), userID, conn); err != nil {
		h.logger.Error("session failed", "user_id", userID, "error", err)
		conn.Close(websocket.StatusInternalError, "session failed")
		return
	}
	h.logger.Info("client disconnected", "user_id", userID)
}

// serve prepares the session state, connects the live model, and runs the
// session until either side hangs up.
func (h *Handler) serve(ctx context.Context, userID string, conn *websocket.Conn) error {
	row, err := h.store.GetSession(ctx, userID)
	if err != nil {
		return err
	}
	if row == nil {
		if err := h.store.CreateSession(ctx, userID, true); err != nil {
			return err
		}
	} else if err := h.store.SetSessionActive(ctx, userID, true); err != nil {
		return err
	}

	var snapshot []byte
	if row != nil {
		snapshot = row.Scratchpad
	}
	pad, err := scratchpad.Restore(snapshot)
	if err != nil {
		h.logger.Warn("discarding unreadable scratchpad snapshot", "user_id", userID, "error", err)
		pad = scratchpad.New()
	}

	cfg, err := h.users.Load(ctx, userID)
	if err != nil {
		return err
	}

	model, err := h.provider.Connect(ctx, live.SessionConfig{
		Instructions: systemInstruction(cfg),
		Voice:        h.voice,
		Tools:        toolDeclarations(),
		EnableSearch: true,
	})
	if err != nil {
		return fmt.Errorf("gateway: connect live provider: %w", err)
	}

	s := &session{
		h:         h,
		userID:    userID,
		conn:      conn,
		model:     model,
		cfg:       cfg,
		pad:       pad,
		echo:      NewEchoFilter(),
		processed: make(map[string]struct{}),
		audioIn:   make(chan []byte, 64),
	}

	h.metrics.SessionStarted(ctx)
	defer func() {
		s.teardown()
		h.metrics.SessionEnded(context.Background())
	}()

	return s.run(ctx)
}

// session is the per-connection state. The scratchpad is shared between the
// uplink and downlink goroutines and guarded by padMu; everything else is
// owned by a single goroutine.
type session struct {
	h      *Handler
	userID string
	conn   *websocket.Conn
	model  live.Session
	cfg    *types.UserConfig

	ctx      context.Context
	playback *Playback
	echo     *EchoFilter
	audioIn  chan []byte

	padMu sync.Mutex
	pad   *scratchpad.Scratchpad

	// processed holds normalized think inputs already answered this session.
	processed map[string]struct{}

	// ending flips when the model calls end_conversation; lastAudio tracks
	// the goodbye audio so the session can close once the turn goes quiet.
	ending           bool
	lastAudio        time.Time
	resumptionHandle string
}

func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx
	s.playback = NewPlayback(func(v any) error { return s.writeClient(v) })

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.uplinkLoop(ctx) })
	g.Go(func() error { return s.downlinkLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, errConversationEnded) || errors.Is(err, context.Canceled) {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	return err
}

// teardown commits buffered transcripts, deactivates the session row, and
// persists the scratchpad snapshot. Deactivation clears the stored snapshot,
// so it must happen before the save.
func (s *session) teardown() {
	s.padMu.Lock()
	s.pad.Close()
	snapshot, err := s.pad.MarshalSnapshot()
	s.padMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if derr := s.h.store.SetSessionActive(ctx, s.userID, false); derr != nil {
		s.h.logger.Error("deactivate session failed", "user_id", s.userID, "error", derr)
	}
	if err != nil {
		s.h.logger.Error("marshal scratchpad failed", "user_id", s.userID, "error", err)
	} else if serr := s.h.store.SaveScratchpad(ctx, s.userID, snapshot); serr != nil {
		s.h.logger.Error("save scratchpad failed", "user_id", s.userID, "error", serr)
	}

	if cerr := s.model.Close(); cerr != nil {
		s.h.logger.Warn("close live session failed", "user_id", s.userID, "error", cerr)
	}
	s.conn.Close(websocket.StatusNormalClosure, "session ended")
}

func (s *session) writeClient(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gateway: marshal client frame: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// ── Uplink ────────────────────────────────────────────────────────────────────

func (s *session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		var env clientEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.h.logger.Warn("dropping malformed client frame", "user_id", s.userID, "error", err)
			continue
		}
		if err := s.handleEnvelope(ctx, &env); err != nil {
			return err
		}
	}
}

func (s *session) handleEnvelope(ctx context.Context, env *clientEnvelope) error {
	if env.wantsInterrupt() {
		s.h.logger.Info("client requested interrupt", "user_id", s.userID)
		if err := s.playback.Interrupt(); err != nil {
			s.h.logger.Warn("interrupt frame failed", "user_id", s.userID, "error", err)
		}
		return nil
	}

	turns := env.parseTurns()
	if env.wantsPendingMessages(turns) {
		if err := s.deliverPendingMessages(ctx); err != nil {
			s.h.logger.Error("pending message delivery failed", "user_id", s.userID, "error", err)
		}
		return nil
	}
	if env.wantsPendingTask(turns) {
		if err := s.deliverPendingTask(ctx, env, turns); err != nil {
			s.h.logger.Error("pending task delivery failed", "user_id", s.userID, "error", err)
		}
		return nil
	}

	if text, ok := turns.content(); ok {
		s.appendUserText(text)
		return s.model.SendTurns(live.Turn{Role: "user", Text: text})
	}

	if env.Audio != "" {
		chunk, err := base64.StdEncoding.DecodeString(env.Audio)
		if err != nil {
			s.h.logger.Warn("dropping undecodable audio frame", "user_id", s.userID, "error", err)
			return nil
		}
		select {
		case s.audioIn <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// deliverPendingMessages narrates the user's unread messages, marks them
// read, and releases the pending-delivery claim.
func (s *session) deliverPendingMessages(ctx context.Context) error {
	chatID, err := s.h.store.ChatForPendingDelivery(ctx, s.userID)
	if err != nil {
		return err
	}
	if chatID == "" {
		return nil
	}
	msgs, err := s.h.store.ListUnreadMessages(ctx, chatID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	lines := make([]string, len(msgs))
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = fmt.Sprintf("From %s: %s", m.SenderID, m.Content)
		ids[i] = m.MessageID
	}
	text := messageDeliveryInstruction + strings.Join(lines, "\n")

	s.appendUserText(text)
	if err := s.model.SendTurns(live.Turn{Role: "user", Text: text}); err != nil {
		return err
	}
	s.h.logger.Info("narrated pending messages", "user_id", s.userID, "count", len(msgs))

	if err := s.h.store.MarkMessagesRead(ctx, chatID, ids); err != nil {
		s.h.logger.Warn("mark messages read failed", "user_id", s.userID, "error", err)
	}
	if err := s.h.store.ClearPendingDelivery(ctx, s.userID); err != nil {
		s.h.logger.Warn("clear pending delivery failed", "user_id", s.userID, "error", err)
	}
	return nil
}

// deliverPendingTask announces a due task, hydrated from the store when the
// id resolves and otherwise from the wake-command payload itself.
func (s *session) deliverPendingTask(ctx context.Context, env *clientEnvelope, turns *turnsPayload) error {
	taskID := env.TaskID
	if turns != nil && turns.TaskID != "" {
		taskID = turns.TaskID
	}

	var title, desc, when string
	resolved := false

	if taskID != "" {
		task, err := s.h.store.GetTask(ctx, taskID)
		if err != nil {
			s.h.logger.Warn("task lookup failed, falling back to payload", "task_id", taskID, "error", err)
		} else if task != nil {
			title = firstNonEmpty(task.Info["title"], task.Info.Description(), "Task")
			desc = firstNonEmpty(task.Info["description"], task.Info.Description())
			when = userconf.TimeString(task.TimeToExecute.In(s.cfg.Location), s.cfg.Timezone)
			resolved = true
		}
	}
	if !resolved && turns != nil {
		if turns.TaskID != "" || turns.Title != "" || turns.Description != "" || len(turns.TaskInfo) > 0 {
			title = firstNonEmpty(turns.TaskInfo["title"], turns.Title, turns.TaskInfo["info"], "Task")
			desc = firstNonEmpty(turns.TaskInfo["description"], turns.Description, turns.Info)
			when = turns.TimeToExecute
			resolved = true
		}
	}
	if !resolved {
		return nil
	}
	if when == "" {
		when = "now"
	}

	text := fmt.Sprintf(taskReminderInstruction, title, desc, when)
	s.appendUserText(text)
	if err := s.model.SendTurns(live.Turn{Role: "user", Text: text}); err != nil {
		return err
	}
	s.h.logger.Info("narrated pending task", "user_id", s.userID, "task_id", taskID)
	return nil
}

func (s *session) appendUserText(text string) {
	s.padMu.Lock()
	s.pad.AppendText(scratchpad.SourceUser, text)
	s.padMu.Unlock()
}

func (s *session) uplinkLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk := <-s.audioIn:
			if err := s.model.SendAudio(chunk); err != nil {
				return fmt.Errorf("gateway: forward audio: %w", err)
			}
		}
	}
}

// ── Downlink ──────────────────────────────────────────────────────────────────

func (s *session) downlinkLoop(ctx context.Context) error {
	for {
		var quiet <-chan time.Time
		if s.ending && !s.lastAudio.IsZero() {
			remaining := s.h.goodbyeQuiet - time.Since(s.lastAudio)
			if remaining <= 0 {
				return s.finishConversation(ctx)
			}
			quiet = time.After(remaining)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-quiet:
			return s.finishConversation(ctx)
		case ev, ok := <-s.model.Events():
			if !ok {
				if err := s.model.Err(); err != nil {
					return fmt.Errorf("gateway: live session failed: %w", err)
				}
				return errConversationEnded
			}
			if err := s.handleEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *session) handleEvent(ctx context.Context, ev live.Event) error {
	switch ev.Type {
	case live.EventAudio:
		s.playback.Enqueue(ev.Audio)
		if s.ending {
			s.lastAudio = time.Now()
		}
	case live.EventInterrupted:
		s.h.logger.Info("model interrupted playback", "user_id", s.userID)
		if err := s.playback.Interrupt(); err != nil {
			s.h.logger.Warn("interrupt frame failed", "user_id", s.userID, "error", err)
		}
	case live.EventOutputTranscription:
		s.handleOutputTranscription(ev.Text)
	case live.EventInputTranscription:
		s.handleInputTranscription(ev.Text)
	case live.EventToolCall:
		return s.handleToolCalls(ctx, ev.Calls)
	case live.EventTurnComplete:
		if s.ending {
			return s.finishConversation(ctx)
		}
	case live.EventGoAway:
		s.h.logger.Warn("live session terminating soon", "user_id", s.userID, "time_left", ev.TimeLeft)
	case live.EventResumptionUpdate:
		s.resumptionHandle = ev.ResumptionHandle
		s.h.logger.Debug("session resumption handle updated", "user_id", s.userID)
	}
	return nil
}

// handleOutputTranscription records a fragment of agent speech. The agent
// speaking commits the user's pending buffer first so turns stay ordered.
func (s *session) handleOutputTranscription(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.echo.Observe(text)

	s.padMu.Lock()
	s.pad.CommitAudio(scratchpad.SourceUser)
	s.pad.BufferAudio(scratchpad.SourceAgent, text)
	s.padMu.Unlock()

	if err := s.writeClient(map[string]string{"output_text": text}); err != nil {
		s.h.logger.Warn("output transcription mirror failed", "user_id", s.userID, "error", err)
	}
}

// handleInputTranscription records a fragment of user speech unless it is the
// device's speaker echoing back into its own microphone.
func (s *session) handleInputTranscription(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	s.padMu.Lock()
	s.pad.CommitAudio(scratchpad.SourceAgent)
	s.padMu.Unlock()

	if s.echo.IsEcho(text) {
		s.h.logger.Debug("filtered echo input transcription", "user_id", s.userID, "text", text)
		return
	}

	s.padMu.Lock()
	s.pad.BufferAudio(scratchpad.SourceUser, text)
	s.padMu.Unlock()

	if err := s.writeClient(map[string]string{"input_text": text}); err != nil {
		s.h.logger.Warn("input transcription mirror failed", "user_id", s.userID, "error", err)
	}
}

func (s *session) handleToolCalls(ctx context.Context, calls []live.FunctionCall) error {
	s.padMu.Lock()
	s.pad.CommitAudio(scratchpad.SourceUser)
	s.pad.CommitAudio(scratchpad.SourceAgent)
	s.padMu.Unlock()

	var responses []live.FunctionResponse
	for _, call := range calls {
		if isStatusNotification(call.Args) {
			s.h.logger.Debug("skipping status notification", "user_id", s.userID, "name", call.Name)
			continue
		}

		switch call.Name {
		case ThinkToolName:
			if resp, ok := s.handleThink(ctx, call); ok {
				responses = append(responses, resp)
			}
		case EndConversationToolName:
			goodbye, _ := call.Args["goodbye_message"].(string)
			s.h.logger.Info("ending conversation", "user_id", s.userID, "goodbye", goodbye)
			end := live.FunctionResponse{
				ID:       call.ID,
				Name:     call.Name,
				Response: map[string]any{"result": "Conversation ended successfully"},
			}
			if err := s.model.SendToolResponse(end); err != nil {
				return err
			}
			s.h.metrics.RecordToolCall(ctx, call.Name, "ok")
			s.ending = true
			s.lastAudio = time.Now()
		default:
			s.h.logger.Warn("unknown tool call", "user_id", s.userID, "name", call.Name)
		}
	}

	if len(responses) > 0 {
		if err := s.model.SendToolResponse(responses...); err != nil {
			return err
		}
	}
	return nil
}

// handleThink runs one think_and_repeat_output call. Repeats of an input
// already answered this session get the completion sentinel instead of a
// second orchestration.
func (s *session) handleThink(ctx context.Context, call live.FunctionCall) (live.FunctionResponse, bool) {
	userInput, _ := call.Args["user_input"].(string)
	if userInput == "" {
		s.h.logger.Warn("think call without user_input", "user_id", s.userID)
		return live.FunctionResponse{}, false
	}

	normalized := scratchpad.NormalizeText(userInput)
	if _, seen := s.processed[normalized]; seen {
		s.h.logger.Info("duplicate think call, returning completion sentinel", "user_id", s.userID)
		response := map[string]any{"result": completedSentinel}
		s.recordFunctionCall(call, response)
		return live.FunctionResponse{ID: call.ID, Name: call.Name, Response: response}, true
	}
	s.processed[normalized] = struct{}{}

	s.padMu.Lock()
	snapshot := s.pad.Snapshot()
	s.padMu.Unlock()

	start := time.Now()
	outcome, err := s.h.thinker.Think(ctx, userInput, snapshot, s.cfg)
	s.h.metrics.ThinkDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.h.logger.Error("think failed", "user_id", s.userID, "error", err)
		s.h.metrics.RecordToolCall(ctx, call.Name, "error")
		outcome = &agent.Outcome{Reply: agent.ApologyReply}
	} else {
		s.h.metrics.RecordToolCall(ctx, call.Name, "ok")
	}

	response := outcome.FunctionResponse()
	response["result"] = terminated(outcome.Reply)
	s.recordFunctionCall(call, response)
	return live.FunctionResponse{ID: call.ID, Name: call.Name, Response: response}, true
}

// terminated closes the reply with a full stop unless it already ends a
// sentence.
func terminated(reply string) string {
	trimmed := strings.TrimRight(reply, " \t\n")
	switch r, _ := utf8.DecodeLastRuneInString(trimmed); r {
	case '.', '!', '?', '…':
		return trimmed
	}
	return trimmed + "."
}

func (s *session) recordFunctionCall(call live.FunctionCall, response map[string]any) {
	s.padMu.Lock()
	s.pad.AppendFunctionCall(call.Name, call.ID, call.Args, response)
	s.padMu.Unlock()
}

// finishConversation drains queued goodbye audio, signals the device, and
// closes the connection.
func (s *session) finishConversation(ctx context.Context) error {
	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, s.h.drainTimeout)
	defer cancel()
	if err := s.playback.Drain(dctx); err != nil {
		s.h.logger.Warn("timed out draining goodbye playback", "user_id", s.userID)
	}
	s.h.metrics.PlaybackDrain.Record(ctx, time.Since(start).Seconds())

	if s.h.settleDelay > 0 {
		select {
		case <-time.After(s.h.settleDelay):
		case <-ctx.Done():
		}
	}

	if err := s.writeClient(map[string]bool{"end_conversation": true}); err != nil {
		s.h.logger.Debug("end frame not delivered", "user_id", s.userID, "error", err)
	}
	s.conn.Close(websocket.StatusNormalClosure, "conversation ended")
	return errConversationEnded
}

// isStatusNotification reports whether args belongs to a status ping rather
// than an executable tool call. Those carry a "status" key, or an "id"
// without any user input, and get no response.
func isStatusNotification(args map[string]any) bool {
	if args == nil {
		return false
	}
	if _, ok := args["status"]; ok {
		return true
	}
	if _, ok := args["id"]; ok {
		if _, hasInput := args["user_input"]; !hasInput {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
