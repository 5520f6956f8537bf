// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to drive the event stream from a test and inspect what the gateway
// sent back.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(live.Event{Type: live.EventTurnComplete})
package mock

import (
	"context"
	"sync"

	"github.com/voxpin/voxpin/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the Session returned by Connect. If nil, Connect returns a
	// new default Session.
	Session live.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// SendTurnsCall records a single invocation of Session.SendTurns.
type SendTurnsCall struct {
	// Turns is a copy of the turns passed to SendTurns.
	Turns []live.Turn
}

// SendToolResponseCall records a single invocation of Session.SendToolResponse.
type SendToolResponseCall struct {
	// Responses is a copy of the responses passed to SendToolResponse.
	Responses []live.FunctionResponse
}

// Session is a mock implementation of live.Session. Tests feed the event
// stream with Emit and end it with Close.
type Session struct {
	mu sync.Mutex

	events chan live.Event
	closed bool

	// ErrVal is returned by Err.
	ErrVal error

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTurnsErr, if non-nil, is returned by every SendTurns call.
	SendTurnsErr error

	// SendToolResponseErr, if non-nil, is returned by every SendToolResponse call.
	SendToolResponseErr error

	// --- Call records ---

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// SendTurnsCalls records every call to SendTurns in order.
	SendTurnsCalls []SendTurnsCall

	// SendToolResponseCalls records every call to SendToolResponse in order.
	SendToolResponseCalls []SendToolResponseCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session with a buffered event stream.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 64)}
}

// Emit places an event on the stream. Panics if called after Close, like a
// real provider bug would.
func (s *Session) Emit(e live.Event) {
	s.events <- e
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// SendTurns records the call and returns SendTurnsErr.
func (s *Session) SendTurns(turns ...live.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]live.Turn, len(turns))
	copy(cp, turns)
	s.SendTurnsCalls = append(s.SendTurnsCalls, SendTurnsCall{Turns: cp})
	return s.SendTurnsErr
}

// SendToolResponse records the call and returns SendToolResponseErr.
func (s *Session) SendToolResponse(responses ...live.FunctionResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]live.FunctionResponse, len(responses))
	copy(cp, responses)
	s.SendToolResponseCalls = append(s.SendToolResponseCalls, SendToolResponseCall{Responses: cp})
	return s.SendToolResponseErr
}

// Events returns the event stream.
func (s *Session) Events() <-chan live.Event { return s.events }

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close closes the event stream. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// AudioCalls returns a copy of the recorded SendAudio chunks.
func (s *Session) AudioCalls() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SendAudioCalls))
	copy(out, s.SendAudioCalls)
	return out
}

// TurnsCalls returns a copy of the recorded SendTurns calls.
func (s *Session) TurnsCalls() []SendTurnsCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendTurnsCall, len(s.SendTurnsCalls))
	copy(out, s.SendTurnsCalls)
	return out
}

// ToolResponses returns a copy of the recorded SendToolResponse calls.
func (s *Session) ToolResponses() []SendToolResponseCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendToolResponseCall, len(s.SendToolResponseCalls))
	copy(out, s.SendToolResponseCalls)
	return out
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.SendTurnsCalls = nil
	s.SendToolResponseCalls = nil
	s.CloseCallCount = 0
}

// Ensure Session implements live.Session at compile time.
var _ live.Session = (*Session)(nil)
