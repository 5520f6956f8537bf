// Package scratchpad maintains the append-only conversation log of a live
// session. Streaming transcript fragments accumulate in per-source buffers
// and are promoted to committed audio entries before any other entry lands,
// so fragments from overlapping speakers never straddle a textual turn.
package scratchpad

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Source identifies which side of the conversation produced an entry.
type Source string

const (
	SourceUser  Source = "user"
	SourceAgent Source = "agent"
)

// Format is the entry variant.
type Format string

const (
	FormatText         Format = "text"
	FormatAudio        Format = "audio"
	FormatFunctionCall Format = "function_call"
)

// Entry is one scratchpad record. Text and audio entries carry Content;
// function-call entries carry Name, CallID, and optionally Args and Response.
type Entry struct {
	Source   Source         `json:"source"`
	Format   Format         `json:"format"`
	Content  string         `json:"content,omitempty"`
	Name     string         `json:"name,omitempty"`
	CallID   string         `json:"call_id,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Response map[string]any `json:"response,omitempty"`
}

// Scratchpad is the session-scoped conversation log. It is owned by a single
// goroutine (the gateway session) and is not safe for concurrent use.
type Scratchpad struct {
	entries []Entry
	buffers map[Source]string
}

// New returns an empty scratchpad.
func New() *Scratchpad {
	return &Scratchpad{
		buffers: map[Source]string{SourceUser: "", SourceAgent: ""},
	}
}

// Append adds an entry. Appending anything other than an audio entry first
// commits both sources' pending transcript buffers, so committed audio always
// precedes the entry that interrupted it.
func (s *Scratchpad) Append(e Entry) {
	if e.Format != FormatAudio {
		s.CommitAudio(SourceUser)
		s.CommitAudio(SourceAgent)
	}
	s.entries = append(s.entries, e)
}

// AppendText is shorthand for appending a complete textual turn.
func (s *Scratchpad) AppendText(source Source, content string) {
	s.Append(Entry{Source: source, Format: FormatText, Content: content})
}

// AppendFunctionCall records a tool invocation and its result.
func (s *Scratchpad) AppendFunctionCall(name, callID string, args, response map[string]any) {
	s.Append(Entry{
		Source:   SourceAgent,
		Format:   FormatFunctionCall,
		Name:     name,
		CallID:   callID,
		Args:     args,
		Response: response,
	})
}

// BufferAudio accumulates a streaming transcript fragment for source. It
// never emits an entry itself, but a fragment from one source commits the
// other source's buffer first, keeping overlapping speakers ordered.
func (s *Scratchpad) BufferAudio(source Source, fragment string) {
	if fragment == "" {
		return
	}
	if other := otherSource(source); s.buffers[other] != "" {
		s.CommitAudio(other)
	}
	if s.buffers[source] != "" {
		s.buffers[source] += " " + fragment
	} else {
		s.buffers[source] = fragment
	}
}

// CommitAudio promotes source's buffered fragments to a single audio entry.
// An empty buffer commits nothing, so repeated commits are idempotent.
func (s *Scratchpad) CommitAudio(source Source) {
	buf := s.buffers[source]
	if buf == "" {
		return
	}
	s.buffers[source] = ""
	s.entries = append(s.entries, Entry{
		Source:  source,
		Format:  FormatAudio,
		Content: strings.TrimSpace(buf),
	})
}

// Close commits any remaining buffered audio from both sources.
func (s *Scratchpad) Close() {
	s.CommitAudio(SourceUser)
	s.CommitAudio(SourceAgent)
}

// Len returns the number of committed entries.
func (s *Scratchpad) Len() int { return len(s.entries) }

// Snapshot returns an ordered copy of the committed entries. Pending audio
// buffers are not included; callers who need them must commit first.
func (s *Scratchpad) Snapshot() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// MarshalSnapshot serialises the committed entries for persistence on the
// session row.
func (s *Scratchpad) MarshalSnapshot() ([]byte, error) {
	data, err := json.Marshal(s.entries)
	if err != nil {
		return nil, fmt.Errorf("scratchpad: marshal snapshot: %w", err)
	}
	return data, nil
}

// Restore rebuilds a scratchpad from a persisted snapshot. A nil or empty
// snapshot yields an empty scratchpad.
func Restore(snapshot []byte) (*Scratchpad, error) {
	s := New()
	if len(snapshot) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(snapshot, &s.entries); err != nil {
		return nil, fmt.Errorf("scratchpad: restore snapshot: %w", err)
	}
	return s, nil
}

func otherSource(source Source) Source {
	if source == SourceUser {
		return SourceAgent
	}
	return SourceUser
}
