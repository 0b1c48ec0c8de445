package events

import (
	"sync"
	"time"
)

// Stream is the per-run outbound event sequence. Emission preserves
// production order; a slow consumer blocks the producer once the buffer
// fills rather than dropping events. Exactly one done event terminates
// the stream, after which further emissions are ignored.
type Stream struct {
	id        string
	sessionID string
	ch        chan Event

	mu     sync.Mutex
	closed bool
}

// NewStream creates a stream tagged with the given identifiers.
func NewStream(streamID, sessionID string, buffer int) *Stream {
	if buffer <= 0 {
		buffer = 64
	}
	return &Stream{
		id:        streamID,
		sessionID: sessionID,
		ch:        make(chan Event, buffer),
	}
}

// ID returns the stream identifier.
func (s *Stream) ID() string { return s.id }

// SessionID returns the session the stream belongs to.
func (s *Stream) SessionID() string { return s.sessionID }

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan Event { return s.ch }

// Emit tags and delivers an event. Emissions after the done event are
// dropped so a late producer cannot write to a closed channel.
func (s *Stream) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if ev.StreamID == "" {
		ev.StreamID = s.id
	}
	if ev.SessionID == "" {
		ev.SessionID = s.sessionID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	s.ch <- ev

	if ev.Type == TypeDone {
		s.closed = true
		close(s.ch)
	}
}

// EmitStatus is a convenience for a status event.
func (s *Stream) EmitStatus(text string) {
	s.Emit(Event{Type: TypeStatus, Text: text})
}

// EmitTextDelta is a convenience for an incremental text event.
func (s *Stream) EmitTextDelta(text string) {
	s.Emit(Event{Type: TypeTextDelta, Text: text})
}

// EmitTrace is a convenience for a trace event.
func (s *Stream) EmitTrace(tr Trace) {
	s.Emit(Event{Type: TypeTrace, Trace: &tr})
}

// EmitError is a convenience for an error event.
func (s *Stream) EmitError(text string) {
	s.Emit(Event{Type: TypeError, Text: text})
}

// EmitDone terminates the stream. Idempotent.
func (s *Stream) EmitDone() {
	s.Emit(Event{Type: TypeDone})
}

// Closed reports whether the done event has been emitted.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
