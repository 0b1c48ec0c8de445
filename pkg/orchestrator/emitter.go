package orchestrator

import (
	"strings"
	"sync"
	"time"

	"github.com/marcin/weft/pkg/events"
)

// runEmitter tags every event with the run's stream and session
// identifiers before forwarding it to the outward sink, preserving
// production order. It also accumulates text deltas so a cancelled run
// can persist whatever partial answer had been produced.
type runEmitter struct {
	sink      events.Emitter
	streamID  string
	sessionID string

	mu      sync.Mutex
	partial strings.Builder
	done    bool
}

func newRunEmitter(sink events.Emitter, streamID, sessionID string) *runEmitter {
	return &runEmitter{
		sink:      sink,
		streamID:  streamID,
		sessionID: sessionID,
	}
}

// Emit tags and forwards one event. Emissions after done are dropped,
// matching the one-done-per-stream lifetime contract.
func (e *runEmitter) Emit(ev events.Event) {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	if ev.Type == events.TypeTextDelta {
		e.partial.WriteString(ev.Text)
	}
	if ev.Type == events.TypeDone {
		e.done = true
	}
	e.mu.Unlock()

	ev.StreamID = e.streamID
	ev.SessionID = e.sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.sink.Emit(ev)
}

// partialText returns the text accumulated so far.
func (e *runEmitter) partialText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.partial.String()
}

func (e *runEmitter) status(text string) {
	e.Emit(events.Event{Type: events.TypeStatus, Text: text})
}

func (e *runEmitter) errorf(text string) {
	e.Emit(events.Event{Type: events.TypeError, Text: text})
}

func (e *runEmitter) finish() {
	e.Emit(events.Event{Type: events.TypeDone})
}
