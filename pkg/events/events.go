package events

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Type identifies the kind of a normalized run event.
type Type string

const (
	TypeStatus    Type = "status"
	TypeTrace     Type = "trace"
	TypeTextDelta Type = "text_delta"
	TypeError     Type = "error"
	TypeDone      Type = "done"
)

// TraceKind classifies an execution breadcrumb.
type TraceKind string

const (
	TraceThought TraceKind = "thought"
	TracePlan    TraceKind = "plan"
	TraceAction  TraceKind = "action"
)

// Trace is a structured breadcrumb distinct from the final answer text.
type Trace struct {
	Kind       TraceKind `json:"kind"`
	Text       string    `json:"text"`
	ActionKind string    `json:"action_kind,omitempty"`
}

// Event is one record of the normalized outward stream. Every backend
// protocol is reduced to this shape before anything outside the engine
// sees it.
type Event struct {
	StreamID  string    `json:"stream_id"`
	SessionID string    `json:"session_id"`
	Type      Type      `json:"type"`
	Text      string    `json:"text,omitempty"`
	Trace     *Trace    `json:"trace,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter receives normalized events in production order.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit calls f(ev).
func (f EmitterFunc) Emit(ev Event) { f(ev) }

const streamIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewStreamID generates a short, URL-safe stream identifier.
func NewStreamID() string {
	id, err := gonanoid.Generate(streamIDAlphabet, 16)
	if err != nil {
		// gonanoid only fails when the platform RNG is broken.
		return "stream-fallback"
	}
	return "st_" + id
}
