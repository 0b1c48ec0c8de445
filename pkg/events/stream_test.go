package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStreamID(t *testing.T) {
	a := NewStreamID()
	b := NewStreamID()

	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "st_")
	assert.Len(t, a, len("st_")+16)
}

func TestStream_Emit(t *testing.T) {
	t.Run("should tag events with stream and session identifiers", func(t *testing.T) {
		s := NewStream("st_test", "sess-1", 4)

		s.EmitStatus("started")
		s.EmitDone()

		ev := <-s.Events()
		assert.Equal(t, "st_test", ev.StreamID)
		assert.Equal(t, "sess-1", ev.SessionID)
		assert.Equal(t, TypeStatus, ev.Type)
		assert.False(t, ev.Timestamp.IsZero())
	})

	t.Run("should preserve production order", func(t *testing.T) {
		s := NewStream("st_order", "sess-1", 8)

		s.EmitTextDelta("a")
		s.EmitTrace(Trace{Kind: TraceAction, Text: "ran"})
		s.EmitTextDelta("b")
		s.EmitDone()

		var types []Type
		for ev := range s.Events() {
			types = append(types, ev.Type)
		}
		require.Equal(t, []Type{TypeTextDelta, TypeTrace, TypeTextDelta, TypeDone}, types)
	})

	t.Run("should close the channel on done and drop later emissions", func(t *testing.T) {
		s := NewStream("st_done", "sess-1", 4)

		s.EmitDone()
		assert.True(t, s.Closed())

		// Must not panic on a closed stream.
		s.EmitTextDelta("late")
		s.EmitDone()

		var count int
		for range s.Events() {
			count++
		}
		assert.Equal(t, 1, count)
	})
}
