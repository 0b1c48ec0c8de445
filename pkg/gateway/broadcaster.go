package gateway

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/marcin/weft/pkg/events"
)

// Broadcaster fans normalized run events out to every authenticated
// client. It implements events.Emitter so it can serve as the
// orchestrator's outward sink directly.
type Broadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

// NewBroadcaster creates a broadcaster over the registry.
func NewBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Emit delivers one run event to all authenticated clients. A client
// whose write fails is skipped, not disconnected; the read loop owns
// connection teardown.
func (b *Broadcaster) Emit(ev events.Event) {
	msg := EventMessage{
		Type:      "event",
		Event:     "run." + string(ev.Type),
		Data:      ev,
		Seq:       b.seq.Add(1),
		Timestamp: time.Now().UnixMilli(),
	}

	clients := b.clients.Authenticated()
	if len(clients) == 0 {
		return
	}

	for _, client := range clients {
		if err := client.WriteJSON(msg); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("streamId", ev.StreamID).
				Str("event", msg.Event).
				Msg("Failed to deliver event")
		}
	}
}
