package registry

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Event is one reader-table or slot-state transition, broadcast on the
// Registry's event channel per the pub/sub shape this corpus uses for its
// event buses (ethereum/go-ethereum's event package, simplified here to a
// single unbuffered-consumer broadcast channel since nothing in this
// daemon needs go-ethereum's generic dynamic-subscription manager).
type Event struct {
	Reader     string
	Transition string // "attached", "detached", "inserted", "removed", "swallowed", "unavailable"
	Time       time.Time
}

// eventBusCap bounds the channel so a slow or absent consumer never blocks
// Add/Remove or a slot's event worker; events are dropped past this point
// rather than applying backpressure to the reader table.
const eventBusCap = 64

// Events returns the channel every reader-table and slot-state transition
// is published on. The consumer goroutine started by New reads it and
// forwards each event to the metrics set with SetMetrics and to a debug
// log line; any other reader competes with that consumer for events.
func (r *Registry) Events() <-chan Event {
	return r.events
}

func (r *Registry) publish(reader, transition string) {
	select {
	case r.events <- Event{Reader: reader, Transition: transition, Time: time.Now()}:
	default:
	}
}

// consumeEvents is the registry's own subscriber: it forwards every event
// into metrics and emits a structured log line, standing in for the
// separate metrics/logging subscribers spec.md describes as consumers of
// this bus.
func (r *Registry) consumeEvents() {
	for e := range r.events {
		r.mu.RLock()
		m := r.metrics
		r.mu.RUnlock()
		m.RecordStateChange(e.Reader, e.Transition)
		log.Debug().Str("reader", e.Reader).Str("transition", e.Transition).Msg("registry: event")
	}
}
