package events

import "github.com/rs/zerolog"

// Sink receives every event after it was published on the bus.
type Sink interface {
	Send(e Event) error
}

// Fanout publishes to a Bus and forwards each event to external sinks such
// as the MQTT publisher. A failing sink is logged and never blocks the bus.
type Fanout struct {
	bus   *Bus
	sinks []Sink
	log   zerolog.Logger
}

// NewFanout creates a Fanout. Nil sinks are skipped.
func NewFanout(bus *Bus, log zerolog.Logger, sinks ...Sink) *Fanout {
	f := &Fanout{bus: bus, log: log.With().Str("component", "events").Logger()}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish implements the pipeline notifier.
func (f *Fanout) Publish(e EventData) {
	event, ok := f.bus.publish(e)
	if !ok {
		f.log.Warn().Str("type", e.Type).Msg("event payload not serializable, dropped")
		return
	}
	for _, s := range f.sinks {
		if err := s.Send(event); err != nil {
			f.log.Warn().Err(err).Str("type", event.Type).Str("event_id", event.ID).Msg("event sink failed")
		}
	}
}
