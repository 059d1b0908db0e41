package hotplug

import "github.com/corcoran/pcscd/internal/config"

// StaticSource replays the legacy reader.conf (spec.md §6) as one
// synthetic "add" Event per stanza, the spec's required static config
// path. Each event already names its driver, so Ingest never consults the
// bundle database for these.
type StaticSource struct {
	events chan Event
}

// NewStaticSource builds a StaticSource from already-parsed stanzas
// (internal/config.ParseReaderConf) and closes its channel once every
// stanza has been emitted.
func NewStaticSource(stanzas []config.ReaderStanza) *StaticSource {
	s := &StaticSource{events: make(chan Event, len(stanzas))}
	for _, st := range stanzas {
		s.events <- Event{
			Action:       "add",
			BusPath:      st.DeviceName,
			LibPath:      st.LibPath,
			FriendlyName: st.FriendlyName,
		}
	}
	close(s.events)
	return s
}

func (s *StaticSource) Events() <-chan Event { return s.events }
