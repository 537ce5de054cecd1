package metrics

import "sync"

// Counter names emitted by the pairing hub and its collaborators.
//
// The sink contract is monotonic counters only; concurrency is modeled as a
// current/peak pair that the hub keeps in step with the registry.
const (
	ParticipantsConnected = "participants_connected_total"
	ParticipantsOnline    = "participants_online"
	ParticipantsPeak      = "participants_peak"
	ConnectionsRejected   = "connections_rejected_total"

	MessagesRelayed = "messages_relayed_total"
	MediaRelayed    = "media_relayed_total"
	SignalsRelayed  = "signals_relayed_total"

	CallsStarted = "calls_started_total"
	CallsEnded   = "calls_ended_total"
	CallSeconds  = "call_seconds_total"

	Uploads = "uploads_total"

	RelayDropped      = "relay_dropped_total"
	SendBufferDropped = "send_buffer_dropped_total"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It is the in-process end of the fire-and-forget metrics contract: writers
// only ever take a short mutex, never perform I/O, so the relay hot path can
// emit counters without stalling. Export happens out-of-band via the
// Prometheus handler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

// Set overwrites a counter. Used for the online gauge pair.
func (m *Metrics) Set(name string, v uint64) {
	m.mu.Lock()
	m.m[name] = v
	m.mu.Unlock()
}

// SetMax raises a counter to v if v is greater than its current value.
func (m *Metrics) SetMax(name string, v uint64) {
	m.mu.Lock()
	if v > m.m[name] {
		m.m[name] = v
	}
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters for export.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
