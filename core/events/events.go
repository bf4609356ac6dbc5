package events

// Record is the structured payload emitted by a state transition. Attributes
// are flat string pairs so downstream indexers can consume them without a
// schema.
type Record struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Event represents a structured state change emitted by the vault.
type Event interface {
	EventType() string
	Event() *Record
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default wired into engines that have no subscriber configured.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Fanout broadcasts each event to every registered emitter in order.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(evt Event) {
	for _, emitter := range f {
		if emitter == nil {
			continue
		}
		emitter.Emit(evt)
	}
}

// Capture collects emitted events in order. Intended for tests and for the
// daemon's in-memory reconciliation tail.
type Capture struct {
	Records []*Record
}

// Emit appends the event payload to the capture buffer.
func (c *Capture) Emit(evt Event) {
	if c == nil || evt == nil {
		return
	}
	c.Records = append(c.Records, evt.Event())
}

// Types returns the event type for every captured record in emission order.
func (c *Capture) Types() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Records))
	for _, rec := range c.Records {
		if rec == nil {
			continue
		}
		out = append(out, rec.Type)
	}
	return out
}
