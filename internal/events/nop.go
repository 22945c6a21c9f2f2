package events

// NopEmitter discards all events. It is the default when no event output is
// configured.
type NopEmitter struct{}

// Emit does nothing.
func (NopEmitter) Emit(EventType, interface{}) {}

// Close does nothing and returns nil.
func (NopEmitter) Close() error { return nil }
