package loader

// Event represents a loader lifecycle event.
// Minimal and stable: name + bundle name and optional fields via key/values.
type Event struct {
	Name   string
	Bundle string
	Fields map[string]any
}

// EventPublisher receives events from the loader. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
