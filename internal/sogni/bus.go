package sogni

import "sync"

// bus is a minimal in-process event fan-out keyed by event type. Handlers run
// on the dispatching goroutine; they must not block.
type bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(Event)
}

func newBus() *bus {
	return &bus{subs: make(map[string]map[int]func(Event))}
}

func (b *bus) Subscribe(eventType string, fn func(Event)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.subs[eventType][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[eventType], id)
		})
	}
}

func (b *bus) publish(ev Event) {
	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.subs[ev.Type]))
	for _, fn := range b.subs[ev.Type] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// filteredSource narrows a bus to one project's events.
type filteredSource struct {
	bus       *bus
	projectID string
}

func (f *filteredSource) Subscribe(eventType string, fn func(Event)) (cancel func()) {
	return f.bus.Subscribe(eventType, func(ev Event) {
		if ev.ProjectID == f.projectID {
			fn(ev)
		}
	})
}
