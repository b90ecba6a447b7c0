package sogni

import "testing"

func TestBusFanOutByType(t *testing.T) {
	b := newBus()

	var progress, completed int
	b.Subscribe(EventProgress, func(Event) { progress++ })
	b.Subscribe(EventProgress, func(Event) { progress++ })
	b.Subscribe(EventCompleted, func(Event) { completed++ })

	b.publish(Event{Type: EventProgress})
	b.publish(Event{Type: EventCompleted})

	if progress != 2 {
		t.Errorf("expected both progress handlers to run, got %d calls", progress)
	}
	if completed != 1 {
		t.Errorf("expected one completed call, got %d", completed)
	}
}

func TestBusCancelIsIdempotent(t *testing.T) {
	b := newBus()

	calls := 0
	cancel := b.Subscribe(EventProgress, func(Event) { calls++ })
	b.publish(Event{Type: EventProgress})
	cancel()
	cancel()
	b.publish(Event{Type: EventProgress})

	if calls != 1 {
		t.Errorf("expected handler to stop after cancel, got %d calls", calls)
	}
}

func TestFilteredSourceScopesToProject(t *testing.T) {
	b := newBus()
	src := &filteredSource{bus: b, projectID: "p1"}

	var seen []string
	src.Subscribe(EventJobCompleted, func(ev Event) { seen = append(seen, ev.JobID) })

	b.publish(Event{Type: EventJobCompleted, ProjectID: "p2", JobID: "other"})
	b.publish(Event{Type: EventJobCompleted, ProjectID: "p1", JobID: "mine"})

	if len(seen) != 1 || seen[0] != "mine" {
		t.Errorf("expected only p1 events, got %v", seen)
	}
}
