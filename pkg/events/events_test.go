package events

import (
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Receive(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBusPublishDeliversToAllSinks(t *testing.T) {
	bus := NewBus()
	a := &recordingSink{}
	b := &recordingSink{}
	bus.Subscribe(a)
	bus.Subscribe(b)

	bus.Publish(NewUpdateStarted("demo", "1.0.0", "1.1.0"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a.count() == 1 && b.count() == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("expected both sinks to receive one event, got a=%d b=%d", a.count(), b.count())
	}
}

func TestBusPublishDoesNotBlockOnPanickingSink(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(SinkFunc(func(Event) { panic("boom") }))

	done := make(chan struct{})
	go func() {
		bus.Publish(NewPackageStatusChanged("demo", "running", "stopped"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
}

func TestNewEventHelpersSetFields(t *testing.T) {
	e := NewVersionCheckCompleted("demo", "1.0.0", "1.1.0", true)
	if e.Type != VersionCheckCompleted {
		t.Fatalf("unexpected type: %v", e.Type)
	}
	if e.Package != "demo" {
		t.Fatalf("unexpected package: %v", e.Package)
	}
	if e.Data["upgrade_available"] != true {
		t.Fatalf("unexpected data: %+v", e.Data)
	}
}
