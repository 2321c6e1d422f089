// Package events implements the lifecycle event sink the UpdateOrchestrator
// publishes to. The sink is consumed externally (UI, metrics, logs — see
// spec §6); this package only defines the typed events and a best-effort,
// fire-and-forget bus. Nothing here ever blocks a caller: Publish hands each
// event to every subscriber on its own goroutine and returns without
// waiting, so a slow subscriber cannot stall an update.
package events

import "time"

// Type names the five lifecycle events the orchestrator emits.
type Type string

const (
	UpdateStarted         Type = "update_started"
	UpdateProgress        Type = "update_progress"
	UpdateCompleted       Type = "update_completed"
	VersionCheckCompleted Type = "version_check_completed"
	PackageStatusChanged  Type = "package_status_changed"
)

// Event is the payload delivered to every subscriber. Package is always
// set; the remaining fields are populated per Type (see the New* helpers).
type Event struct {
	Type      Type                   `json:"type"`
	Package   string                 `json:"package"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewUpdateStarted builds an UpdateStarted event.
func NewUpdateStarted(pkg, from, to string) Event {
	return Event{Type: UpdateStarted, Package: pkg, Data: map[string]interface{}{
		"from": from, "to": to,
	}}
}

// NewUpdateProgress builds an UpdateProgress event.
func NewUpdateProgress(pkg, phase string, percent int) Event {
	return Event{Type: UpdateProgress, Package: pkg, Data: map[string]interface{}{
		"phase": phase, "percent": percent,
	}}
}

// NewUpdateCompleted builds an UpdateCompleted event.
func NewUpdateCompleted(pkg, from, to string, success bool, errMsg string, scripts []string) Event {
	return Event{Type: UpdateCompleted, Package: pkg, Data: map[string]interface{}{
		"from": from, "to": to, "success": success, "error": errMsg, "scripts": scripts,
	}}
}

// NewVersionCheckCompleted builds a VersionCheckCompleted event.
func NewVersionCheckCompleted(pkg, current, latest string, upgradeAvailable bool) Event {
	return Event{Type: VersionCheckCompleted, Package: pkg, Data: map[string]interface{}{
		"current": current, "latest": latest, "upgrade_available": upgradeAvailable,
	}}
}

// NewPackageStatusChanged builds a PackageStatusChanged event.
func NewPackageStatusChanged(pkg, newStatus, oldStatus string) Event {
	return Event{Type: PackageStatusChanged, Package: pkg, Data: map[string]interface{}{
		"new_status": newStatus, "old_status": oldStatus,
	}}
}

// Sink receives published events. The Bus below calls Receive on a fresh
// goroutine for every event, so a slow Sink never delays Publish; it also
// means Receive can run concurrently with itself and events can arrive out
// of publish order.
type Sink interface {
	Receive(Event)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(Event)

// Receive implements Sink.
func (f SinkFunc) Receive(e Event) { f(e) }

// Bus fans a published Event out to every registered Sink. Delivery is
// best-effort: a panicking or blocking sink is isolated in its own
// goroutine so it can never stall the orchestrator that published the
// event (spec §6: "the orchestrator never blocks on a slow sink").
type Bus struct {
	sinks []Sink
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a sink. Not safe to call concurrently with Publish;
// subscribe all sinks during startup before the orchestrator begins work.
func (b *Bus) Subscribe(s Sink) {
	b.sinks = append(b.sinks, s)
}

// Publish delivers e to every subscribed sink asynchronously and returns
// immediately without waiting for any of them.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	for _, s := range b.sinks {
		go func(s Sink) {
			defer func() { recover() }()
			s.Receive(e)
		}(s)
	}
}
