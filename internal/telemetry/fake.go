package telemetry

import (
	"sync"

	"chargectl/internal/charger"
)

// FakePublisher records published messages for test assertions.
type FakePublisher struct {
	mu sync.Mutex

	Statuses []charger.Snapshot
	Events   []Event

	// StatusError, if set, is returned by PublishStatus.
	StatusError error
	// EventError, if set, is returned by PublishEvent.
	EventError error

	Closed    bool
	Connected bool
}

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{Connected: true}
}

func (f *FakePublisher) PublishStatus(s charger.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusError != nil {
		return f.StatusError
	}
	f.Statuses = append(f.Statuses, s)
	return nil
}

func (f *FakePublisher) PublishEvent(e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EventError != nil {
		return f.EventError
	}
	f.Events = append(f.Events, e)
	return nil
}

func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// EventTypes returns the recorded event types in order.
func (f *FakePublisher) EventTypes() []EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EventType, 0, len(f.Events))
	for _, e := range f.Events {
		out = append(out, e.Type)
	}
	return out
}

func (f *FakePublisher) StatusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Statuses)
}
