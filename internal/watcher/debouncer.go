package watcher

import (
	"sync"
	"time"
)

// EventType is the kind of change seen in the inbox
type EventType int

const (
	// EventWrite means the file was created or written to
	EventWrite EventType = iota
	// EventRemove means the file was removed or renamed away
	EventRemove
)

func (e EventType) String() string {
	switch e {
	case EventWrite:
		return "WRITE"
	case EventRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is a settled change to one inbox path
type FileEvent struct {
	Path      string // relative to the inbox, slash separated
	EventType EventType
	Timestamp time.Time
}

// Debouncer holds back events for a path until it has been quiet for the
// configured delay. The latest event for a path wins.
type Debouncer struct {
	delay  time.Duration
	mu     sync.Mutex
	events map[string]*pendingEvent
	output chan FileEvent
	stopCh chan struct{}
	once   sync.Once
}

type pendingEvent struct {
	event FileEvent
	timer *time.Timer
}

// NewDebouncer creates a debouncer with the given quiet period
func NewDebouncer(delayMs int) *Debouncer {
	return &Debouncer{
		delay:  time.Duration(delayMs) * time.Millisecond,
		events: make(map[string]*pendingEvent),
		output: make(chan FileEvent, 100),
		stopCh: make(chan struct{}),
	}
}

// Events returns the channel of settled events
func (d *Debouncer) Events() <-chan FileEvent {
	return d.output
}

// Add records an event for path and restarts its quiet period
func (d *Debouncer) Add(path string, eventType EventType) {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.stopCh:
		return
	default:
	}

	event := FileEvent{Path: path, EventType: eventType, Timestamp: time.Now()}
	if pending, ok := d.events[path]; ok {
		pending.timer.Stop()
		pending.event = event
		pending.timer = time.AfterFunc(d.delay, func() { d.emit(path) })
		return
	}

	d.events[path] = &pendingEvent{
		event: event,
		timer: time.AfterFunc(d.delay, func() { d.emit(path) }),
	}
}

func (d *Debouncer) emit(path string) {
	d.mu.Lock()
	pending, ok := d.events[path]
	if ok {
		delete(d.events, path)
	}
	d.mu.Unlock()

	if !ok {
		return
	}
	select {
	case d.output <- pending.event:
	case <-d.stopCh:
	}
}

// Flush emits every pending event immediately
func (d *Debouncer) Flush() {
	d.mu.Lock()
	paths := make([]string, 0, len(d.events))
	for path, pending := range d.events {
		pending.timer.Stop()
		paths = append(paths, path)
	}
	d.mu.Unlock()

	for _, path := range paths {
		d.emit(path)
	}
}

// Stop drops pending events. It is safe to call more than once; the event
// channel is not closed so late timers cannot panic.
func (d *Debouncer) Stop() {
	d.once.Do(func() {
		close(d.stopCh)

		d.mu.Lock()
		defer d.mu.Unlock()
		for _, pending := range d.events {
			pending.timer.Stop()
		}
		d.events = make(map[string]*pendingEvent)
	})
}

// PendingCount returns the number of paths still settling
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}
