// Package bus is the in-process status event stream. Every monitor run
// publishes one event named after the monitor so external listeners (the
// websocket endpoint, a distributed bus bridge) can observe alert
// transitions.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/geokatch/geokatch/internal/model"
)

type StatusEvent struct {
	Monitor string           `json:"monitor"`
	Status  model.AlertState `json:"status"`
	At      time.Time        `json:"at"`
}

type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscriber
}

type subscriber struct {
	monitor string // empty subscribes to every monitor
	ch      chan StatusEvent
}

func New() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Publish delivers the event to every matching subscriber. Slow
// subscribers drop events rather than block a monitor run.
func (b *Bus) Publish(monitor string, status model.AlertState) {
	ev := StatusEvent{Monitor: monitor, Status: status, At: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.monitor != "" && sub.monitor != monitor {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("status subscriber is slow, dropping event", "monitor", monitor)
		}
	}
}

// Subscribe returns a channel of events for one monitor name, or for all
// monitors when name is empty, plus a cancel function.
func (b *Bus) Subscribe(name string) (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, 16)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{monitor: name, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
