// Package monitor owns the set of currently running monitors: it attaches
// each one to a cron timer or to the shared change feed, and sequences
// evaluation, firing-state computation, action dispatch and persistence
// for every run.
package monitor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/geokatch/geokatch/internal/apperr"
	"github.com/geokatch/geokatch/internal/layer"
	"github.com/geokatch/geokatch/internal/model"
	"github.com/geokatch/geokatch/internal/service/eval"
	"github.com/geokatch/geokatch/internal/service/filterquery"
)

type store interface {
	ListEnabled(ctx context.Context) ([]model.Monitor, error)
	Update(ctx context.Context, m *model.Monitor) error
}

type evaluator interface {
	Evaluate(ctx context.Context, m *model.Monitor) (*eval.Result, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, m *model.Monitor, state model.AlertState, matches []model.Match) error
}

type publisher interface {
	Publish(monitor string, status model.AlertState)
}

type changeFeed interface {
	Subscribe(service string) error
	Events() <-chan layer.ChangeEvent
}

type activeEntry struct {
	monitor *model.Monitor
	cronID  cron.EntryID // zero for event-triggered monitors
}

// Registry is the single owner of the active-monitor map, the
// change-feed subscription set and the per-monitor run locks. All timer
// and subscription mutation funnels through its methods.
type Registry struct {
	store      store
	engine     evaluator
	dispatcher dispatcher
	bus        publisher
	feed       changeFeed
	cron       *cron.Cron

	mu     sync.Mutex
	active map[uuid.UUID]*activeEntry
	// services is the bounded set of backing feature services subscribed
	// on the change feed. Membership is checked before subscribing and
	// entries are never removed while the process lives, even when the
	// last monitor referencing a service stops.
	services map[string]bool
	// runLocks serializes runs of one monitor so a scheduled fire racing
	// an event fire cannot clobber the same persisted state.
	runLocks map[uuid.UUID]*sync.Mutex
}

func NewRegistry(st store, engine evaluator, disp dispatcher, bus publisher, feed changeFeed) *Registry {
	return &Registry{
		store:      st,
		engine:     engine,
		dispatcher: disp,
		bus:        bus,
		feed:       feed,
		cron:       cron.New(cron.WithParser(model.CronParser)),
		active:     make(map[uuid.UUID]*activeEntry),
		services:   make(map[string]bool),
		runLocks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

// Run starts the cron runner and consumes the change feed until ctx is
// cancelled.
func (r *Registry) Run(ctx context.Context) {
	r.cron.Start()
	defer r.cron.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.feed.Events():
			if !ok {
				return
			}
			r.handleChange(ctx, ev)
		}
	}
}

// StartExisting starts every enabled persisted monitor exactly once.
// Called at process start-up after the layer provider is ready.
func (r *Registry) StartExisting(ctx context.Context) error {
	monitors, err := r.store.ListEnabled(ctx)
	if err != nil {
		return err
	}
	for i := range monitors {
		m := monitors[i]
		if m.Trigger.Kind == model.TriggerDryRun {
			continue
		}
		if err := r.Start(&m); err != nil {
			slog.Error("failed to start persisted monitor", "monitor", m.Name, "error", err)
		}
	}
	return nil
}

// Start registers a monitor with its trigger source. Starting a monitor
// that is already scheduled replaces the old timer.
func (r *Registry) Start(m *model.Monitor) error {
	if m.Trigger.Kind == model.TriggerDryRun {
		return apperr.New(apperr.KindBadRequest, "dryRun monitors are never registered")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[m.ID]; ok && existing.cronID != 0 {
		slog.Info("monitor was already running, stopping it", "monitor", m.Name)
		r.cron.Remove(existing.cronID)
	}

	entry := &activeEntry{monitor: m}

	switch m.Trigger.Kind {
	case model.TriggerSchedule:
		id, err := r.cron.AddFunc(m.Trigger.Schedule, func() {
			r.trigger(context.Background(), m)
		})
		if err != nil {
			return apperr.Wrap(apperr.KindBadRequest, err, "schedule trigger rejected")
		}
		entry.cronID = id

	case model.TriggerEvent:
		for _, el := range []*model.Element{&m.Target, &m.Zone} {
			if el.Inline() || el.LayerInfo == nil {
				continue
			}
			service := el.LayerInfo.Collection
			if r.services[service] {
				continue
			}
			if err := r.feed.Subscribe(service); err != nil {
				return apperr.Wrap(apperr.KindUnavailable, err, "change feed subscription failed")
			}
			r.services[service] = true
		}
	}

	r.active[m.ID] = entry
	slog.Info("monitor started", "monitor", m.Name, "trigger", m.Trigger.Kind)
	return nil
}

// Stop removes a monitor from the registry and cancels its timer. The
// shared change-feed subscriptions stay in place. An in-flight run is not
// aborted; it completes and writes its own state.
func (r *Registry) Stop(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.active[id]
	if !ok {
		return
	}
	if entry.cronID != 0 {
		r.cron.Remove(entry.cronID)
	}
	delete(r.active, id)
	slog.Info("monitor stopped", "monitor", entry.monitor.Name)
}

// ActiveCount returns the number of registered monitors.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// handleChange re-scans the active event-triggered monitors for one
// change notification. A monitor runs when the fired event name is in its
// trigger list, the changed record's service and layer match one of its
// elements, and that element's stored filter matches the record.
func (r *Registry) handleChange(ctx context.Context, ev layer.ChangeEvent) {
	r.mu.Lock()
	var due []*model.Monitor
	for _, entry := range r.active {
		m := entry.monitor
		if m.Trigger.Kind != model.TriggerEvent || !m.Trigger.HasEvent(ev.Event) {
			continue
		}
		el := matchElement(m, ev)
		if el == nil {
			continue
		}
		if filterquery.Match(ev.Record, el.Filter) {
			due = append(due, m)
		}
	}
	r.mu.Unlock()

	for _, m := range due {
		r.trigger(ctx, m)
	}
}

// matchElement returns the monitor element the changed record belongs to,
// or nil when the record concerns neither element.
func matchElement(m *model.Monitor, ev layer.ChangeEvent) *model.Element {
	for _, el := range []*model.Element{&m.Target, &m.Zone} {
		info := el.LayerInfo
		if info == nil || info.Collection != ev.Service {
			continue
		}
		// The generic store multiplexes layers, so the record's layer id
		// must match too.
		if ev.Service == layer.GenericCollection && ev.LayerID != info.LayerID {
			continue
		}
		return el
	}
	return nil
}

// trigger runs the monitor on its own goroutine, holding the per-monitor
// run lock so overlapping triggers serialize instead of racing.
func (r *Registry) trigger(ctx context.Context, m *model.Monitor) {
	lock := r.runLock(m.ID)
	go func() {
		lock.Lock()
		defer lock.Unlock()
		r.runOnce(ctx, m)
	}()
}

func (r *Registry) runLock(id uuid.UUID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.runLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.runLocks[id] = lock
	}
	return lock
}
