package monitor

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/geokatch/geokatch/internal/model"
	"github.com/geokatch/geokatch/internal/service/alert"
	"github.com/geokatch/geokatch/internal/service/eval"
)

// runOnce is one pass of the orchestrator: evaluate, compute the firing
// state, dispatch the action, persist the document, emit the status
// event. Errors are recorded into lastRun and never crash the scheduler;
// the monitor stays registered and runs again on its next trigger.
func (r *Registry) runOnce(ctx context.Context, m *model.Monitor) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("monitor run panicked",
				"monitor", m.Name, "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	slog.Info("running monitor", "monitor", m.Name, "active", r.ActiveCount())

	work := m.Clone()
	prevAlert := model.AlertState("")
	if work.LastRun == nil {
		work.LastRun = &model.LastRun{}
	}
	prevAlert = work.LastRun.Alert

	result, err := r.engine.Evaluate(ctx, work)
	now := time.Now()
	work.LastRun.At = now

	if err != nil {
		// The previous alert state is left untouched: a failed
		// evaluation says nothing about the spatial condition.
		slog.Error("error while evaluating monitor", "monitor", m.Name, "error", err)
		work.LastRun.Status = model.EvaluationStatus{Success: false, ErrorDetail: err.Error()}
		r.persist(ctx, m, work)
		return
	}

	state := alert.Next(work.Evaluation.AlertOn, model.WasFiring(prevAlert), len(result.Matches) == 0)
	work.LastRun.Alert = state
	work.LastRun.Status = model.EvaluationStatus{Success: true}

	// Subscribers learn of every run's outcome, before any cooldown or
	// channel decision is made.
	r.bus.Publish(m.Name, state)

	if state != model.AlertNotFiring {
		slog.Info("monitor alert state", "monitor", m.Name, "state", state)
		if err := r.dispatcher.Dispatch(ctx, work, state, result.Matches); err != nil {
			// Non-fatal: the run result is recorded either way.
			slog.Error("error while dispatching action", "monitor", m.Name, "error", err)
		}
	}

	r.persist(ctx, m, work)
}

// persist writes the working copy and folds the refreshed lastRun and
// layerInfo back into the registry's document so the next run sees them.
// handleChange reads these fields under r.mu while routing change events,
// so the write-back must hold it too.
func (r *Registry) persist(ctx context.Context, m, work *model.Monitor) {
	if err := r.store.Update(ctx, work); err != nil {
		slog.Error("failed to persist monitor run", "monitor", m.Name, "error", err)
	}
	r.mu.Lock()
	m.LastRun = work.LastRun
	if work.Target.LayerInfo != nil {
		m.Target.LayerInfo = work.Target.LayerInfo
	}
	if work.Zone.LayerInfo != nil {
		m.Zone.LayerInfo = work.Zone.LayerInfo
	}
	r.mu.Unlock()
}

// EvaluateOnce runs one synchronous evaluation with error propagation. It
// backs monitor creation (every new monitor is evaluated before being
// accepted) and dryRun monitors, which run exactly once and are never
// registered. No action is dispatched and nothing is persisted.
func (r *Registry) EvaluateOnce(ctx context.Context, m *model.Monitor) (*eval.Result, error) {
	work := m.Clone()
	if work.LastRun == nil {
		work.LastRun = &model.LastRun{}
	}
	prevAlert := work.LastRun.Alert

	result, err := r.engine.Evaluate(ctx, work)
	work.LastRun.At = time.Now()
	if err != nil {
		work.LastRun.Status = model.EvaluationStatus{Success: false, ErrorDetail: err.Error()}
		*m = *work
		return nil, err
	}

	work.LastRun.Alert = alert.Next(work.Evaluation.AlertOn, model.WasFiring(prevAlert), len(result.Matches) == 0)
	work.LastRun.Status = model.EvaluationStatus{Success: true}
	*m = *work
	return result, nil
}
