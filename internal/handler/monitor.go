package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/geokatch/geokatch/internal/model"
	"github.com/geokatch/geokatch/internal/repository"
	"github.com/geokatch/geokatch/internal/service/eval"
)

type monitorStore interface {
	Create(ctx context.Context, m *model.Monitor) error
	Get(ctx context.Context, id uuid.UUID) (*model.Monitor, error)
	List(ctx context.Context) ([]model.Monitor, error)
	Update(ctx context.Context, m *model.Monitor) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type registrySvc interface {
	Start(m *model.Monitor) error
	Stop(id uuid.UUID)
	EvaluateOnce(ctx context.Context, m *model.Monitor) (*eval.Result, error)
}

type MonitorHandler struct {
	repo     monitorStore
	registry registrySvc
}

func NewMonitorHandler(repo monitorStore, registry registrySvc) *MonitorHandler {
	return &MonitorHandler{repo: repo, registry: registry}
}

func (h *MonitorHandler) RegisterRoutes(r chi.Router) {
	r.Get("/monitors", h.List)
	r.Post("/monitors", h.Create)
	r.Get("/monitors/{id}", h.Get)
	r.Put("/monitors/{id}", h.Replace)
	r.Patch("/monitors/{id}", h.Patch)
	r.Delete("/monitors/{id}", h.Delete)
	r.Get("/monitors/{id}/status", h.Status)
}

func (h *MonitorHandler) List(w http.ResponseWriter, r *http.Request) {
	monitors, err := h.repo.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list monitors")
		return
	}
	if monitors == nil {
		monitors = []model.Monitor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitors": monitors})
}

// Create accepts a monitor definition, evaluates it once and either
// returns the result without persisting (dryRun) or stores it and
// registers its trigger. A definition that fails its first evaluation
// is rejected so misconfigured layers surface at creation time.
func (h *MonitorHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB

	var m model.Monitor
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m.ApplyDefaults()
	if err := m.Validate(); err != nil {
		writeAppError(w, err)
		return
	}

	result, err := h.registry.EvaluateOnce(r.Context(), &m)
	if err != nil {
		writeAppError(w, err)
		return
	}

	if m.Trigger.Kind == model.TriggerDryRun {
		writeJSON(w, http.StatusOK, map[string]any{"monitor": m, "result": result})
		return
	}

	if err := h.repo.Create(r.Context(), &m); err != nil {
		if isDuplicateKeyError(err) {
			writeError(w, http.StatusConflict, "a monitor with that name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create monitor")
		return
	}

	if m.Enabled {
		if err := h.registry.Start(&m); err != nil {
			writeAppError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, m)
}

func (h *MonitorHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, ok := h.fetch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Status returns the last run outcome only, a cheap poll target.
func (h *MonitorHandler) Status(w http.ResponseWriter, r *http.Request) {
	m, ok := h.fetch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    m.Name,
		"enabled": m.Enabled,
		"lastRun": m.LastRun,
	})
}

// Replace swaps the whole definition. The id and lastRun history are
// kept; everything else comes from the request body.
func (h *MonitorHandler) Replace(w http.ResponseWriter, r *http.Request) {
	current, ok := h.fetch(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var m model.Monitor
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	m.ID = current.ID
	m.LastRun = current.LastRun
	m.CreatedAt = current.CreatedAt

	m.ApplyDefaults()
	if m.Trigger.Kind == model.TriggerDryRun {
		writeError(w, http.StatusBadRequest, "a persisted monitor cannot have a dryRun trigger")
		return
	}
	if err := m.Validate(); err != nil {
		writeAppError(w, err)
		return
	}

	h.save(w, r, &m)
}

// monitorPatch is the partial-update body. Pointer fields distinguish
// absent from zero; trigger, evaluation and action replace atomically
// so a kind change always arrives with its matching spec.
type monitorPatch struct {
	Name        *string           `json:"name"`
	Description *string           `json:"description"`
	Enabled     *bool             `json:"enabled"`
	Target      *model.Element    `json:"target"`
	Zone        *model.Element    `json:"zone"`
	Trigger     *model.Trigger    `json:"trigger"`
	Evaluation  *model.Evaluation `json:"evaluation"`
	Action      *model.Action     `json:"action"`
}

func (h *MonitorHandler) Patch(w http.ResponseWriter, r *http.Request) {
	m, ok := h.fetch(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var patch monitorPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if patch.Name != nil {
		m.Name = *patch.Name
	}
	if patch.Description != nil {
		m.Description = *patch.Description
	}
	if patch.Enabled != nil {
		m.Enabled = *patch.Enabled
	}
	if patch.Target != nil {
		m.Target = *patch.Target
	}
	if patch.Zone != nil {
		m.Zone = *patch.Zone
	}
	if patch.Trigger != nil {
		m.Trigger = *patch.Trigger
	}
	if patch.Evaluation != nil {
		m.Evaluation = *patch.Evaluation
	}
	if patch.Action != nil {
		m.Action = *patch.Action
	}

	m.ApplyDefaults()
	if m.Trigger.Kind == model.TriggerDryRun {
		writeError(w, http.StatusBadRequest, "a persisted monitor cannot have a dryRun trigger")
		return
	}
	if err := m.Validate(); err != nil {
		writeAppError(w, err)
		return
	}

	h.save(w, r, m)
}

// save persists an updated definition and re-registers its trigger. The
// monitor is stopped first so a disabled or re-triggered monitor never
// keeps its old timer.
func (h *MonitorHandler) save(w http.ResponseWriter, r *http.Request, m *model.Monitor) {
	if err := h.repo.Update(r.Context(), m); err != nil {
		if isDuplicateKeyError(err) {
			writeError(w, http.StatusConflict, "a monitor with that name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update monitor")
		return
	}

	h.registry.Stop(m.ID)
	if m.Enabled {
		if err := h.registry.Start(m); err != nil {
			writeAppError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, m)
}

func (h *MonitorHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid monitor id")
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "monitor not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete monitor")
		return
	}
	h.registry.Stop(id)

	w.WriteHeader(http.StatusNoContent)
}

func (h *MonitorHandler) fetch(w http.ResponseWriter, r *http.Request) (*model.Monitor, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid monitor id")
		return nil, false
	}
	m, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "monitor not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "failed to load monitor")
		return nil, false
	}
	return m, true
}
