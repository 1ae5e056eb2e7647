package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/geokatch/geokatch/internal/apperr"
	"github.com/geokatch/geokatch/internal/model"
	"github.com/geokatch/geokatch/internal/repository"
	"github.com/geokatch/geokatch/internal/service/eval"
)

// --- mocks ---

type mockMonitorStore struct {
	createFn func(ctx context.Context, m *model.Monitor) error
	getFn    func(ctx context.Context, id uuid.UUID) (*model.Monitor, error)
	listFn   func(ctx context.Context) ([]model.Monitor, error)
	updateFn func(ctx context.Context, m *model.Monitor) error
	deleteFn func(ctx context.Context, id uuid.UUID) error
}

func (s *mockMonitorStore) Create(ctx context.Context, m *model.Monitor) error {
	if s.createFn != nil {
		return s.createFn(ctx, m)
	}
	return nil
}

func (s *mockMonitorStore) Get(ctx context.Context, id uuid.UUID) (*model.Monitor, error) {
	return s.getFn(ctx, id)
}

func (s *mockMonitorStore) List(ctx context.Context) ([]model.Monitor, error) {
	return s.listFn(ctx)
}

func (s *mockMonitorStore) Update(ctx context.Context, m *model.Monitor) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, m)
	}
	return nil
}

func (s *mockMonitorStore) Delete(ctx context.Context, id uuid.UUID) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, id)
	}
	return nil
}

type mockRegistry struct {
	started      []*model.Monitor
	stopped      []uuid.UUID
	startFn      func(m *model.Monitor) error
	evaluateOnce func(ctx context.Context, m *model.Monitor) (*eval.Result, error)
}

func (r *mockRegistry) Start(m *model.Monitor) error {
	r.started = append(r.started, m)
	if r.startFn != nil {
		return r.startFn(m)
	}
	return nil
}

func (r *mockRegistry) Stop(id uuid.UUID) {
	r.stopped = append(r.stopped, id)
}

func (r *mockRegistry) EvaluateOnce(ctx context.Context, m *model.Monitor) (*eval.Result, error) {
	if r.evaluateOnce != nil {
		return r.evaluateOnce(ctx, m)
	}
	return &eval.Result{}, nil
}

// --- helpers ---

func newTestRouter(store *mockMonitorStore, registry *mockRegistry) chi.Router {
	r := chi.NewRouter()
	NewMonitorHandler(store, registry).RegisterRoutes(r)
	return r
}

func monitorBody() map[string]any {
	return map[string]any{
		"name":   "trucks-in-zone",
		"target": map[string]any{"layerName": "Trucks"},
		"zone":   map[string]any{"layerName": "Zones"},
		"trigger": map[string]any{
			"kind":     "schedule",
			"schedule": "*/30 * * * * *",
		},
		"enabled": true,
		"evaluation": map[string]any{
			"predicateType": "geoWithin",
			"alertOn":       "data",
		},
		"action": map[string]any{"kind": "none"},
	}
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func storedMonitor() *model.Monitor {
	m := &model.Monitor{
		ID:      uuid.New(),
		Name:    "trucks-in-zone",
		Enabled: true,
		Target:  model.Element{LayerName: "Trucks"},
		Zone:    model.Element{LayerName: "Zones"},
		Trigger: model.Trigger{Kind: model.TriggerSchedule, Schedule: "*/30 * * * * *"},
		Evaluation: model.Evaluation{
			PredicateType: model.GeoWithin,
			AlertOn:       model.AlertOnData,
		},
		Action:  model.Action{Kind: model.ActionNone, CooldownSeconds: 60},
		LastRun: &model.LastRun{Alert: model.AlertNotFiring, Status: model.EvaluationStatus{Success: true}},
	}
	return m
}

// --- tests ---

func TestCreateMonitor(t *testing.T) {
	var created *model.Monitor
	store := &mockMonitorStore{
		createFn: func(_ context.Context, m *model.Monitor) error {
			created = m
			return nil
		},
	}
	registry := &mockRegistry{}
	router := newTestRouter(store, registry)

	rec := doJSON(t, router, http.MethodPost, "/monitors", monitorBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if created == nil {
		t.Fatal("monitor was not persisted")
	}
	if created.ID == uuid.Nil {
		t.Error("created monitor has no id")
	}
	if created.Action.CooldownSeconds != model.DefaultCooldownSeconds {
		t.Errorf("cooldown = %d, want default applied", created.Action.CooldownSeconds)
	}
	if len(registry.started) != 1 {
		t.Fatalf("started = %d monitors, want 1", len(registry.started))
	}
}

func TestCreateMonitorDisabledIsNotStarted(t *testing.T) {
	store := &mockMonitorStore{}
	registry := &mockRegistry{}
	router := newTestRouter(store, registry)

	body := monitorBody()
	body["enabled"] = false
	rec := doJSON(t, router, http.MethodPost, "/monitors", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if len(registry.started) != 0 {
		t.Error("a disabled monitor must not be registered")
	}
}

func TestCreateMonitorDryRun(t *testing.T) {
	store := &mockMonitorStore{
		createFn: func(_ context.Context, _ *model.Monitor) error {
			t.Error("dryRun must not be persisted")
			return nil
		},
	}
	registry := &mockRegistry{
		evaluateOnce: func(_ context.Context, _ *model.Monitor) (*eval.Result, error) {
			return &eval.Result{Matches: []model.Match{{Zone: model.Feature{ID: "z1"}}}}, nil
		},
	}
	router := newTestRouter(store, registry)

	body := monitorBody()
	delete(body, "name")
	body["trigger"] = map[string]any{"kind": "dryRun"}
	rec := doJSON(t, router, http.MethodPost, "/monitors", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Monitor model.Monitor `json:"monitor"`
		Result  eval.Result   `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Result.Matches) != 1 {
		t.Errorf("matches = %d, want 1", len(resp.Result.Matches))
	}
	if len(registry.started) != 0 {
		t.Error("dryRun must not be registered")
	}
}

func TestCreateMonitorInvalidDefinition(t *testing.T) {
	router := newTestRouter(&mockMonitorStore{}, &mockRegistry{})

	body := monitorBody()
	body["evaluation"] = map[string]any{"predicateType": "touches", "alertOn": "data"}
	rec := doJSON(t, router, http.MethodPost, "/monitors", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateMonitorFailedEvaluationRejects(t *testing.T) {
	registry := &mockRegistry{
		evaluateOnce: func(_ context.Context, _ *model.Monitor) (*eval.Result, error) {
			return nil, apperr.New(apperr.KindNotFound, "layer not found")
		},
	}
	store := &mockMonitorStore{
		createFn: func(_ context.Context, _ *model.Monitor) error {
			t.Error("a monitor failing its first evaluation must not be persisted")
			return nil
		},
	}
	router := newTestRouter(store, registry)

	rec := doJSON(t, router, http.MethodPost, "/monitors", monitorBody())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateMonitorDuplicateName(t *testing.T) {
	store := &mockMonitorStore{
		createFn: func(_ context.Context, _ *model.Monitor) error {
			return &pgconn.PgError{Code: "23505"}
		},
	}
	router := newTestRouter(store, &mockRegistry{})

	rec := doJSON(t, router, http.MethodPost, "/monitors", monitorBody())
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestGetMonitor(t *testing.T) {
	m := storedMonitor()
	store := &mockMonitorStore{
		getFn: func(_ context.Context, id uuid.UUID) (*model.Monitor, error) {
			if id != m.ID {
				return nil, repository.ErrNotFound
			}
			return m, nil
		},
	}
	router := newTestRouter(store, &mockRegistry{})

	rec := doJSON(t, router, http.MethodGet, "/monitors/"+m.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/monitors/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status for unknown id = %d, want 404", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/monitors/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status for bad id = %d, want 400", rec.Code)
	}
}

func TestMonitorStatus(t *testing.T) {
	m := storedMonitor()
	m.LastRun.Alert = model.AlertFiring
	store := &mockMonitorStore{
		getFn: func(_ context.Context, _ uuid.UUID) (*model.Monitor, error) { return m, nil },
	}
	router := newTestRouter(store, &mockRegistry{})

	rec := doJSON(t, router, http.MethodGet, "/monitors/"+m.ID.String()+"/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Name    string         `json:"name"`
		Enabled bool           `json:"enabled"`
		LastRun *model.LastRun `json:"lastRun"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Name != m.Name || !resp.Enabled {
		t.Errorf("status payload = %+v", resp)
	}
	if resp.LastRun == nil || resp.LastRun.Alert != model.AlertFiring {
		t.Errorf("lastRun = %v, want the firing state", resp.LastRun)
	}
}

func TestPatchMonitor(t *testing.T) {
	m := storedMonitor()
	var updated *model.Monitor
	store := &mockMonitorStore{
		getFn: func(_ context.Context, _ uuid.UUID) (*model.Monitor, error) { return m, nil },
		updateFn: func(_ context.Context, mon *model.Monitor) error {
			updated = mon
			return nil
		},
	}
	registry := &mockRegistry{}
	router := newTestRouter(store, registry)

	rec := doJSON(t, router, http.MethodPatch, "/monitors/"+m.ID.String(), map[string]any{
		"description": "now with a description",
		"enabled":     false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if updated == nil {
		t.Fatal("patch was not persisted")
	}
	if updated.Description != "now with a description" {
		t.Error("patched field was not persisted")
	}
	if updated.Name != "trucks-in-zone" {
		t.Error("untouched fields must survive a partial update")
	}
	if len(registry.stopped) != 1 {
		t.Error("the old registration must be stopped")
	}
	if len(registry.started) != 0 {
		t.Error("a disabled monitor must not be restarted")
	}
}

func TestPatchTriggerKindWithoutSpecFails(t *testing.T) {
	m := storedMonitor()
	store := &mockMonitorStore{
		getFn: func(_ context.Context, _ uuid.UUID) (*model.Monitor, error) { return m, nil },
		updateFn: func(_ context.Context, _ *model.Monitor) error {
			t.Error("an invalid patch must not be persisted")
			return nil
		},
	}
	router := newTestRouter(store, &mockRegistry{})

	// Flipping the kind replaces the whole trigger, so the event list is
	// missing and validation fails.
	rec := doJSON(t, router, http.MethodPatch, "/monitors/"+m.ID.String(), map[string]any{
		"trigger": map[string]any{"kind": "event"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestPatchToDryRunFails(t *testing.T) {
	m := storedMonitor()
	store := &mockMonitorStore{
		getFn: func(_ context.Context, _ uuid.UUID) (*model.Monitor, error) { return m, nil },
	}
	router := newTestRouter(store, &mockRegistry{})

	rec := doJSON(t, router, http.MethodPatch, "/monitors/"+m.ID.String(), map[string]any{
		"trigger": map[string]any{"kind": "dryRun"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestReplaceMonitorKeepsIdentityAndHistory(t *testing.T) {
	m := storedMonitor()
	var updated *model.Monitor
	store := &mockMonitorStore{
		getFn: func(_ context.Context, _ uuid.UUID) (*model.Monitor, error) { return m, nil },
		updateFn: func(_ context.Context, mon *model.Monitor) error {
			updated = mon
			return nil
		},
	}
	registry := &mockRegistry{}
	router := newTestRouter(store, registry)

	body := monitorBody()
	body["name"] = "renamed"
	rec := doJSON(t, router, http.MethodPut, "/monitors/"+m.ID.String(), body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if updated == nil {
		t.Fatal("replacement was not persisted")
	}
	if updated.ID != m.ID {
		t.Error("replace must keep the stored id")
	}
	if updated.Name != "renamed" {
		t.Errorf("name = %q, want renamed", updated.Name)
	}
	if updated.LastRun == nil {
		t.Error("replace must keep the run history")
	}
	if len(registry.started) != 1 {
		t.Error("an enabled replacement must be restarted")
	}
}

func TestDeleteMonitor(t *testing.T) {
	m := storedMonitor()
	registry := &mockRegistry{}
	store := &mockMonitorStore{
		deleteFn: func(_ context.Context, id uuid.UUID) error {
			if id != m.ID {
				return repository.ErrNotFound
			}
			return nil
		},
	}
	router := newTestRouter(store, registry)

	rec := doJSON(t, router, http.MethodDelete, "/monitors/"+m.ID.String(), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(registry.stopped) != 1 || registry.stopped[0] != m.ID {
		t.Error("delete must stop the registration")
	}

	rec = doJSON(t, router, http.MethodDelete, "/monitors/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status for unknown id = %d, want 404", rec.Code)
	}
}

func TestListMonitors(t *testing.T) {
	store := &mockMonitorStore{
		listFn: func(_ context.Context) ([]model.Monitor, error) { return nil, nil },
	}
	router := newTestRouter(store, &mockRegistry{})

	rec := doJSON(t, router, http.MethodGet, "/monitors", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Monitors []model.Monitor `json:"monitors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Monitors == nil {
		t.Error("an empty list must serialize as [], not null")
	}
}
