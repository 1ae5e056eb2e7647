package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geokatch/geokatch/internal/model"
)

var ErrNotFound = errors.New("not found")

type MonitorRepository struct {
	pool *pgxpool.Pool
}

func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

const monitorColumns = `id, name, description, enabled, trigger_kind,
	target, zone, trigger_spec, evaluation, action, last_run, created_at, updated_at`

func (r *MonitorRepository) Create(ctx context.Context, m *model.Monitor) error {
	target, zone, trigger, evaluation, action, lastRun, err := encodeDocs(m)
	if err != nil {
		return err
	}
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	_, err = r.pool.Exec(ctx,
		`INSERT INTO monitors
			(id, name, description, enabled, trigger_kind,
			 target, zone, trigger_spec, evaluation, action, last_run,
			 created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.Name, m.Description, m.Enabled, m.Trigger.Kind,
		target, zone, trigger, evaluation, action, lastRun,
		now, now,
	)
	return err
}

func (r *MonitorRepository) Get(ctx context.Context, id uuid.UUID) (*model.Monitor, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+monitorColumns+` FROM monitors WHERE id = $1`, id)
	m, err := scanMonitor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (r *MonitorRepository) List(ctx context.Context) ([]model.Monitor, error) {
	return r.list(ctx, `SELECT `+monitorColumns+` FROM monitors ORDER BY created_at DESC`)
}

// ListEnabled returns the monitors started at process start-up.
func (r *MonitorRepository) ListEnabled(ctx context.Context) ([]model.Monitor, error) {
	return r.list(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE enabled ORDER BY created_at`)
}

func (r *MonitorRepository) list(ctx context.Context, query string) ([]model.Monitor, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var monitors []model.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, *m)
	}
	return monitors, rows.Err()
}

// Update persists the whole monitor document, lastRun included.
func (r *MonitorRepository) Update(ctx context.Context, m *model.Monitor) error {
	target, zone, trigger, evaluation, action, lastRun, err := encodeDocs(m)
	if err != nil {
		return err
	}
	now := time.Now()
	m.UpdatedAt = now
	tag, err := r.pool.Exec(ctx,
		`UPDATE monitors SET
			name = $2, description = $3, enabled = $4, trigger_kind = $5,
			target = $6, zone = $7, trigger_spec = $8, evaluation = $9,
			action = $10, last_run = $11, updated_at = $12
		 WHERE id = $1`,
		m.ID, m.Name, m.Description, m.Enabled, m.Trigger.Kind,
		target, zone, trigger, evaluation, action, lastRun, now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MonitorRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM monitors WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeDocs(m *model.Monitor) (target, zone, trigger, evaluation, action, lastRun []byte, err error) {
	if target, err = json.Marshal(m.Target); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("encode target: %w", err)
	}
	if zone, err = json.Marshal(m.Zone); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("encode zone: %w", err)
	}
	if trigger, err = json.Marshal(m.Trigger); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("encode trigger: %w", err)
	}
	if evaluation, err = json.Marshal(m.Evaluation); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("encode evaluation: %w", err)
	}
	if action, err = json.Marshal(m.Action); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("encode action: %w", err)
	}
	if m.LastRun != nil {
		if lastRun, err = json.Marshal(m.LastRun); err != nil {
			return nil, nil, nil, nil, nil, nil, fmt.Errorf("encode last run: %w", err)
		}
	}
	return target, zone, trigger, evaluation, action, lastRun, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMonitor(row rowScanner) (*model.Monitor, error) {
	var (
		m        model.Monitor
		kind     string
		target   []byte
		zone     []byte
		trigger  []byte
		eval     []byte
		action   []byte
		lastRun  []byte
	)
	err := row.Scan(
		&m.ID, &m.Name, &m.Description, &m.Enabled, &kind,
		&target, &zone, &trigger, &eval, &action, &lastRun,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(target, &m.Target); err != nil {
		return nil, fmt.Errorf("decode target: %w", err)
	}
	if err := json.Unmarshal(zone, &m.Zone); err != nil {
		return nil, fmt.Errorf("decode zone: %w", err)
	}
	if err := json.Unmarshal(trigger, &m.Trigger); err != nil {
		return nil, fmt.Errorf("decode trigger: %w", err)
	}
	if err := json.Unmarshal(eval, &m.Evaluation); err != nil {
		return nil, fmt.Errorf("decode evaluation: %w", err)
	}
	if err := json.Unmarshal(action, &m.Action); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	if len(lastRun) > 0 {
		m.LastRun = &model.LastRun{}
		if err := json.Unmarshal(lastRun, m.LastRun); err != nil {
			return nil, fmt.Errorf("decode last run: %w", err)
		}
	}
	return &m, nil
}
