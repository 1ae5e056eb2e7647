// Package action delivers notifications for alert transitions through
// one of the configured channel kinds, gated by the monitor's cooldown.
package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/geokatch/geokatch/internal/apperr"
	"github.com/geokatch/geokatch/internal/model"
)

// Substitution tokens for the template-request channel. Replacement is a
// literal string substitution over the serialized URL, headers and body;
// values are not escaped.
const (
	TokenMonitorName   = "%monitorName%"
	TokenMonitorStatus = "%monitorStatus%"
)

type Dispatcher struct {
	client *http.Client
	now    func() time.Time
}

type Option func(*Dispatcher)

// WithNow overrides the clock, for cooldown tests.
func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func New(timeout time.Duration, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends the notification for one alert transition. m must be the
// run-local working copy with a non-nil LastRun; Dispatch records the
// attempt time and the external incident id on it.
//
// A skipped dispatch (cooldown, kind none, incident-webhook while still
// firing) returns nil. A failed remote call returns an ActionDispatch
// error, which is never fatal to the run.
func (d *Dispatcher) Dispatch(ctx context.Context, m *model.Monitor, state model.AlertState, matches []model.Match) error {
	a := m.Action
	now := d.now()

	if state == model.AlertStillFiring && m.LastRun.LastActionAt != nil {
		if now.Sub(*m.LastRun.LastActionAt) < a.Cooldown() {
			slog.Info("monitor is still firing but the cooldown is not over yet, skipping action",
				"monitor", m.Name, "cooldownSeconds", a.CooldownSeconds)
			return nil
		}
	}

	if a.Kind == model.ActionNone {
		return nil
	}

	var err error
	switch a.Kind {
	case model.ActionChatWebhook:
		err = d.sendChat(ctx, m, state)
	case model.ActionIncidentWebhook:
		// This channel never re-sends while still firing, independent of
		// the cooldown window.
		if state == model.AlertStillFiring {
			return nil
		}
		err = d.sendIncident(ctx, m, state, matches)
	case model.ActionTemplateRequest:
		err = d.sendTemplate(ctx, m, state)
	default:
		return apperr.Newf(apperr.KindBadRequest, "unknown action kind %q", a.Kind)
	}

	// The attempt itself resets the cooldown window, whatever the remote
	// call returned.
	m.LastRun.LastActionAt = &now

	if err != nil {
		slog.Error("action dispatch failed",
			"monitor", m.Name, "kind", a.Kind, "state", state, "error", err)
		return apperr.Wrap(apperr.KindActionDispatch, err, fmt.Sprintf("send %s", a.Kind))
	}
	return nil
}

func stateColor(state model.AlertState) string {
	switch state {
	case model.AlertFiring:
		return "#f52a2a"
	case model.AlertStillFiring:
		return "#fc7703"
	default:
		return "#03fc07"
	}
}

func (d *Dispatcher) sendChat(ctx context.Context, m *model.Monitor, state model.AlertState) error {
	body := map[string]any{
		"attachments": []any{
			map[string]any{
				"color": stateColor(state),
				"blocks": []any{
					map[string]any{
						"type": "section",
						"text": map[string]any{
							"type": "mrkdwn",
							"text": fmt.Sprintf("*[GeoKatch]*\n*Monitor :* `%s`\n*Status :* %s", m.Name, state),
						},
					},
				},
			},
		},
	}
	_, err := d.post(ctx, http.MethodPost, m.Action.Endpoint, map[string]string{"Content-Type": "application/json"}, body)
	return err
}

func (d *Dispatcher) sendIncident(ctx context.Context, m *model.Monitor, state model.AlertState, matches []model.Match) error {
	params := m.Action.Incident
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + params.Token,
	}
	body := map[string]any{"organisation": params.Organisation}

	switch state {
	case model.AlertFiring:
		name := params.Name
		if name == "" {
			name = m.Name
		}
		description := params.Description
		if description == "" {
			description = m.Description
		}
		data := map[string]any{
			"template":    params.Template,
			"name":        name,
			"description": description,
		}
		if len(matches) > 0 {
			data["location"] = incidentLocation(m, matches[0])
		}
		body["data"] = data

		resp, err := d.post(ctx, http.MethodPost, m.Action.Endpoint, headers, body)
		if err != nil {
			return err
		}
		var created struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal(resp, &created); err != nil {
			return fmt.Errorf("decode incident response: %w", err)
		}
		m.LastRun.IncidentID = created.ID
		return nil

	case model.AlertNoLongerFiring:
		body["operation"] = "remove"
		body["id"] = m.LastRun.IncidentID
		_, err := d.post(ctx, http.MethodPost, m.Action.Endpoint, headers, body)
		if err == nil {
			m.LastRun.IncidentID = ""
		}
		return err
	}
	return nil
}

// incidentLocation merges the first matched zone geometry with all of its
// matching target geometries into one GeoJSON feature.
func incidentLocation(m *model.Monitor, match model.Match) map[string]any {
	geometries := []any{match.Zone.Geometry.AsMap()}
	for _, f := range match.Targets {
		geometries = append(geometries, f.Geometry.AsMap())
	}
	return map[string]any{
		"type": "Feature",
		"geometry": map[string]any{
			"type":       "GeometryCollection",
			"geometries": geometries,
		},
		"properties": map[string]any{
			"name":      m.Name,
			"date":      m.LastRun.At,
			"condition": m.Evaluation.PredicateType,
			"alertOn":   m.Evaluation.AlertOn,
		},
	}
}

func (d *Dispatcher) sendTemplate(ctx context.Context, m *model.Monitor, state model.AlertState) error {
	params := m.Action.Template

	replace := func(s string) string {
		s = strings.ReplaceAll(s, TokenMonitorName, m.Name)
		return strings.ReplaceAll(s, TokenMonitorStatus, string(state))
	}

	endpoint := replace(m.Action.Endpoint)

	headers := map[string]string{"Content-Type": "application/json"}
	if len(params.Headers) > 0 {
		raw, err := json.Marshal(params.Headers)
		if err != nil {
			return fmt.Errorf("encode template headers: %w", err)
		}
		substituted := map[string]string{}
		if err := json.Unmarshal([]byte(replace(string(raw))), &substituted); err != nil {
			return fmt.Errorf("template headers no longer valid after substitution: %w", err)
		}
		for k, v := range substituted {
			headers[k] = v
		}
	}

	body := map[string]any{}
	if params.Body != nil {
		body = params.Body
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode template body: %w", err)
	}
	payload := []byte(replace(string(raw)))

	_, err = d.send(ctx, params.Method, endpoint, headers, payload)
	return err
}

func (d *Dispatcher) post(ctx context.Context, method, url string, headers map[string]string, body map[string]any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return d.send(ctx, method, url, headers, payload)
}

func (d *Dispatcher) send(ctx context.Context, method, url string, headers map[string]string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("remote returned status %d: %s", resp.StatusCode, strings.TrimSpace(buf.String()))
	}
	return buf.Bytes(), nil
}
