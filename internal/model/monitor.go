package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/geokatch/geokatch/internal/apperr"
)

type AlertState string

const (
	AlertFiring         AlertState = "firing"
	AlertStillFiring    AlertState = "stillFiring"
	AlertNoLongerFiring AlertState = "noLongerFiring"
	AlertNotFiring      AlertState = "notFiring"
)

type AlertOn string

const (
	AlertOnData   AlertOn = "data"
	AlertOnNoData AlertOn = "noData"
)

type TriggerKind string

const (
	TriggerSchedule TriggerKind = "schedule"
	TriggerEvent    TriggerKind = "event"
	TriggerDryRun   TriggerKind = "dryRun"
)

type EventName string

const (
	EventCreated EventName = "created"
	EventUpdated EventName = "updated"
	EventPatched EventName = "patched"
	EventRemoved EventName = "removed"
)

// AllowedEvents lists every change-event name a trigger may subscribe to.
var AllowedEvents = []EventName{EventCreated, EventUpdated, EventPatched, EventRemoved}

type PredicateType string

const (
	GeoWithin     PredicateType = "geoWithin"
	GeoIntersects PredicateType = "geoIntersects"
	Near          PredicateType = "near"
)

type ActionKind string

const (
	ActionNone            ActionKind = "none"
	ActionChatWebhook     ActionKind = "chat-webhook"
	ActionTemplateRequest ActionKind = "template-request"
	ActionIncidentWebhook ActionKind = "incident-webhook"
)

const (
	DefaultCooldownSeconds = 60
	DefaultMaxDistance     = 1000.0
	DefaultMinDistance     = 0.0
)

// SourceInRequest marks an element whose features are supplied inline in
// the monitor definition instead of being fetched from a stored layer.
const SourceInRequest = "inRequest"

// Monitor is the persistent unit of configuration: a rule comparing a
// target layer against a zone layer with a spatial predicate, a trigger
// and an action.
type Monitor struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Target      Element    `json:"target"`
	Zone        Element    `json:"zone"`
	Trigger     Trigger    `json:"trigger"`
	Enabled     bool       `json:"enabled"`
	Evaluation  Evaluation `json:"evaluation"`
	Action      Action     `json:"action"`
	LastRun     *LastRun   `json:"lastRun,omitempty"`
	CreatedAt   time.Time  `json:"createdAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt,omitempty"`
}

// Element references one of the two layers a monitor compares.
type Element struct {
	LayerName string `json:"layerName"`
	// Source is empty for stored layers or SourceInRequest for inline data.
	Source   string             `json:"source,omitempty"`
	Features *FeatureCollection `json:"features,omitempty"`
	Filter   map[string]any     `json:"filter,omitempty"`
	// LayerInfo is derived, never user supplied. It is refreshed on every
	// successful evaluation and only trusted for one evaluation cycle.
	LayerInfo *LayerInfo `json:"layerInfo,omitempty"`
}

// Inline reports whether the element carries its features in the definition.
func (e *Element) Inline() bool { return e.Source == SourceInRequest }

// LayerInfo is the resolved metadata of a layer: the backing feature-store
// collection and the layer id used for scoping queries.
type LayerInfo struct {
	LayerID     string `json:"layerId"`
	Collection  string `json:"collection"`
	DisplayName string `json:"displayName,omitempty"`
}

// Trigger is a tagged variant: exactly one of Schedule or Events is set,
// matching Kind. A dryRun trigger carries neither.
type Trigger struct {
	Kind     TriggerKind `json:"kind"`
	Schedule string      `json:"schedule,omitempty"`
	Events   []EventName `json:"events,omitempty"`
}

type Evaluation struct {
	PredicateType PredicateType `json:"predicateType"`
	AlertOn       AlertOn       `json:"alertOn"`
	// Distances are meters, only meaningful for the near predicate.
	MaxDistance *float64 `json:"maxDistance,omitempty"`
	MinDistance *float64 `json:"minDistance,omitempty"`
}

// MaxDistanceMeters returns the configured maximum distance or the default.
func (e Evaluation) MaxDistanceMeters() float64 {
	if e.MaxDistance != nil {
		return *e.MaxDistance
	}
	return DefaultMaxDistance
}

// MinDistanceMeters returns the configured minimum distance or the default.
func (e Evaluation) MinDistanceMeters() float64 {
	if e.MinDistance != nil {
		return *e.MinDistance
	}
	return DefaultMinDistance
}

// Action is a closed tagged union over the four channel kinds. Only the
// parameter block matching Kind may be present; this is enforced by
// Validate rather than at dispatch time.
type Action struct {
	Kind            ActionKind      `json:"kind"`
	CooldownSeconds int             `json:"cooldownSeconds,omitempty"`
	Endpoint        string          `json:"endpoint,omitempty"`
	Incident        *IncidentParams `json:"incident,omitempty"`
	Template        *TemplateParams `json:"template,omitempty"`
}

// Cooldown returns the configured cooldown as a duration.
func (a Action) Cooldown() time.Duration {
	return time.Duration(a.CooldownSeconds) * time.Second
}

// IncidentParams configures the incident-webhook channel: open-on-firing,
// close-on-no-longer-firing against an external incident service.
type IncidentParams struct {
	Organisation string `json:"organisation"`
	Token        string `json:"token"`
	Template     string `json:"template"`
	Name         string `json:"name,omitempty"`
	Description  string `json:"description,omitempty"`
}

// TemplateParams configures the template-request channel. The literal
// tokens %monitorName% and %monitorStatus% are substituted verbatim into
// the endpoint, headers and body before sending.
type TemplateParams struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
}

type LastRun struct {
	At           time.Time        `json:"at"`
	Alert        AlertState       `json:"alert,omitempty"`
	Status       EvaluationStatus `json:"evaluationStatus"`
	LastActionAt *time.Time       `json:"lastActionAt,omitempty"`
	// IncidentID is the external incident identifier opened by the
	// incident-webhook channel, cleared when the incident is closed.
	IncidentID string `json:"incidentId,omitempty"`
}

type EvaluationStatus struct {
	Success     bool   `json:"success"`
	ErrorDetail string `json:"errorDetail,omitempty"`
}

// Match pairs one zone feature with the target features that satisfied
// the monitor's predicate against it.
type Match struct {
	Zone    Feature   `json:"zoneFeature"`
	Targets []Feature `json:"matchingTargetFeatures"`
}

// CronParser accepts standard five-field cron expressions with an
// optional leading seconds field.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ApplyDefaults fills the optional fields the same way the API schema
// would: alertOn data, action none with a 60 second cooldown.
func (m *Monitor) ApplyDefaults() {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Evaluation.AlertOn == "" {
		m.Evaluation.AlertOn = AlertOnData
	}
	if m.Action.Kind == "" {
		m.Action.Kind = ActionNone
	}
	if m.Action.CooldownSeconds <= 0 {
		m.Action.CooldownSeconds = DefaultCooldownSeconds
	}
	if m.Action.Kind == ActionTemplateRequest && m.Action.Template != nil && m.Action.Template.Method == "" {
		m.Action.Template.Method = "POST"
	}
}

// Validate checks the whole definition and returns a BadRequest error
// naming the offending field on the first violation.
func (m *Monitor) Validate() error {
	if m.Name == "" && m.Trigger.Kind != TriggerDryRun {
		return apperr.New(apperr.KindBadRequest, "monitor name is required")
	}
	if err := validateElement("target", &m.Target); err != nil {
		return err
	}
	if err := validateElement("zone", &m.Zone); err != nil {
		return err
	}
	if m.Target.Inline() {
		return apperr.New(apperr.KindBadRequest, "in-request data is only supported for the zone element")
	}
	if err := m.Trigger.Validate(); err != nil {
		return err
	}
	if err := m.Evaluation.Validate(); err != nil {
		return err
	}
	return m.Action.Validate()
}

func validateElement(field string, e *Element) error {
	if e.Inline() {
		if e.Features == nil || len(e.Features.Features) == 0 {
			return apperr.Newf(apperr.KindBadRequest, "%s.features is required for in-request data", field)
		}
		return nil
	}
	if strings.TrimSpace(e.LayerName) == "" {
		return apperr.Newf(apperr.KindBadRequest, "%s.layerName is required", field)
	}
	return nil
}

// Validate enforces that the trigger kind and its spec stay mutually
// consistent: never a schedule kind with an event list or vice versa.
func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerSchedule:
		if len(t.Events) != 0 {
			return apperr.New(apperr.KindBadRequest, "trigger.events is not allowed when trigger.kind is schedule")
		}
		if t.Schedule == "" {
			return apperr.New(apperr.KindBadRequest, "trigger.schedule is required when trigger.kind is schedule")
		}
		if _, err := CronParser.Parse(t.Schedule); err != nil {
			return apperr.Wrap(apperr.KindBadRequest, err, "trigger.schedule is not a valid cron expression")
		}
	case TriggerEvent:
		if t.Schedule != "" {
			return apperr.New(apperr.KindBadRequest, "trigger.schedule is not allowed when trigger.kind is event")
		}
		if len(t.Events) == 0 {
			return apperr.New(apperr.KindBadRequest, "trigger.events is required when trigger.kind is event")
		}
		for _, ev := range t.Events {
			if !allowedEvent(ev) {
				return apperr.Newf(apperr.KindBadRequest, "trigger.events contains unknown event %q", ev)
			}
		}
	case TriggerDryRun:
		if t.Schedule != "" || len(t.Events) != 0 {
			return apperr.New(apperr.KindBadRequest, "trigger spec is not allowed when trigger.kind is dryRun")
		}
	default:
		return apperr.Newf(apperr.KindBadRequest, "unknown trigger.kind %q", t.Kind)
	}
	return nil
}

// HasEvent reports whether the trigger subscribes to the given event name.
func (t Trigger) HasEvent(ev EventName) bool {
	for _, e := range t.Events {
		if e == ev {
			return true
		}
	}
	return false
}

func allowedEvent(ev EventName) bool {
	for _, a := range AllowedEvents {
		if a == ev {
			return true
		}
	}
	return false
}

func (e Evaluation) Validate() error {
	switch e.PredicateType {
	case GeoWithin, GeoIntersects, Near:
	default:
		return apperr.Newf(apperr.KindBadRequest, "unknown evaluation.predicateType %q", e.PredicateType)
	}
	switch e.AlertOn {
	case AlertOnData, AlertOnNoData:
	default:
		return apperr.Newf(apperr.KindBadRequest, "unknown evaluation.alertOn %q", e.AlertOn)
	}
	if e.MaxDistance != nil && *e.MaxDistance < 0 {
		return apperr.New(apperr.KindBadRequest, "evaluation.maxDistance must be non-negative")
	}
	if e.MinDistance != nil && *e.MinDistance < 0 {
		return apperr.New(apperr.KindBadRequest, "evaluation.minDistance must be non-negative")
	}
	return nil
}

func (a Action) Validate() error {
	switch a.Kind {
	case ActionNone:
		if a.Endpoint != "" {
			return apperr.New(apperr.KindBadRequest, "action.endpoint is not allowed when action.kind is none")
		}
	case ActionChatWebhook:
		if a.Endpoint == "" {
			return apperr.New(apperr.KindBadRequest, "action.endpoint is required for chat-webhook")
		}
	case ActionIncidentWebhook:
		if a.Endpoint == "" {
			return apperr.New(apperr.KindBadRequest, "action.endpoint is required for incident-webhook")
		}
		if a.Incident == nil {
			return apperr.New(apperr.KindBadRequest, "action.incident parameters are required for incident-webhook")
		}
		if a.Incident.Organisation == "" {
			return apperr.New(apperr.KindBadRequest, "action.incident.organisation is required")
		}
		if a.Incident.Token == "" {
			return apperr.New(apperr.KindBadRequest, "action.incident.token is required")
		}
		if a.Incident.Template == "" {
			return apperr.New(apperr.KindBadRequest, "action.incident.template is required")
		}
	case ActionTemplateRequest:
		if a.Endpoint == "" {
			return apperr.New(apperr.KindBadRequest, "action.endpoint is required for template-request")
		}
		if a.Template == nil {
			return apperr.New(apperr.KindBadRequest, "action.template parameters are required for template-request")
		}
		switch a.Template.Method {
		case "GET", "POST", "PUT", "DELETE":
		default:
			return apperr.Newf(apperr.KindBadRequest, "action.template.method %q must be one of GET, POST, PUT, DELETE", a.Template.Method)
		}
	default:
		return apperr.Newf(apperr.KindBadRequest, "unknown action.kind %q", a.Kind)
	}
	if a.Incident != nil && a.Kind != ActionIncidentWebhook {
		return apperr.New(apperr.KindBadRequest, "action.incident is only allowed for incident-webhook")
	}
	if a.Template != nil && a.Kind != ActionTemplateRequest {
		return apperr.New(apperr.KindBadRequest, "action.template is only allowed for template-request")
	}
	if a.CooldownSeconds < 0 {
		return apperr.New(apperr.KindBadRequest, "action.cooldownSeconds must be non-negative")
	}
	return nil
}

// Clone returns a deep copy used as the evaluation-local working copy of
// one run, so an in-flight run never mutates the registry's document.
func (m *Monitor) Clone() *Monitor {
	cp := *m
	cp.Target = m.Target.clone()
	cp.Zone = m.Zone.clone()
	if m.Trigger.Events != nil {
		cp.Trigger.Events = append([]EventName(nil), m.Trigger.Events...)
	}
	if m.Evaluation.MaxDistance != nil {
		v := *m.Evaluation.MaxDistance
		cp.Evaluation.MaxDistance = &v
	}
	if m.Evaluation.MinDistance != nil {
		v := *m.Evaluation.MinDistance
		cp.Evaluation.MinDistance = &v
	}
	if m.Action.Incident != nil {
		v := *m.Action.Incident
		cp.Action.Incident = &v
	}
	if m.Action.Template != nil {
		v := TemplateParams{Method: m.Action.Template.Method}
		if m.Action.Template.Headers != nil {
			v.Headers = make(map[string]string, len(m.Action.Template.Headers))
			for k, h := range m.Action.Template.Headers {
				v.Headers[k] = h
			}
		}
		v.Body = cloneMap(m.Action.Template.Body)
		cp.Action.Template = &v
	}
	if m.LastRun != nil {
		lr := *m.LastRun
		if m.LastRun.LastActionAt != nil {
			t := *m.LastRun.LastActionAt
			lr.LastActionAt = &t
		}
		cp.LastRun = &lr
	}
	return &cp
}

func (e Element) clone() Element {
	cp := e
	cp.Filter = cloneMap(e.Filter)
	if e.LayerInfo != nil {
		info := *e.LayerInfo
		cp.LayerInfo = &info
	}
	if e.Features != nil {
		fc := *e.Features
		fc.Features = append([]Feature(nil), e.Features.Features...)
		cp.Features = &fc
	}
	return cp
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneMap(t)
		case []any:
			cp := make([]any, len(t))
			for i, e := range t {
				if m, ok := e.(map[string]any); ok {
					cp[i] = cloneMap(m)
				} else {
					cp[i] = e
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// WasFiring reports whether the previous alert state counts as firing for
// the firing state machine. The absent state before the first successful
// evaluation counts as not firing.
func WasFiring(prev AlertState) bool {
	return prev == AlertFiring || prev == AlertStillFiring
}
