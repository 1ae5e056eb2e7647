package layer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/geokatch/geokatch/internal/model"
)

// ChangeEvent is one data-change notification from a feature service.
type ChangeEvent struct {
	Service string          `json:"service"`
	Event   model.EventName `json:"event"`
	LayerID string          `json:"layer,omitempty"`
	Record  map[string]any  `json:"record"`
}

// ChangeFeed is a websocket subscription to the provider's change stream.
// Subscriptions are keyed by feature-service name and shared by every
// monitor referencing that service; they are never torn down before the
// feed itself closes.
type ChangeFeed struct {
	url        string
	backoffMax time.Duration
	events     chan ChangeEvent

	mu       sync.Mutex
	conn     *websocket.Conn
	services []string
}

type subscribeFrame struct {
	Subscribe string   `json:"subscribe"`
	Events    []string `json:"events"`
}

// NewChangeFeed derives the websocket endpoint from the provider base URL.
func NewChangeFeed(baseURL, apiPrefix string, backoffMax time.Duration) *ChangeFeed {
	wsURL := strings.TrimRight(baseURL, "/") + "/" + strings.Trim(apiPrefix, "/") + "/events"
	if u, err := url.Parse(wsURL); err == nil {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
		wsURL = u.String()
	}
	return &ChangeFeed{
		url:        wsURL,
		backoffMax: backoffMax,
		events:     make(chan ChangeEvent, 64),
	}
}

// Events returns the stream of change notifications. The channel is
// closed when Run returns.
func (f *ChangeFeed) Events() <-chan ChangeEvent { return f.events }

// Subscribe registers interest in every allowed change event of one
// feature service. Safe to call before or after Run; resubscription after
// a reconnect replays all registered services.
func (f *ChangeFeed) Subscribe(service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.services {
		if s == service {
			return nil
		}
	}
	f.services = append(f.services, service)
	if f.conn != nil {
		return f.writeSubscribe(f.conn, service)
	}
	return nil
}

func (f *ChangeFeed) writeSubscribe(conn *websocket.Conn, service string) error {
	events := make([]string, len(model.AllowedEvents))
	for i, ev := range model.AllowedEvents {
		events[i] = string(ev)
	}
	return conn.WriteJSON(subscribeFrame{Subscribe: service, Events: events})
}

// Run connects and pumps events until ctx is cancelled, reconnecting with
// capped exponential backoff.
func (f *ChangeFeed) Run(ctx context.Context) {
	defer close(f.events)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
		if err != nil {
			slog.Warn("change feed dial failed, retrying", "url", f.url, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > f.backoffMax {
				backoff = f.backoffMax
			}
			continue
		}
		backoff = time.Second

		f.mu.Lock()
		f.conn = conn
		resub := append([]string(nil), f.services...)
		f.mu.Unlock()

		subErr := false
		for _, s := range resub {
			if err := f.writeSubscribe(conn, s); err != nil {
				slog.Warn("change feed resubscribe failed", "service", s, "error", err)
				subErr = true
				break
			}
		}

		if !subErr {
			f.pump(ctx, conn)
		}

		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		conn.Close()
	}
}

func (f *ChangeFeed) pump(ctx context.Context, conn *websocket.Conn) {
	// The watcher must not outlive this connection, or every reconnect
	// would leak one goroutine.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("change feed read failed, reconnecting", "error", err)
			}
			return
		}
		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("change feed received malformed event", "error", err)
			continue
		}
		select {
		case f.events <- ev:
		default:
			slog.Warn("change feed buffer full, dropping event", "service", ev.Service, "event", ev.Event)
		}
	}
}
