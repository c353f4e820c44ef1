// Package websocket streams process events to watching WebSocket clients.
// Each connection watches exactly one topic, the process id, and is closed
// by the server once a closing event for that topic has been delivered.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	queueLength = 256
)

// Event is one JSON frame on a process stream.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes data into an event for topic.
func NewEvent(eventType, topic string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return Event{Type: eventType, Topic: topic, Timestamp: time.Now().UTC(), Data: raw}, nil
}

// EventPublisher is implemented by anything that can fan out events.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Watcher is one stream of a single topic. Frames is closed when the
// watcher is dropped or its topic is closed.
type Watcher struct {
	ID     string
	Topic  string
	Frames chan []byte
}

// Hub fans events out to the watchers of their topic.
type Hub struct {
	mu       sync.RWMutex
	watchers map[string]map[*Watcher]struct{}
	closing  []string
	logger   zerolog.Logger
}

// NewHub creates a Hub. Watchers of a topic are released after an event
// whose type is one of closingTypes has been queued to them.
func NewHub(logger zerolog.Logger, closingTypes ...string) *Hub {
	return &Hub{
		watchers: make(map[string]map[*Watcher]struct{}),
		closing:  closingTypes,
		logger:   logger,
	}
}

// Watch registers a new watcher of topic.
func (h *Hub) Watch(topic string) *Watcher {
	w := &Watcher{ID: uuid.NewString(), Topic: topic, Frames: make(chan []byte, queueLength)}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watchers[topic]
	if !ok {
		set = make(map[*Watcher]struct{})
		h.watchers[topic] = set
	}
	set[w] = struct{}{}
	return w
}

// Drop unregisters w and closes its Frames. Dropping twice is a no-op.
func (h *Hub) Drop(w *Watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.watchers[w.Topic]
	if _, ok := set[w]; !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(h.watchers, w.Topic)
	}
	close(w.Frames)
}

// Publish queues event to every watcher of event.Topic. A watcher whose
// queue is full misses the event. A closing event releases the topic.
func (h *Hub) Publish(_ context.Context, event Event) error {
	frame, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	closes := slices.Contains(h.closing, event.Type)

	if closes {
		h.mu.Lock()
		defer h.mu.Unlock()
	} else {
		h.mu.RLock()
		defer h.mu.RUnlock()
	}

	for w := range h.watchers[event.Topic] {
		select {
		case w.Frames <- frame:
		default:
			h.logger.Warn().Str("watcher", w.ID).Str("topic", event.Topic).Str("event", event.Type).
				Msg("websocket: watcher queue full, event dropped")
		}
		if closes {
			close(w.Frames)
		}
	}
	if closes {
		delete(h.watchers, event.Topic)
	}
	return nil
}

// Len returns the number of watchers across all topics.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.watchers {
		n += len(set)
	}
	return n
}

// Watching returns the number of watchers of topic.
func (h *Hub) Watching(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[topic])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Streams are read by operator tooling, not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StreamHandler upgrades the connection and watches the topic named by the
// route parameter param. check, when set, runs before the upgrade and its
// error is returned as is.
func (h *Hub) StreamHandler(param string, check func(ctx context.Context, topic string) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		topic := c.Param(param)
		if check != nil {
			if err := check(c.Request().Context(), topic); err != nil {
				return err
			}
		}

		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		w := h.Watch(topic)
		h.logger.Debug().Str("watcher", w.ID).Str("topic", topic).Msg("websocket: stream opened")

		go h.write(w, conn)
		go h.discardInput(w, conn)
		return nil
	}
}

// discardInput services control frames until the peer goes away. Streams
// are one-way, so data frames from the client are ignored.
func (h *Hub) discardInput(w *Watcher, conn *gorillawebsocket.Conn) {
	defer h.Drop(w)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Hub) write(w *Watcher, conn *gorillawebsocket.Conn) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-w.Frames:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, "stream finished")
				_ = conn.WriteMessage(gorillawebsocket.CloseMessage, msg)
				return
			}
			if err := conn.WriteMessage(gorillawebsocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
