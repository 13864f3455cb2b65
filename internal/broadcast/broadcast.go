// Package broadcast fans out every Event passed to Hub.Publish to the
// connected WebSocket operators, and optionally publishes the same
// events onto a pluggable Publisher for external consumption. Events
// reach the hub only through Publish; neither the Supervisor nor the
// MetricsCollector calls it, so snapshots and autoscaler decisions are
// not streamed unless some caller publishes them.
//
// Grounded on the teacher's MetricsHub (control_plane/ws_hub.go): one
// broadcaster goroutine owns the client set, and events are pushed to
// it through Publish rather than polled by each connection. The Publisher/Event shape is lifted from
// control_plane/streaming/interface.go, and LogPublisher from
// control_plane/streaming/logger.go is kept almost verbatim as the
// default no-broker-available sink.
package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

// maxClients caps concurrent WebSocket subscribers, matching the
// teacher's fixed connection ceiling.
const maxClients = 200

// Event is one published unit: a snapshot, a scaling decision, or a
// health transition, tagged by Topic so subscribers can filter.
type Event struct {
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher receives every broadcast Event in addition to whatever
// WebSocket clients are connected — the spec's optional external event
// stream sink.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// LogPublisher logs every event instead of forwarding it to a real
// broker, for environments with no message bus wired in.
type LogPublisher struct {
	logger *log.Logger
}

// NewLogPublisher returns a Publisher that writes JSON lines to the
// standard logger.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Default()}
}

func (p *LogPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	p.logger.Printf("[broadcast] %s: %s", evt.Topic, string(data))
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Println("[broadcast] closed LogPublisher")
	return nil
}

type registration struct {
	conn *websocket.Conn
}

// Hub fans one stream of Events out to every connected WebSocket client
// plus a single Publisher. One goroutine owns the client set; no
// per-connection ticker.
type Hub struct {
	clock     clock.Clock
	publisher Publisher

	clients    map[*websocket.Conn]struct{}
	register   chan registration
	unregister chan *websocket.Conn
	publish    chan Event

	mu sync.RWMutex

	stop chan struct{}
	wg   sync.WaitGroup
}

// Config configures a Hub.
type Config struct {
	Clock clock.Clock
}

// New creates a Hub. publisher may be nil to skip external publishing.
func New(publisher Publisher, cfg Config) *Hub {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Hub{
		clock:      clk,
		publisher:  publisher,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		publish:    make(chan Event, 64),
		stop:       make(chan struct{}),
	}
}

// Run starts the hub's dispatch loop until ctx is cancelled or Stop is
// called.
func (h *Hub) Run(ctx context.Context) {
	h.wg.Add(1)
	go h.loop(ctx)
}

func (h *Hub) loop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case <-h.stop:
			h.shutdown()
			return
		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxClients {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("broadcast: connection rejected, max clients (%d) reached", maxClients)
				continue
			}
			h.clients[reg.conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case evt := <-h.publish:
			h.dispatch(ctx, evt)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, evt Event) {
	if h.publisher != nil {
		if err := h.publisher.Publish(ctx, evt); err != nil {
			log.Printf("broadcast: publisher error: %v", err)
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(h.clock.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(evt); err != nil {
			log.Printf("broadcast: write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

// Stop halts the dispatch loop and closes every client connection.
func (h *Hub) Stop() {
	close(h.stop)
	h.wg.Wait()
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a new client connection to the broadcast set.
func (h *Hub) Register(conn *websocket.Conn) {
	h.register <- registration{conn: conn}
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// Publish enqueues evt for delivery to every connected client and the
// configured Publisher. Non-blocking: a full buffer drops the event
// rather than stalling the caller (the same producer the
// MetricsCollector or Autoscaler is running on).
func (h *Hub) Publish(topic string, payload interface{}) {
	evt := Event{Topic: topic, Payload: payload, Timestamp: h.clock.Now()}
	select {
	case h.publish <- evt:
	default:
		log.Printf("broadcast: dropped event on topic %s, publish channel full", topic)
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
