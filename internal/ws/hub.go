package ws

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/splax/statikk/internal/domain"
	"github.com/splax/statikk/internal/metrics"
)

const defaultBroadcastBuffer = 256

// Subscriber abstracts a live viewer connection. Send must not block.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages live subscriptions by project ID. A subscriber belongs to at
// most one project at a time. All maps are owned by the run goroutine.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	joined    map[Subscriber]string
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	query     chan func()
	done      chan struct{}
	closeOnce sync.Once

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// message couples payload with project identifier.
type message struct {
	projectID string
	payload   []byte
}

// subscription defines register/unregister requests. ack is closed once the
// request has been applied.
type subscription struct {
	projectID string
	client    Subscriber
	closeSub  bool
	ack       chan struct{}
}

// NewHub creates an initialized Hub and starts its loop. buffer bounds the
// number of pending broadcasts.
func NewHub(buffer int, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = defaultBroadcastBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		joined:    make(map[Subscriber]string),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, buffer),
		query:     make(chan func()),
		done:      make(chan struct{}),
		logger:    logger.With("component", "hub"),
		metrics:   m,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return
		case sub := <-h.register:
			h.detach(sub.client)
			if _, ok := h.clients[sub.projectID]; !ok {
				h.clients[sub.projectID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.projectID][sub.client] = struct{}{}
			h.joined[sub.client] = sub.projectID
			close(sub.ack)
		case sub := <-h.unreg:
			h.detach(sub.client)
			if sub.closeSub {
				sub.client.Close()
			}
			close(sub.ack)
		case msg := <-h.broadcast:
			h.deliver(msg)
		case fn := <-h.query:
			fn()
		}
	}
}

func (h *Hub) deliver(msg message) {
	clients, ok := h.clients[msg.projectID]
	if !ok {
		return
	}
	for c := range clients {
		err := c.Send(msg.payload)
		switch {
		case err == nil:
		case errors.Is(err, ErrBackpressure):
			h.metrics.FrameDropped("client")
		default:
			h.logger.Debug("dropping subscriber after send failure", "project_id", msg.projectID, "error", err)
			c.Close()
			h.detach(c)
		}
	}
}

func (h *Hub) detach(client Subscriber) {
	projectID, ok := h.joined[client]
	if !ok {
		return
	}
	delete(h.joined, client)
	if clients, ok := h.clients[projectID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, projectID)
		}
	}
}

// Join subscribes client to projectID, leaving any previous project. It
// returns once the change is visible to broadcasts, or false when the hub is
// closed.
func (h *Hub) Join(projectID string, client Subscriber) bool {
	return h.request(h.register, subscription{projectID: projectID, client: client})
}

// Leave unsubscribes client from its project, if any.
func (h *Hub) Leave(client Subscriber) {
	h.request(h.unreg, subscription{client: client})
}

// Remove unsubscribes client and closes it.
func (h *Hub) Remove(client Subscriber) {
	if !h.request(h.unreg, subscription{client: client, closeSub: true}) {
		client.Close()
	}
}

func (h *Hub) request(ch chan subscription, sub subscription) bool {
	sub.ack = make(chan struct{})
	select {
	case ch <- sub:
	case <-h.done:
		return false
	}
	select {
	case <-sub.ack:
		return true
	case <-h.done:
		return false
	}
}

// Broadcast queues payload for every subscriber of projectID. It never blocks:
// when the queue is full the frame is dropped and false is returned.
func (h *Hub) Broadcast(projectID string, payload []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- message{projectID: projectID, payload: payload}:
		return true
	default:
		h.metrics.FrameDropped("hub")
		h.logger.Warn("broadcast queue full, dropping frame", "project_id", projectID)
		return false
	}
}

// BroadcastLog sends a live-logs frame to viewers of projectID.
func (h *Hub) BroadcastLog(projectID string, line []byte) bool {
	frame, err := EncodeFrame(EventLiveLogs, NewLogData(projectID, line))
	if err != nil {
		h.logger.Error("encode log frame", "project_id", projectID, "error", err)
		return false
	}
	return h.Broadcast(projectID, frame)
}

// BroadcastStatus sends a build-status frame to viewers of the build's project.
func (h *Hub) BroadcastStatus(build domain.Build) bool {
	frame, err := EncodeFrame(EventBuildStatus, StatusData{Project: build.ProjectID, Build: build.ID, Stage: string(build.Stage)})
	if err != nil {
		h.logger.Error("encode status frame", "project_id", build.ProjectID, "error", err)
		return false
	}
	return h.Broadcast(build.ProjectID, frame)
}

// Subscribers returns how many subscribers follow projectID.
func (h *Hub) Subscribers(projectID string) int {
	result := make(chan int, 1)
	select {
	case h.query <- func() { result <- len(h.clients[projectID]) }:
		return <-result
	case <-h.done:
		return 0
	}
}

// Close stops the hub loop. Pending broadcasts are discarded.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
