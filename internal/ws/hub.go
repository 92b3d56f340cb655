package ws

import "sync"

// watcherBuffer bounds how far a watcher may fall behind before it is evicted.
const watcherBuffer = 256

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans deployment output out to live watchers, keyed by deployment ID.
// Every watcher is written by its own goroutine, so Broadcast never waits on a
// connection.
type Hub struct {
	mu       sync.Mutex
	watchers map[string]map[Subscriber]*watcher
	closed   bool
	buffer   int
}

type watcher struct {
	sub  Subscriber
	send chan []byte
	quit chan struct{}
	once sync.Once
}

func (w *watcher) stop() {
	w.once.Do(func() { close(w.quit) })
}

// writePump delivers queued payloads until stopped or a write fails.
func (w *watcher) writePump(onFailure func()) {
	defer w.sub.Close()
	for {
		select {
		case <-w.quit:
			return
		case payload := <-w.send:
			if err := w.sub.Send(payload); err != nil {
				onFailure()
				return
			}
		}
	}
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	return &Hub{
		watchers: make(map[string]map[Subscriber]*watcher),
		buffer:   watcherBuffer,
	}
}

// Register adds a client to a deployment stream.
func (h *Hub) Register(deploymentID string, client Subscriber) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		client.Close()
		return
	}
	clients, ok := h.watchers[deploymentID]
	if !ok {
		clients = make(map[Subscriber]*watcher)
		h.watchers[deploymentID] = clients
	}
	if _, dup := clients[client]; dup {
		h.mu.Unlock()
		return
	}
	w := &watcher{sub: client, send: make(chan []byte, h.buffer), quit: make(chan struct{})}
	clients[client] = w
	h.mu.Unlock()

	go w.writePump(func() { h.Unregister(deploymentID, client) })
}

// Unregister removes a client and stops its writer.
func (h *Hub) Unregister(deploymentID string, client Subscriber) {
	h.mu.Lock()
	w := h.detachLocked(deploymentID, client)
	h.mu.Unlock()
	if w != nil {
		w.stop()
	}
}

func (h *Hub) detachLocked(deploymentID string, client Subscriber) *watcher {
	clients, ok := h.watchers[deploymentID]
	if !ok {
		return nil
	}
	w := clients[client]
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.watchers, deploymentID)
	}
	return w
}

// Broadcast queues payload for every watcher of a deployment. Watchers whose
// queue is full are evicted.
func (h *Hub) Broadcast(deploymentID string, payload []byte) {
	var evicted []*watcher
	h.mu.Lock()
	for client, w := range h.watchers[deploymentID] {
		select {
		case w.send <- payload:
		default:
			h.detachLocked(deploymentID, client)
			evicted = append(evicted, w)
		}
	}
	h.mu.Unlock()
	for _, w := range evicted {
		w.stop()
	}
}

// Watchers reports how many clients follow a deployment.
func (h *Hub) Watchers(deploymentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[deploymentID])
}

// Close disconnects every watcher and stops the hub.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	all := h.watchers
	h.watchers = make(map[string]map[Subscriber]*watcher)
	h.mu.Unlock()
	for _, clients := range all {
		for _, w := range clients {
			w.stop()
		}
	}
}
