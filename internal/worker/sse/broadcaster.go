// Package sse streams decision events to local dashboards over
// Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// WriteTimeout bounds one write so a stale client cannot block the rest.
	WriteTimeout = 2 * time.Second

	// DefaultHistory is how many recent events are replayed to a client
	// reconnecting with Last-Event-ID.
	DefaultHistory = 64
)

// Event is one framed message.
type Event struct {
	ID   uint64
	Type string
	Data []byte
}

func (e Event) frame() []byte {
	return []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Type, e.Data))
}

// Client is one connected stream.
type Client struct {
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	ID      string

	mu sync.Mutex // serializes writes to Writer
}

// Broadcaster fans events out to every connected client.
type Broadcaster struct {
	clients map[string]*Client
	nextID  int

	seq     uint64
	history []Event
	limit   int

	mu sync.RWMutex
}

// NewBroadcaster creates a broadcaster keeping DefaultHistory events.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
		limit:   DefaultHistory,
	}
}

// AddClient registers a streaming response writer.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("client-%d", b.nextID)
	client := &Client{
		ID:      id,
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[id] = client
	count := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", id).Int("totalClients", count).Msg("SSE client connected")
	return client, nil
}

// RemoveClient unregisters client and closes its Done channel once.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	delete(b.clients, client.ID)
	count := len(b.clients)
	b.mu.Unlock()

	client.mu.Lock()
	select {
	case <-client.Done:
	default:
		close(client.Done)
	}
	client.mu.Unlock()

	log.Debug().Str("clientId", client.ID).Int("totalClients", count).Msg("SSE client disconnected")
}

// Publish encodes data as JSON and sends it to every client.
func (b *Broadcaster) Publish(eventType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("Failed to marshal SSE event")
		return
	}

	b.mu.Lock()
	b.seq++
	ev := Event{ID: b.seq, Type: eventType, Data: payload}
	b.history = append(b.history, ev)
	if len(b.history) > b.limit {
		b.history = b.history[len(b.history)-b.limit:]
	}
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	if len(clients) == 0 {
		return
	}

	msg := ev.frame()
	var (
		wg   sync.WaitGroup
		dead = make(chan *Client, len(clients))
	)
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if !b.write(c, msg) {
				dead <- c
			}
		}(c)
	}
	wg.Wait()
	close(dead)

	for c := range dead {
		b.RemoveClient(c)
	}
}

// write sends msg to c and reports whether the client is still healthy.
func (b *Broadcaster) write(c *Client, msg []byte) bool {
	done := make(chan error, 1)
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		select {
		case <-c.Done:
			done <- nil
			return
		default:
		}
		if _, err := c.Writer.Write(msg); err != nil {
			done <- err
			return
		}
		c.Flusher.Flush()
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Debug().Err(err).Str("clientId", c.ID).Msg("Failed to write to SSE client, removing")
			return false
		}
		return true
	case <-time.After(WriteTimeout):
		log.Warn().Str("clientId", c.ID).Dur("timeout", WriteTimeout).Msg("SSE write timed out, removing client")
		return false
	}
}

// Since returns buffered events newer than id.
func (b *Broadcaster) Since(id uint64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, ev := range b.history {
		if ev.ID > id {
			out = append(out, ev)
		}
	}
	return out
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE streams events until the request is cancelled. A Last-Event-ID
// header replays buffered events the client missed.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client, err := b.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	client.mu.Lock()
	fmt.Fprintf(w, "event: connected\ndata: {\"clientId\":%q}\n\n", client.ID)
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if id, err := strconv.ParseUint(last, 10, 64); err == nil {
			for _, ev := range b.Since(id) {
				_, _ = w.Write(ev.frame())
			}
		}
	}
	client.Flusher.Flush()
	client.mu.Unlock()

	select {
	case <-r.Context().Done():
	case <-client.Done:
	}
}
