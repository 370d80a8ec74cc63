package wsfeed

import (
	"context"
	"sync"
)

// Hub is a single-topic pub/sub broker for WebSocket subscribers. Unlike a
// general message bus, a Feed's Hub only ever publishes on its own fixed
// topic ("lifecycle" or "fleet") — every subscriber wants the same stream.
//
// # Design: single-writer event loop
//
// All mutations to the client registry (register, unregister) are
// serialised through a single goroutine — the Run loop — via channels.
// Publish is the one exception: it holds a read-lock for the shortest
// possible time to copy the client set, then sends outside the lock so a
// slow client can never stall the event loop.
type Hub struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. Must be called exactly once, in its own
// goroutine. It exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends msg to every connected client. Safe to call from any
// goroutine — the caller that appends an event to a lifecycle ring calls
// this directly, outside the Run goroutine.
func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// Client is too slow to keep up; disconnect it rather than
			// block delivery to the rest of the subscribers.
			h.unregister <- c
		}
	}
}

// Subscribe registers client with the hub.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the current number of connected subscribers.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
