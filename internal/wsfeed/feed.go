package wsfeed

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// Feed pairs a Hub with the fixed topic name it broadcasts on. CentralServer
// runs one Feed for its server-local ring (topic "lifecycle"); FleetDashboard
// runs one for the registry's ring (topic "fleet").
type Feed struct {
	topic  string
	hub    *Hub
	logger *zap.Logger
}

// New creates a Feed. Call Run in a goroutine before serving any
// connections, so Publish and the upgrade handler both have somewhere to
// deliver to.
func New(topic string, logger *zap.Logger) *Feed {
	return &Feed{
		topic:  topic,
		hub:    NewHub(),
		logger: logger.Named("wsfeed").With(zap.String("topic", topic)),
	}
}

// Run starts the underlying hub's event loop. Blocks until ctx is
// cancelled; call in a goroutine.
func (f *Feed) Run(ctx context.Context) {
	f.hub.Run(ctx)
}

// Broadcast publishes event to every current subscriber.
func (f *Feed) Broadcast(event any) {
	f.hub.Publish(Message{Type: MsgLifecycleEvent, Topic: f.topic, Payload: event})
}

// ServeHTTP upgrades the request to a WebSocket and subscribes it to the
// feed for the lifetime of the connection.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client, err := NewClient(f.hub, w, r, f.logger)
	if err != nil {
		f.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}

// ConnectedCount returns the current subscriber count, for metrics.
func (f *Feed) ConnectedCount() int {
	return f.hub.ConnectedCount()
}
