package mqtt

import (
	"context"
	"fmt"
	"sync"

	"github.com/Codarn/pg-mqtt-pub/internal/broker"
	"github.com/Codarn/pg-mqtt-pub/internal/slot"
)

// Transport holds one Client per broker and publishes by broker name.
type Transport struct {
	opts   Options
	logger Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewTransport creates an empty transport. Clients are added with Open.
func NewTransport(opts Options) *Transport {
	return &Transport{
		opts:    opts,
		clients: make(map[string]*Client),
	}
}

// SetLogger sets the logger passed to every client opened afterwards.
func (t *Transport) SetLogger(logger Logger) {
	t.logger = logger
}

// Open builds a client for cfg and registers it under cfg.Name, replacing
// (and disconnecting) any previous client of that name.
func (t *Transport) Open(cfg broker.Config) (*Client, error) {
	c, err := NewClient(cfg, t.opts)
	if err != nil {
		return nil, err
	}
	if t.logger != nil {
		c.SetLogger(t.logger)
	}

	t.mu.Lock()
	old := t.clients[cfg.Name]
	t.clients[cfg.Name] = c
	t.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	return c, nil
}

// Close disconnects and forgets the named client.
func (t *Transport) Close(name string) {
	t.mu.Lock()
	c := t.clients[name]
	delete(t.clients, name)
	t.mu.Unlock()

	if c != nil {
		c.Disconnect()
	}
}

// Client returns the named client.
func (t *Transport) Client(name string) (*Client, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.clients[name]
	return c, ok
}

// Publish sends m through its broker's client.
func (t *Transport) Publish(ctx context.Context, brokerName string, m slot.Message) error {
	c, ok := t.Client(brokerName)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBroker, brokerName)
	}
	return c.Publish(ctx, m.Topic, m.Payload, m.QoS, m.Retain)
}
