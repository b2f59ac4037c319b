package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sony/gobreaker"

	"github.com/Codarn/pg-mqtt-pub/internal/broker"
)

// Client is one broker's MQTT connection.
//
// A Client is created disconnected. Connect dials once; there is no
// automatic reconnection. When the connection drops, or the publish
// circuit breaker opens, the callback registered with SetOnConnectionLost
// is invoked so the owner can mark the broker unhealthy and redial.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	name    string
	opts    Options
	client  pahomqtt.Client
	breaker *gobreaker.CircuitBreaker

	// connected tracks current connection state.
	connected bool
	connMu    sync.RWMutex

	onLost     func(err error)
	callbackMu sync.RWMutex

	// logger for connection and breaker events (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// newPahoClient is replaced in tests.
var newPahoClient = pahomqtt.NewClient

// NewClient builds a disconnected client for cfg.
//
// Returns an error if TLS material named by cfg cannot be loaded.
func NewClient(cfg broker.Config, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	po, err := buildClientOptions(cfg, opts)
	if err != nil {
		return nil, err
	}

	c := &Client{
		name: cfg.Name,
		opts: opts,
	}

	po.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.setConnected(true)
	})
	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleLost(err)
	})

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("mqtt circuit breaker state changed",
					"broker", name,
					"from", from.String(),
					"to", to.String(),
				)
			}
			if to == gobreaker.StateOpen {
				c.notifyLost(ErrCircuitOpen)
			}
		},
	})

	c.client = newPahoClient(po)
	return c, nil
}

// Name returns the broker name this client connects to.
func (c *Client) Name() string {
	return c.name
}

// Connect dials the broker once, bounded by ctx and the connect timeout.
func (c *Client) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		// paho keeps dialling in the background; tear it down.
		c.client.Disconnect(0)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w after %v", ErrConnectionFailed, ErrTimeout, c.opts.ConnectTimeout)
		}
		return fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously; mark connected here so
	// IsConnected is accurate as soon as Connect returns.
	c.setConnected(true)
	return nil
}

// Disconnect closes the connection after a short quiesce for in-flight
// publishes. Calling it on a disconnected client is a no-op.
func (c *Client) Disconnect() {
	if c.client == nil {
		return
	}
	if c.client.IsConnected() {
		c.client.Disconnect(defaultDisconnectQuiesce)
	}
	c.setConnected(false)
}

// HealthCheck verifies the MQTT connection is alive.
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}
	if c.breaker.State() == gobreaker.StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnectionOpen()
}

// SetOnConnectionLost sets a callback invoked when the connection drops or
// the circuit breaker opens. The callback must not block.
func (c *Client) SetOnConnectionLost(callback func(err error)) {
	c.callbackMu.Lock()
	c.onLost = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for connection and breaker events.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

// handleLost is called by paho when the connection drops.
func (c *Client) handleLost(err error) {
	c.setConnected(false)
	if logger := c.getLogger(); logger != nil {
		logger.Warn("mqtt connection lost", "broker", c.name, "error", err)
	}
	c.notifyLost(err)
}

func (c *Client) notifyLost(err error) {
	c.callbackMu.RLock()
	callback := c.onLost
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}
