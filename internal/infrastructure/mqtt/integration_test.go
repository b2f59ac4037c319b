//go:build integration

package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/Codarn/pg-mqtt-pub/internal/broker"
	"github.com/Codarn/pg-mqtt-pub/internal/slot"
)

// Integration tests against a real broker.
// These tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationBroker(clientID string) broker.Config {
	return broker.Config{
		Name:     "local",
		Host:     "127.0.0.1",
		Port:     1883,
		ClientID: clientID,
	}
}

func dialOrSkip(t *testing.T, tr *Transport, cfg broker.Config) *Client {
	t.Helper()
	c, err := tr.Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Skipf("no broker at %s: %v", cfg.Address(), err)
	}
	t.Cleanup(func() { tr.Close(cfg.Name) })
	return c
}

func TestIntegration_PublishQoSLevels(t *testing.T) {
	tr := NewTransport(Options{PublishTimeout: 2 * time.Second})
	dialOrSkip(t, tr, integrationBroker("mqttpub-int-qos"))

	for qos := byte(0); qos <= 2; qos++ {
		msg := slot.Message{Broker: "local", Topic: "mqttpub/int/qos", Payload: []byte{qos}, QoS: qos}
		if err := tr.Publish(context.Background(), "local", msg); err != nil {
			t.Errorf("Publish(qos %d) error = %v", qos, err)
		}
	}
}

func TestIntegration_DisconnectStopsPublishing(t *testing.T) {
	tr := NewTransport(Options{})
	c := dialOrSkip(t, tr, integrationBroker("mqttpub-int-disconnect"))

	lost := make(chan error, 1)
	c.SetOnConnectionLost(func(err error) {
		select {
		case lost <- err:
		default:
		}
	})

	c.Disconnect()
	if err := c.Publish(context.Background(), "mqttpub/int/after", nil, 1, false); err == nil {
		t.Error("Publish() after Disconnect succeeded")
	}
	// A requested disconnect is not a lost connection.
	select {
	case err := <-lost:
		t.Errorf("connection lost callback fired on Disconnect: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
