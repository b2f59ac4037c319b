package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// Publish sends one message and waits for the broker's confirmation.
//
// QoS Levels:
//   - 0: At most once (confirmed once written to the socket)
//   - 1: At least once (confirmed by PUBACK)
//   - 2: Exactly once (confirmed by PUBCOMP)
//
// The wait is bounded by ctx and the configured publish timeout; expiry is
// reported as ErrTimeout and counts as a failure for the circuit breaker.
// While the breaker is open Publish fails fast with ErrCircuitOpen.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.publish(ctx, topic, payload, qos, retained)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: broker %s", ErrCircuitOpen, c.name)
	}
	return err
}

func (c *Client) publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if payload == nil {
		payload = []byte{}
	}

	timer := time.NewTimer(c.opts.PublishTimeout)
	defer timer.Stop()

	token := c.client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
	case <-timer.C:
		return fmt.Errorf("%w: %w after %v", ErrPublishFailed, ErrTimeout, c.opts.PublishTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPublishFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}
