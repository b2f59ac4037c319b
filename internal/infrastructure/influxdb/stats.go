package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/Codarn/pg-mqtt-pub/internal/broker"
	"github.com/Codarn/pg-mqtt-pub/internal/delivery"
)

// Measurement names.
const (
	MeasurementBrokerStats = "broker_stats"
	MeasurementDelivery    = "delivery"
	MeasurementModeChange  = "mode_change"
)

// StatusSource provides the delivery snapshot exported each interval.
type StatusSource interface {
	Status() delivery.Status
}

// WriteBrokerStats writes one broker_stats point tagged by broker.
func (c *Client) WriteBrokerStats(s broker.Stats, at time.Time) {
	c.writePoint(MeasurementBrokerStats,
		map[string]string{
			"broker": s.Name,
		},
		map[string]any{
			"sent":          int64(s.MessagesSent),         // #nosec G115 -- counters stay far below MaxInt64
			"failed":        int64(s.MessagesFailed),       // #nosec G115
			"dead_lettered": int64(s.MessagesDeadLettered), // #nosec G115
			"queue_depth":   s.QueueDepth,
			"state":         s.State,
		},
		at,
	)
}

// WriteDelivery writes the process-wide delivery point.
func (c *Client) WriteDelivery(st delivery.Status, at time.Time) {
	c.writePoint(MeasurementDelivery,
		nil,
		map[string]any{
			"mode":                st.Mode,
			"queue_depth":         int64(st.QueueDepth),
			"outbox_pending":      st.OutboxPending,
			"dead_lettered_total": int64(st.DeadLettered), // #nosec G115
		},
		at,
	)
}

// WriteModeChange records a hot/cold transition.
func (c *Client) WriteModeChange(from, to delivery.Mode, at time.Time) {
	c.writePoint(MeasurementModeChange,
		map[string]string{
			"to": to.String(),
		},
		map[string]any{
			"from": from.String(),
		},
		at,
	)
}

// WriteStatus writes a delivery point and one broker_stats point per broker.
func (c *Client) WriteStatus(st delivery.Status, at time.Time) {
	c.WriteDelivery(st, at)
	for _, b := range st.Brokers {
		c.WriteBrokerStats(b, at)
	}
}

// RunStats writes src's status every interval until ctx is cancelled, then
// flushes.
func (c *Client) RunStats(ctx context.Context, src StatusSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer c.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.WriteStatus(src.Status(), now)
		}
	}
}

func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, at))
}
