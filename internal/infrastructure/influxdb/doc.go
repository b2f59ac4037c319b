// Package influxdb exports delivery telemetry to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Three measurements
// are written:
//
//   - broker_stats: per broker, every stats interval (sent, failed,
//     dead_lettered, queue_depth, state)
//   - delivery: process-wide, every stats interval (mode, queue_depth,
//     outbox_pending, dead_lettered_total)
//   - mode_change: one point per hot/cold transition
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	modes.OnChange(client.WriteModeChange)
//	go client.RunStats(ctx, state, time.Duration(cfg.InfluxDB.StatsInterval)*time.Second)
//
// # Error Handling
//
// Writes are non-blocking and batched (batch_size, flush_interval). Batch
// failures never reach the delivery path; they are reported through the
// SetOnError callback.
package influxdb
