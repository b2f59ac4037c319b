// Package metrics exposes delivery counters and gauges to Prometheus.
//
// Metrics implements delivery.Recorder; hand it to the router, worker and
// mode controller with SetRecorder. ObserveState adds scrape-time gauges
// for queue depth, outbox backlog, worker liveness and connected brokers.
package metrics
