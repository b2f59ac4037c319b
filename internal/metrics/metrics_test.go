package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Codarn/pg-mqtt-pub/internal/broker"
	"github.com/Codarn/pg-mqtt-pub/internal/delivery"
	"github.com/Codarn/pg-mqtt-pub/internal/ringbuf"
	"github.com/Codarn/pg-mqtt-pub/internal/slot"
)

func TestRecorder(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Routed(delivery.PathHot)
	m.Routed(delivery.PathHot)
	m.Routed(delivery.PathCold)
	m.Rejected("too_large")
	m.RingFull()
	m.Published("edge")
	m.PublishFailed("edge")
	m.PublishFailed("edge")
	m.Spilled("cloud")
	m.DeadLettered("cloud", "max attempts")

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"routed hot", m.routed.WithLabelValues("hot"), 2},
		{"routed cold", m.routed.WithLabelValues("cold"), 1},
		{"rejected", m.rejected.WithLabelValues("too_large"), 1},
		{"ring full", m.ringFull, 1},
		{"published", m.published.WithLabelValues("edge"), 1},
		{"publish failures", m.publishFailures.WithLabelValues("edge"), 2},
		{"spilled", m.spilled.WithLabelValues("cloud"), 1},
		{"dead lettered", m.deadLettered.WithLabelValues("cloud", "max attempts"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestModeChanged(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ModeChanged(delivery.ModeCold)
	if got := testutil.ToFloat64(m.modeCold); got != 1 {
		t.Errorf("mode_cold after cold = %v, want 1", got)
	}
	m.ModeChanged(delivery.ModeHot)
	if got := testutil.ToFloat64(m.modeCold); got != 0 {
		t.Errorf("mode_cold after hot = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.modeChanges.WithLabelValues("cold")); got != 1 {
		t.Errorf("mode_changes_total{to=cold} = %v, want 1", got)
	}
}

func TestObserveStateAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	brokers := broker.NewRegistry()
	if _, err := brokers.Add(broker.Config{Name: "edge", Host: "127.0.0.1", Port: 1883}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := brokers.Transition("edge", broker.StateConnecting, nil); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if err := brokers.Transition("edge", broker.StateConnected, nil); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	q, err := ringbuf.New(8)
	if err != nil {
		t.Fatalf("ringbuf.New() error = %v", err)
	}
	if err := q.Push(slot.Message{Broker: "edge", Topic: "a/b", Payload: []byte("x")}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	m.ObserveState(delivery.NewState(brokers, q, nil))
	m.Published("edge")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"mqttpub_queue_depth 1",
		"mqttpub_queue_capacity 8",
		"mqttpub_outbox_pending 0",
		"mqttpub_worker_running 0",
		"mqttpub_brokers_connected 1",
		`mqttpub_published_total{broker="edge"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
