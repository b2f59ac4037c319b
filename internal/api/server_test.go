package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Codarn/pg-mqtt-pub/internal/broker"
	"github.com/Codarn/pg-mqtt-pub/internal/delivery"
	"github.com/Codarn/pg-mqtt-pub/internal/infrastructure/config"
	"github.com/Codarn/pg-mqtt-pub/internal/infrastructure/database"
	"github.com/Codarn/pg-mqtt-pub/internal/infrastructure/logging"
	"github.com/Codarn/pg-mqtt-pub/internal/outbox"
	"github.com/Codarn/pg-mqtt-pub/internal/ringbuf"
	"github.com/Codarn/pg-mqtt-pub/internal/supervisor"
	_ "github.com/Codarn/pg-mqtt-pub/migrations" // registers schema
)

// fakeConnections counts Sync calls.
type fakeConnections struct {
	mu    sync.Mutex
	syncs int
}

func (f *fakeConnections) Sync() error {
	f.mu.Lock()
	f.syncs++
	f.mu.Unlock()
	return nil
}

func (f *fakeConnections) Stats() []supervisor.Stats {
	return []supervisor.Stats{{Name: broker.DefaultName, State: "connected", Running: true}}
}

func (f *fakeConnections) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs
}

// fakeDatabase fails health checks with err.
type fakeDatabase struct{ err error }

func (f fakeDatabase) HealthCheck(context.Context) error { return f.err }

type fixture struct {
	srv     *Server
	handler http.Handler
	db      *database.DB
	store   *outbox.SQLiteStore
	state   *delivery.State
	modes   *delivery.ModeController
	conns   *fakeConnections
}

// testServer creates a Server over a real SQLite outbox with one
// registered broker named "default".
func testServer(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: filepath.Join(t.TempDir(), "api.db"), WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	reg := broker.NewRegistry()
	if _, err := reg.Add(broker.Config{Name: broker.DefaultName, Host: "127.0.0.1", Port: 1883, Password: "hunter2"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	q, err := ringbuf.New(16)
	if err != nil {
		t.Fatalf("ringbuf.New() error = %v", err)
	}

	store := outbox.NewSQLiteStore(db.DB)
	state := delivery.NewState(reg, q, store)
	modes := delivery.NewModeController(state)
	modes.Attach()
	conns := &fakeConnections{}

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	deps := Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		Logger:      log,
		State:       state,
		Router:      delivery.NewRouter(state, modes),
		Modes:       modes,
		Sweeper:     delivery.NewSweeper(store, 24*time.Hour),
		Connections: conns,
		Database:    db,
		Version:     "test",
	}
	for _, m := range mutate {
		m(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	return &fixture{
		srv:     srv,
		handler: srv.buildRouter(),
		db:      db,
		store:   store,
		state:   state,
		modes:   modes,
		conns:   conns,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

// connect moves the named broker to CONNECTED so messages take the hot path.
func (f *fixture) connect(t *testing.T, name string) {
	t.Helper()
	for _, to := range []broker.ConnState{broker.StateConnecting, broker.StateConnected} {
		if err := f.state.Registry.Transition(name, to, nil); err != nil {
			t.Fatalf("Transition(%s) error = %v", to, err)
		}
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return resp
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() with no deps error = nil, want error")
	}
}

func TestHealth(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	resp := decode(t, w)
	// No worker is running in this fixture.
	if resp["status"] != "degraded" || resp["database"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}
}

func TestHealth_DatabaseDown(t *testing.T) {
	f := testServer(t, func(d *Deps) { d.Database = fakeDatabase{err: errors.New("disk I/O error")} })

	w := f.do(t, http.MethodGet, "/api/v1/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", w.Code)
	}
	if resp := decode(t, w); resp["status"] != "unhealthy" {
		t.Errorf("status = %v, want unhealthy", resp["status"])
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/health", nil)
	if _, err := uuid.Parse(w.Header().Get("X-Request-ID")); err != nil {
		t.Errorf("X-Request-ID = %q, want a UUID", w.Header().Get("X-Request-ID"))
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/health", nil, "X-Request-ID", "client-123")
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodOptions, "/api/v1/health", nil, "Origin", "http://localhost:3000")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	f := testServer(t, func(d *Deps) { d.Config.CORS.AllowedOrigins = []string{"https://admin.example"} })

	w := f.do(t, http.MethodGet, "/api/v1/health", nil, "Origin", "https://evil.example")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO = %q, want empty", got)
	}
}

func TestNotFound(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAuth(t *testing.T) {
	f := testServer(t, func(d *Deps) { d.Config.AuthToken = "s3cret" })

	tests := []struct {
		name   string
		path   string
		header []string
		want   int
	}{
		{"health is open", "/api/v1/health", nil, http.StatusOK},
		{"status without token", "/api/v1/status", nil, http.StatusUnauthorized},
		{"status wrong token", "/api/v1/status", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"status wrong scheme", "/api/v1/status", []string{"Authorization", "Basic s3cret"}, http.StatusUnauthorized},
		{"status with token", "/api/v1/status", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodGet, tt.path, nil, tt.header...)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

// ─── Status Tests ──────────────────────────────────────────────────

func TestStatus(t *testing.T) {
	f := testServer(t)
	f.connect(t, broker.DefaultName)

	w := f.do(t, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Mode != "hot" || resp.QueueCapacity != 16 || resp.Version != "test" {
		t.Errorf("status = %+v", resp)
	}
	if len(resp.Brokers) != 1 || resp.Brokers[0].State != "connected" {
		t.Errorf("brokers = %+v", resp.Brokers)
	}
	if len(resp.Supervisors) != 1 {
		t.Errorf("supervisors = %+v", resp.Supervisors)
	}
	if strings.Contains(w.Body.String(), "hunter2") {
		t.Error("status leaks the broker password")
	}
}

// ─── Publish Tests ─────────────────────────────────────────────────

func TestPublish(t *testing.T) {
	f := testServer(t)

	tests := []struct {
		name      string
		connected bool
		body      any
		want      int
		wantPath  string
	}{
		{
			name:      "hot when connected",
			connected: true,
			body:      PublishRequest{Broker: "default", Topic: "sensors/1", Payload: "21.5", QoS: 1},
			want:      http.StatusAccepted,
			wantPath:  "hot",
		},
		{
			name:     "cold while disconnected",
			body:     PublishRequest{Broker: "default", Topic: "sensors/1", PayloadBase64: []byte{0x00, 0xff}},
			want:     http.StatusAccepted,
			wantPath: "cold",
		},
		{
			name: "unknown broker",
			body: PublishRequest{Broker: "nope", Topic: "sensors/1"},
			want: http.StatusNotFound,
		},
		{
			name: "empty topic",
			body: PublishRequest{Broker: "default"},
			want: http.StatusBadRequest,
		},
		{
			name: "invalid qos",
			body: PublishRequest{Broker: "default", Topic: "t", QoS: 3},
			want: http.StatusBadRequest,
		},
		{
			name: "wildcard topic",
			body: PublishRequest{Broker: "default", Topic: "sensors/+"},
			want: http.StatusBadRequest,
		},
		{
			name: "invalid JSON",
			body: "{not json",
			want: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.connected {
				f.connect(t, broker.DefaultName)
				defer func() {
					if err := f.state.Registry.Transition(broker.DefaultName, broker.StateDisconnected, nil); err != nil {
						t.Fatalf("Transition() error = %v", err)
					}
				}()
			}

			w := f.do(t, http.MethodPost, "/api/v1/publish", tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			if tt.wantPath != "" {
				if got := decode(t, w)["path"]; got != tt.wantPath {
					t.Errorf("path = %v, want %s", got, tt.wantPath)
				}
			}
		})
	}

	if got := f.state.OutboxPending(); got != 1 {
		t.Errorf("outbox pending = %d, want 1", got)
	}
}

func TestPublish_StorageFailure(t *testing.T) {
	f := testServer(t)
	if err := f.db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	w := f.do(t, http.MethodPost, "/api/v1/publish", PublishRequest{Broker: "default", Topic: "t", Payload: "x"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ─── Broker CRUD Tests ─────────────────────────────────────────────

func TestBrokers_CRUD(t *testing.T) {
	f := testServer(t)

	// Create
	w := f.do(t, http.MethodPost, "/api/v1/brokers", BrokerRequest{Name: "edge", Host: "mqtt.local", Password: "pw"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	created := decode(t, w)
	if created["port"] != float64(1883) {
		t.Errorf("port = %v, want default 1883", created["port"])
	}
	if strings.Contains(w.Body.String(), "pw") {
		t.Error("create response leaks the password")
	}
	if f.conns.count() != 1 {
		t.Errorf("Sync calls = %d, want 1", f.conns.count())
	}
	// A new, unconnected broker forces cold mode.
	if f.state.Mode() != delivery.ModeCold {
		t.Errorf("mode = %s, want cold", f.state.Mode())
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"duplicate", http.MethodPost, "/api/v1/brokers", BrokerRequest{Name: "edge", Host: "h"}, http.StatusConflict},
		{"missing host", http.MethodPost, "/api/v1/brokers", BrokerRequest{Name: "x"}, http.StatusBadRequest},
		{"invalid JSON", http.MethodPost, "/api/v1/brokers", "[", http.StatusBadRequest},
		{"get", http.MethodGet, "/api/v1/brokers/edge", nil, http.StatusOK},
		{"get missing", http.MethodGet, "/api/v1/brokers/missing", nil, http.StatusNotFound},
		{"update", http.MethodPut, "/api/v1/brokers/edge", BrokerRequest{Host: "mqtt.local", Port: 1884}, http.StatusOK},
		{"update missing", http.MethodPut, "/api/v1/brokers/missing", BrokerRequest{Host: "h"}, http.StatusNotFound},
		{"delete", http.MethodDelete, "/api/v1/brokers/edge", nil, http.StatusNoContent},
		{"delete missing", http.MethodDelete, "/api/v1/brokers/edge", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	w = f.do(t, http.MethodGet, "/api/v1/brokers", nil)
	if resp := decode(t, w); resp["count"] != float64(1) {
		t.Errorf("count after delete = %v, want 1", resp["count"])
	}
	// create, update, delete
	if f.conns.count() != 3 {
		t.Errorf("Sync calls = %d, want 3", f.conns.count())
	}
}

func TestBrokers_DeleteBusy(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodPost, "/api/v1/publish", PublishRequest{Broker: "default", Topic: "t", Payload: "x"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("publish status = %d", w.Code)
	}

	w = f.do(t, http.MethodDelete, "/api/v1/brokers/default", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("delete status = %d, want 409", w.Code)
	}
	w = f.do(t, http.MethodPut, "/api/v1/brokers/default", BrokerRequest{Host: "other"})
	if w.Code != http.StatusConflict {
		t.Errorf("update status = %d, want 409", w.Code)
	}
}

// ─── Dead Letter Tests ─────────────────────────────────────────────

func TestDeadLetters(t *testing.T) {
	f := testServer(t)
	ctx := context.Background()

	for _, age := range []time.Duration{48 * time.Hour, time.Minute, time.Second} {
		if err := f.store.DeadLetter(ctx, outbox.DeadLetter{
			Broker:         "default",
			Topic:          "t",
			Reason:         outbox.ReasonMaxAttempts,
			DeadLetteredAt: time.Now().Add(-age),
		}); err != nil {
			t.Fatalf("DeadLetter() error = %v", err)
		}
	}

	w := f.do(t, http.MethodGet, "/api/v1/dead-letters?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if resp := decode(t, w); resp["count"] != float64(2) {
		t.Errorf("count = %v, want 2", resp["count"])
	}

	for _, bad := range []string{"abc", "0", "-3"} {
		if w := f.do(t, http.MethodGet, "/api/v1/dead-letters?limit="+bad, nil); w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", bad, w.Code)
		}
	}

	w = f.do(t, http.MethodPost, "/api/v1/dead-letters/sweep", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sweep status = %d", w.Code)
	}
	if resp := decode(t, w); resp["purged"] != float64(1) {
		t.Errorf("purged = %v, want 1", resp["purged"])
	}

	// Idempotent.
	w = f.do(t, http.MethodPost, "/api/v1/dead-letters/sweep", nil)
	if resp := decode(t, w); resp["purged"] != float64(0) {
		t.Errorf("second sweep purged = %v, want 0", resp["purged"])
	}
}

// ─── Metrics & Lifecycle Tests ─────────────────────────────────────

func TestMetricsEndpoint(t *testing.T) {
	f := testServer(t, func(d *Deps) {
		d.Config.AuthToken = "s3cret"
		d.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("mqttpub_ring_full_total 0\n")) //nolint:errcheck // Test handler
		})
	})

	w := f.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "mqttpub_ring_full_total") {
		t.Errorf("metrics status = %d body = %q", w.Code, w.Body.String())
	}
}

func TestServer_StartAndClose(t *testing.T) {
	f := testServer(t)

	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	addr := f.srv.Addr()
	if addr == "" {
		t.Fatal("Addr() empty after Start")
	}

	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check status = %d, want 200", resp.StatusCode)
	}

	if err := f.srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if _, err := http.Get("http://" + addr + "/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}
