package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Codarn/pg-mqtt-pub/internal/broker"
)

// fakeFactory hands out fakeDialers and records Open/Close calls.
type fakeFactory struct {
	mu      sync.Mutex
	opened  map[string]int
	closed  map[string]int
	failFor map[string]error
	dialers map[string]*fakeDialer
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		opened:  map[string]int{},
		closed:  map[string]int{},
		failFor: map[string]error{},
		dialers: map[string]*fakeDialer{},
	}
}

func (f *fakeFactory) Open(cfg broker.Config) (Dialer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[cfg.Name]; err != nil {
		return nil, err
	}
	f.opened[cfg.Name]++
	d := &fakeDialer{}
	f.dialers[cfg.Name] = d
	return d, nil
}

func (f *fakeFactory) Close(name string) {
	f.mu.Lock()
	f.closed[name]++
	f.mu.Unlock()
}

func (f *fakeFactory) counts(name string) (opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[name], f.closed[name]
}

func TestGroup_StartSyncStop(t *testing.T) {
	reg, _ := newRegistry(t, "a", "b")
	factory := newFakeFactory()
	g := NewGroup(reg, factory, fastConfig)

	// Sync before Start does nothing.
	if err := g.Sync(); err != nil {
		t.Fatalf("Sync() before Start error = %v", err)
	}
	if o, _ := factory.counts("a"); o != 0 {
		t.Fatalf("opened %d dialers before Start", o)
	}

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := g.Start(context.Background()); err == nil {
		t.Error("second Start() error = nil, want error")
	}
	waitFor(t, "all connected", reg.AllHealthy)

	// Add c.
	if _, err := reg.Add(broker.Config{Name: "c", Host: "127.0.0.1", Port: 1883}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := g.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	waitFor(t, "c connected", func() bool { return reg.Healthy("c") })

	// Update a: its supervisor is rebuilt.
	if err := reg.Update(broker.Config{Name: "a", Host: "127.0.0.1", Port: 1884}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := g.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if o, c := factory.counts("a"); o != 2 || c != 1 {
		t.Errorf("a opened %d closed %d, want 2 and 1", o, c)
	}
	waitFor(t, "a reconnected", func() bool { return reg.Healthy("a") })

	// Remove b.
	if err := reg.Remove("b"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := g.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if _, c := factory.counts("b"); c != 1 {
		t.Errorf("b closed %d times, want 1", c)
	}

	stats := g.Stats()
	if len(stats) != 2 || stats[0].Name != "a" || stats[1].Name != "c" {
		t.Errorf("Stats() = %+v, want a and c", stats)
	}

	g.Stop()
	for _, name := range []string{"a", "c"} {
		if got := connState(reg, name); got != broker.StateDisconnected {
			t.Errorf("%s state after Stop = %s, want disconnected", name, got)
		}
	}
	if len(g.Stats()) != 0 {
		t.Error("Stats() not empty after Stop")
	}

	// Restartable.
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() after Stop error = %v", err)
	}
	g.Stop()
}

func TestGroup_OpenFailureMarksBrokerFailed(t *testing.T) {
	reg, _ := newRegistry(t, "good", "bad")
	factory := newFakeFactory()
	loadErr := errors.New("reading ca_cert: no such file")
	factory.failFor["bad"] = loadErr
	g := NewGroup(reg, factory, fastConfig)
	defer g.Stop()

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := connState(reg, "bad"); got != broker.StateError {
		t.Errorf("bad state = %s, want error", got)
	}
	waitFor(t, "good connected", func() bool { return reg.Healthy("good") })

	// Sync retries and reports the broker that still cannot be opened.
	if err := g.Sync(); !errors.Is(err, loadErr) {
		t.Errorf("Sync() error = %v, want %v", err, loadErr)
	}

	delete(factory.failFor, "bad")
	if err := g.Sync(); err != nil {
		t.Fatalf("Sync() after fix error = %v", err)
	}
	waitFor(t, "bad connected", func() bool { return reg.Healthy("bad") })
}
