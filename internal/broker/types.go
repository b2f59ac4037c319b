package broker

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Registry bounds.
const (
	// MaxBrokers is the number of broker slots in a registry.
	MaxBrokers = 8

	// MaxNameLen matches the broker name field of an encoded slot.
	MaxNameLen = 31

	// MaxHostLen bounds Config.Host.
	MaxHostLen = 255

	// MaxCredentialLen bounds Config.Username and Config.Password.
	MaxCredentialLen = 255

	// MaxPathLen bounds the TLS file paths.
	MaxPathLen = 1023

	// MaxLastErrorLen bounds State.LastError; longer messages are truncated.
	MaxLastErrorLen = 255

	// DefaultName is the broker used when configuration names none.
	DefaultName = "default"
)

// ConnState is the connection state of one broker.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the lower-case state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// transitions is the exhaustive table of allowed connection state changes.
//
//	DISCONNECTED -> CONNECTING | ERROR
//	CONNECTING   -> CONNECTED | ERROR | DISCONNECTED (shutdown mid-dial)
//	CONNECTED    -> DISCONNECTED | ERROR
//	ERROR        -> CONNECTING | ERROR | DISCONNECTED (shutdown while failed)
var transitions = map[ConnState]map[ConnState]bool{
	StateDisconnected: {StateConnecting: true, StateError: true},
	StateConnecting:   {StateConnected: true, StateError: true, StateDisconnected: true},
	StateConnected:    {StateDisconnected: true, StateError: true},
	StateError:        {StateConnecting: true, StateError: true, StateDisconnected: true},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to ConnState) bool {
	return transitions[from][to]
}

// Config identifies one broker and how to reach it.
type Config struct {
	Name       string
	Host       string
	Port       int
	Username   string
	Password   string
	TLS        bool
	CACert     string
	ClientCert string
	ClientKey  string

	// ClientID is the MQTT client identifier. Empty means "mqttpub-<name>".
	ClientID string

	// Active marks an occupied registry slot.
	Active bool
}

// Validate checks bounded lengths and required fields. Over-long values are
// rejected, never truncated.
func (c Config) Validate() error {
	var errs []string

	switch {
	case c.Name == "":
		errs = append(errs, "name is required")
	case len(c.Name) > MaxNameLen:
		errs = append(errs, fmt.Sprintf("name exceeds %d bytes", MaxNameLen))
	}

	switch {
	case c.Host == "":
		errs = append(errs, "host is required")
	case len(c.Host) > MaxHostLen:
		errs = append(errs, fmt.Sprintf("host exceeds %d bytes", MaxHostLen))
	}

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if len(c.Username) > MaxCredentialLen || len(c.Password) > MaxCredentialLen {
		errs = append(errs, fmt.Sprintf("credentials exceed %d bytes", MaxCredentialLen))
	}
	for _, p := range []string{c.CACert, c.ClientCert, c.ClientKey} {
		if len(p) > MaxPathLen {
			errs = append(errs, fmt.Sprintf("tls path exceeds %d bytes", MaxPathLen))
			break
		}
	}
	if c.TLS && (c.ClientCert == "") != (c.ClientKey == "") {
		errs = append(errs, "client_cert and client_key must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w %q: %s", ErrInvalidConfig, c.Name, strings.Join(errs, "; "))
	}
	return nil
}

// EffectiveClientID returns ClientID or a name-derived default.
func (c Config) EffectiveClientID() string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return "mqttpub-" + c.Name
}

// Address returns host:port.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// State is the mutable runtime status of one broker.
//
// Counters are atomics written by the drain worker. Connection fields are
// written by the broker's connection supervisor through Registry.Transition.
type State struct {
	mu                sync.RWMutex
	conn              ConnState
	connectedSince    time.Time
	disconnectedSince time.Time
	lastError         string

	sent         atomic.Uint64
	failed       atomic.Uint64
	deadLettered atomic.Uint64
	depth        atomic.Int64
}

// Conn returns the current connection state.
func (s *State) Conn() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Healthy reports whether the broker is CONNECTED.
func (s *State) Healthy() bool {
	return s.Conn() == StateConnected
}

// RecordSent counts one acknowledged publish and releases its depth.
func (s *State) RecordSent() {
	s.sent.Add(1)
	s.releaseDepth()
}

// RecordFailure counts one failed publish attempt. Depth is unchanged
// because the message is still queued for retry.
func (s *State) RecordFailure() {
	s.failed.Add(1)
}

// RecordDeadLetter counts one dead-lettered message and releases its depth.
func (s *State) RecordDeadLetter() {
	s.deadLettered.Add(1)
	s.releaseDepth()
}

// AddDepth adjusts the approximate in-flight depth by n.
func (s *State) AddDepth(n int64) {
	s.depth.Add(n)
}

func (s *State) releaseDepth() {
	if s.depth.Add(-1) < 0 {
		s.depth.Store(0)
	}
}

// Depth returns the approximate number of queued messages for this broker.
func (s *State) Depth() int64 {
	return s.depth.Load()
}

// transition applies to, stamping timestamps. Returns the previous state.
func (s *State) transition(to ConnState, cause error, now time.Time) (ConnState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.conn
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	s.conn = to
	switch to {
	case StateConnected:
		s.lastError = ""
		s.disconnectedSince = time.Time{}
		s.connectedSince = now
	case StateError:
		if from != StateError || s.disconnectedSince.IsZero() {
			s.disconnectedSince = now
		}
		s.connectedSince = time.Time{}
		if cause != nil {
			s.lastError = truncate(cause.Error(), MaxLastErrorLen)
		}
	case StateDisconnected:
		s.disconnectedSince = now
		s.connectedSince = time.Time{}
	case StateConnecting:
		// dial in progress; timestamps keep describing the last outage
	}
	return from, nil
}

// truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// Stats is a point-in-time copy of one broker's config and state.
// The password is never included.
type Stats struct {
	Name                 string    `json:"name"`
	Host                 string    `json:"host"`
	Port                 int       `json:"port"`
	TLS                  bool      `json:"tls"`
	State                string    `json:"state"`
	MessagesSent         uint64    `json:"messages_sent"`
	MessagesFailed       uint64    `json:"messages_failed"`
	MessagesDeadLettered uint64    `json:"messages_dead_lettered"`
	QueueDepth           int64     `json:"queue_depth"`
	ConnectedSince       time.Time `json:"connected_since,omitzero"`
	DisconnectedSince    time.Time `json:"disconnected_since,omitzero"`
	LastError            string    `json:"last_error,omitempty"`
}

func (s *State) stats(cfg Config) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Name:                 cfg.Name,
		Host:                 cfg.Host,
		Port:                 cfg.Port,
		TLS:                  cfg.TLS,
		State:                s.conn.String(),
		MessagesSent:         s.sent.Load(),
		MessagesFailed:       s.failed.Load(),
		MessagesDeadLettered: s.deadLettered.Load(),
		QueueDepth:           s.depth.Load(),
		ConnectedSince:       s.connectedSince,
		DisconnectedSince:    s.disconnectedSince,
		LastError:            s.lastError,
	}
}
