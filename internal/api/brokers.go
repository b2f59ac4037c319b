package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Codarn/pg-mqtt-pub/internal/broker"
)

// BrokerRequest is the body of broker create and update calls.
type BrokerRequest struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	TLS        bool   `json:"tls"`
	CACert     string `json:"ca_cert"`
	ClientCert string `json:"client_cert"`
	ClientKey  string `json:"client_key"`
	ClientID   string `json:"client_id"`
}

func (b BrokerRequest) config() broker.Config {
	port := b.Port
	if port == 0 {
		port = 1883
		if b.TLS {
			port = 8883
		}
	}
	return broker.Config{
		Name:       b.Name,
		Host:       b.Host,
		Port:       port,
		Username:   b.Username,
		Password:   b.Password,
		TLS:        b.TLS,
		CACert:     b.CACert,
		ClientCert: b.ClientCert,
		ClientKey:  b.ClientKey,
		ClientID:   b.ClientID,
	}
}

// handleListBrokers returns every registered broker with its state.
func (s *Server) handleListBrokers(w http.ResponseWriter, _ *http.Request) {
	brokers := s.state.Registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"brokers": brokers, "count": len(brokers)})
}

// handleGetBroker returns one broker's stats.
func (s *Server) handleGetBroker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, st := range s.state.Registry.Snapshot() {
		if st.Name == name {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeNotFound(w, "broker not found")
}

// handleCreateBroker registers a broker and starts its connection.
func (s *Server) handleCreateBroker(w http.ResponseWriter, r *http.Request) {
	var req BrokerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if _, err := s.state.Registry.Add(req.config()); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.brokersChanged()

	s.logger.Info("broker registered via API", "broker", req.Name)
	s.writeBroker(w, http.StatusCreated, req.Name)
}

// handleUpdateBroker replaces a broker's configuration. The name in the
// path wins over any name in the body.
func (s *Server) handleUpdateBroker(w http.ResponseWriter, r *http.Request) {
	var req BrokerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.Name = chi.URLParam(r, "name")

	if err := s.state.Registry.Update(req.config()); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.brokersChanged()

	s.logger.Info("broker updated via API", "broker", req.Name)
	s.writeBroker(w, http.StatusOK, req.Name)
}

// handleDeleteBroker removes a broker with nothing in flight.
func (s *Server) handleDeleteBroker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := s.state.Registry.Remove(name); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.brokersChanged()

	s.logger.Info("broker removed via API", "broker", name)
	w.WriteHeader(http.StatusNoContent)
}

// brokersChanged re-evaluates the delivery mode and reconciles connections.
func (s *Server) brokersChanged() {
	s.modes.Evaluate()
	if s.connections == nil {
		return
	}
	if err := s.connections.Sync(); err != nil {
		s.logger.Warn("broker connections not fully reconciled", "error", err)
	}
}

func (s *Server) writeBroker(w http.ResponseWriter, status int, name string) {
	for _, st := range s.state.Registry.Snapshot() {
		if st.Name == name {
			writeJSON(w, status, st)
			return
		}
	}
	// Removed concurrently.
	writeNotFound(w, "broker not found")
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrInvalidConfig):
		writeBadRequest(w, err.Error())
	case errors.Is(err, broker.ErrNotFound):
		writeNotFound(w, "broker not found")
	case errors.Is(err, broker.ErrExists),
		errors.Is(err, broker.ErrBusy),
		errors.Is(err, broker.ErrRegistryFull):
		writeConflict(w, err.Error())
	default:
		s.logger.Error("broker registry operation failed", "error", err)
		writeInternalError(w, "broker registry operation failed")
	}
}
