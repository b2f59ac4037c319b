package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Codarn/pg-mqtt-pub/internal/delivery"
	"github.com/Codarn/pg-mqtt-pub/internal/outbox"
	"github.com/Codarn/pg-mqtt-pub/internal/slot"
)

// PublishRequest is the body of POST /api/v1/publish.
//
// Payload is sent as UTF-8 text. PayloadBase64 carries binary payloads and
// takes precedence when set.
type PublishRequest struct {
	Broker        string `json:"broker"`
	Topic         string `json:"topic"`
	Payload       string `json:"payload"`
	PayloadBase64 []byte `json:"payload_base64,omitempty"`
	QoS           byte   `json:"qos"`
	Retain        bool   `json:"retain"`
}

// handlePublish routes one message.
//
// 202 with the chosen path when accepted; 400 invalid input; 404 unknown
// broker; 503 when the outbox write failed.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	payload := []byte(req.Payload)
	if req.PayloadBase64 != nil {
		payload = req.PayloadBase64
	}

	path, err := s.router.Route(r.Context(), slot.Message{
		Broker:  req.Broker,
		Topic:   req.Topic,
		Payload: payload,
		QoS:     req.QoS,
		Retain:  req.Retain,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"accepted": true,
			"path":     path,
		})
	case errors.Is(err, slot.ErrInvalidMessage):
		writeBadRequest(w, err.Error())
	case errors.Is(err, delivery.ErrRejected):
		writeNotFound(w, "broker not found")
	case errors.Is(err, outbox.ErrStorage):
		s.logger.Error("publish: outbox write failed", "broker", req.Broker, "error", err)
		writeUnavailable(w, "message could not be stored")
	default:
		s.logger.Error("publish failed", "broker", req.Broker, "error", err)
		writeInternalError(w, "failed to route message")
	}
}
