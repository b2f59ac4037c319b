// Package mqtt provides the MQTT transport for the delivery engine.
//
// This package manages:
//   - One paho client per configured broker, created disconnected
//   - TLS from CA and client certificate files (TLS 1.2 minimum)
//   - Publishing with QoS confirmation bounded by a timeout
//   - A circuit breaker per broker that fails publishes fast after
//     repeated errors
//
// # Architecture
//
// Reconnection is not handled here. Automatic reconnect is disabled in
// paho; the connection supervisor dials with Client.Connect, probes with
// HealthCheck and learns about drops through SetOnConnectionLost. When the
// breaker opens the same callback fires, so a broker that accepts the
// connection but stops confirming publishes is also marked unhealthy.
//
//	drain worker → Transport.Publish(broker, msg) → Client → broker
//	supervisor   → Client.Connect / HealthCheck / Disconnect
//
// # Security Considerations
//
//   - Use TLS (ssl://) for any broker outside the host
//   - With TLS and no ca_cert the system roots are used
//   - Passwords are never logged
//
// # Usage
//
//	transport := mqtt.NewTransport(mqtt.Options{PublishTimeout: 5 * time.Second})
//	client, err := transport.Open(cfg)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	err = transport.Publish(ctx, cfg.Name, msg)
package mqtt
