// Package broker holds the bounded registry of MQTT brokers the publisher
// delivers to, together with each broker's live connection state.
//
// The registry has MaxBrokers fixed slots. Configuration is changed only
// through Add, Update and Remove, which take the registry's config lock.
// Runtime counters (sent, failed, dead-lettered, queue depth) are atomics
// updated by the drain worker without that lock.
//
// Connection state follows an explicit state machine:
//
//	DISCONNECTED -> CONNECTING -> CONNECTED
//	      any    -> ERROR
//	ERROR / DISCONNECTED -> CONNECTING   (reconnect)
//	CONNECTED -> DISCONNECTED            (clean shutdown)
//
// Invalid transitions are rejected with ErrInvalidTransition. Every accepted
// transition is reported to the registered Observer, which the delivery
// mode controller uses to flip between hot and cold delivery.
package broker
