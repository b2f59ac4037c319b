package mqtt

import (
	"fmt"
	"strings"
)

// maxTopicLen is the MQTT limit on an encoded topic name.
const maxTopicLen = 65535

// ValidateTopic checks that topic is usable as a publish topic name.
//
// Publish topics must be non-empty, must not contain the wildcard
// characters '+' or '#' (those are for subscription filters only) and must
// not contain NUL.
//
// Examples:
//
//	ValidateTopic("sensors/kitchen/temp") // nil
//	ValidateTopic("sensors/+/temp")       // ErrInvalidTopic
func ValidateTopic(topic string) error {
	switch {
	case topic == "":
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	case len(topic) > maxTopicLen:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidTopic, len(topic), maxTopicLen)
	case strings.ContainsAny(topic, "+#"):
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidTopic, topic)
	case strings.ContainsRune(topic, 0):
		return fmt.Errorf("%w: contains NUL", ErrInvalidTopic)
	}
	return nil
}
