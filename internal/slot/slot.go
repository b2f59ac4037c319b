package slot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Wire constants.
const (
	// Magic tags every encoded slot for corruption detection ("MQ").
	Magic uint16 = 0x4D51

	// Size is the fixed size of one encoded slot in bytes.
	Size = 2048

	// HeaderSize is the fixed header preceding topic and payload bytes.
	HeaderSize = offData

	// DataCapacity is the number of bytes available for topic + payload.
	DataCapacity = Size - HeaderSize

	// FlagQoSMask selects the QoS bits of the flags byte.
	FlagQoSMask = 0x03

	// FlagRetain marks a retained publish.
	FlagRetain = 0x04
)

// Message limits. These bound what any path accepts, not just the hot path.
const (
	// brokerField is the on-slot width of the broker name including its NUL.
	brokerField = 32

	// MaxBrokerNameLen is the longest broker name that fits the slot field.
	MaxBrokerNameLen = brokerField - 1

	// MaxTopicLen is the longest accepted topic.
	MaxTopicLen = 1024

	// MaxPayloadLen is the largest accepted payload (256 KiB).
	MaxPayloadLen = 256 * 1024

	// MaxQoS is the highest MQTT QoS level.
	MaxQoS = 2
)

// Header field offsets.
const (
	offMagic      = 0
	offFlags      = 2
	offBroker     = 3
	offTopicLen   = offBroker + brokerField
	offPayloadLen = offTopicLen + 2
	offSeq        = offPayloadLen + 4
	offData       = offSeq + 8
)

// Message is one unit of outbound work addressed to a single broker.
type Message struct {
	Broker  string
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool

	// Seq orders messages process-wide. Assigned by the router; zero means
	// "not yet sequenced".
	Seq uint64
}

// Flags packs QoS and retain into the slot flags byte.
func (m Message) Flags() byte {
	f := m.QoS & FlagQoSMask
	if m.Retain {
		f |= FlagRetain
	}
	return f
}

// Fits reports whether the message can be carried in a single slot.
func (m Message) Fits() bool {
	return len(m.Topic)+len(m.Payload) <= DataCapacity
}

// Validate checks the hard limits every message must satisfy regardless of
// which delivery path it takes.
func (m Message) Validate() error {
	switch {
	case m.Broker == "":
		return fmt.Errorf("%w: broker name is required", ErrInvalidMessage)
	case len(m.Broker) > MaxBrokerNameLen:
		return fmt.Errorf("%w: broker name exceeds %d bytes", ErrInvalidMessage, MaxBrokerNameLen)
	case m.Topic == "":
		return fmt.Errorf("%w: topic is required", ErrInvalidMessage)
	case len(m.Topic) > MaxTopicLen:
		return fmt.Errorf("%w: topic length %d exceeds %d", ErrInvalidMessage, len(m.Topic), MaxTopicLen)
	case strings.ContainsAny(m.Topic, "+#"):
		return fmt.Errorf("%w: topic %q contains a wildcard", ErrInvalidMessage, m.Topic)
	case strings.IndexByte(m.Topic, 0) >= 0:
		return fmt.Errorf("%w: topic contains NUL", ErrInvalidMessage)
	case len(m.Payload) > MaxPayloadLen:
		return fmt.Errorf("%w: payload length %d exceeds %d", ErrInvalidMessage, len(m.Payload), MaxPayloadLen)
	case m.QoS > MaxQoS:
		return fmt.Errorf("%w: qos %d", ErrInvalidMessage, m.QoS)
	}
	return nil
}

// Encode returns a newly allocated Size-byte slot holding m.
func Encode(m Message) ([]byte, error) {
	buf := make([]byte, Size)
	if err := EncodeInto(buf, m); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeInto writes m into dst, which must be at least Size bytes.
// Unused data bytes are left untouched.
func EncodeInto(dst []byte, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if !m.Fits() {
		return fmt.Errorf("%w: %d bytes of topic+payload, capacity %d",
			ErrTooLarge, len(m.Topic)+len(m.Payload), DataCapacity)
	}
	if len(dst) < Size {
		return fmt.Errorf("slot: destination buffer %d bytes, need %d", len(dst), Size)
	}

	binary.BigEndian.PutUint16(dst[offMagic:], Magic)
	dst[offFlags] = m.Flags()

	name := dst[offBroker : offBroker+brokerField]
	n := copy(name, m.Broker)
	clear(name[n:])

	binary.BigEndian.PutUint16(dst[offTopicLen:], uint16(len(m.Topic)))     // #nosec G115 -- bounded by MaxTopicLen
	binary.BigEndian.PutUint32(dst[offPayloadLen:], uint32(len(m.Payload))) // #nosec G115 -- bounded by DataCapacity
	binary.BigEndian.PutUint64(dst[offSeq:], m.Seq)

	n = copy(dst[offData:], m.Topic)
	copy(dst[offData+n:], m.Payload)
	return nil
}

// Decode parses a slot back into a Message. Topic and payload are copied,
// so the slot buffer may be reused immediately.
func Decode(src []byte) (Message, error) {
	if len(src) < HeaderSize {
		return Message{}, fmt.Errorf("%w: %d bytes is shorter than header", ErrCorrupt, len(src))
	}
	if magic := binary.BigEndian.Uint16(src[offMagic:]); magic != Magic {
		return Message{}, fmt.Errorf("%w: magic 0x%04X", ErrCorrupt, magic)
	}

	flags := src[offFlags]
	qos := flags & FlagQoSMask
	if qos > MaxQoS {
		return Message{}, fmt.Errorf("%w: qos bits %d", ErrCorrupt, qos)
	}

	name := src[offBroker : offBroker+brokerField]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	topicLen := int(binary.BigEndian.Uint16(src[offTopicLen:]))
	payloadLen := int(binary.BigEndian.Uint32(src[offPayloadLen:]))
	if topicLen == 0 || topicLen+payloadLen > len(src)-HeaderSize {
		return Message{}, fmt.Errorf("%w: lengths topic=%d payload=%d", ErrCorrupt, topicLen, payloadLen)
	}

	data := src[offData:]
	m := Message{
		Broker:  string(name),
		Topic:   string(data[:topicLen]),
		Payload: bytes.Clone(data[topicLen : topicLen+payloadLen]),
		QoS:     qos,
		Retain:  flags&FlagRetain != 0,
		Seq:     binary.BigEndian.Uint64(src[offSeq:]),
	}
	if m.Payload == nil {
		m.Payload = []byte{}
	}
	return m, nil
}
