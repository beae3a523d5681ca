package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// DefaultMaxMessageBytes is the frame size ceiling (header + payload)
// applied when a codec is constructed with maxMessageBytes <= 0.
const DefaultMaxMessageBytes = 10 * 1024 * 1024

const frameHeaderSize = 4

// Codec encodes Messages to length-prefixed JSON frames and decodes
// them back, enforcing a maximum frame size.
type Codec struct {
	maxMessageBytes uint32
	maxDepth        int
	maxListItems    int
}

func NewCodec(maxMessageBytes int) *Codec {
	max := DefaultMaxMessageBytes
	if maxMessageBytes > 0 {
		max = maxMessageBytes
	}
	return &Codec{maxMessageBytes: uint32(max)}
}

// SetSerializerLimits bounds how deep and how wide a Value tree
// Encode will let through before a pathological object graph ever
// reaches the wire. Zero disables the corresponding limit. Unset (the
// default), both limits are zero: Encode marshals Values as-is.
func (c *Codec) SetSerializerLimits(maxDepth, maxListItems int) {
	c.maxDepth = maxDepth
	c.maxListItems = maxListItems
}

// Encode serializes m to a length-prefixed frame: a big-endian u32
// payload length followed by the UTF-8 JSON payload.
func (c *Codec) Encode(m Message) ([]byte, error) {
	if c.maxDepth > 0 || c.maxListItems > 0 {
		m = m.truncated(c.maxDepth, c.maxListItems)
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode message: %w", err)
	}

	total := frameHeaderSize + len(payload)
	if uint32(total) > c.maxMessageBytes || total < 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}

	frame := make([]byte, frameHeaderSize, total)
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	return frame, nil
}

// Decode parses a single complete frame's payload bytes (without the
// length header) into a Message.
func (c *Codec) Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
