package wire

import "encoding/binary"

// FrameResult is one outcome of draining a StreamBuffer: either a
// successfully decoded Message, or a decode error for a frame that was
// structurally complete but contained malformed JSON or an unknown
// request kind. A decode error never poisons subsequent frames — the
// buffer has already advanced past the bad frame by the time it's
// reported.
type FrameResult struct {
	Message Message
	Err     error
}

// StreamBuffer accumulates raw bytes from a byte-stream connection and
// peels off complete length-prefixed frames. It is not safe for
// concurrent use; callers serialize access (a connection's receive
// loop is single-threaded by construction).
type StreamBuffer struct {
	codec *Codec
	buf   []byte

	// skipRemaining counts bytes still to be discarded from an
	// oversized frame whose header has already been seen: the frame's
	// declared length is known from its header even though the codec
	// refuses to buffer the whole thing, so the buffer can always be
	// resynchronized to the next frame boundary instead of getting
	// stuck re-detecting the same oversized header forever.
	skipRemaining int
}

func NewStreamBuffer(codec *Codec) *StreamBuffer {
	return &StreamBuffer{codec: codec}
}

// Feed appends a chunk of newly received bytes, first consuming any
// outstanding skip left over from a previously rejected oversized
// frame.
func (s *StreamBuffer) Feed(chunk []byte) {
	if s.skipRemaining > 0 {
		if len(chunk) <= s.skipRemaining {
			s.skipRemaining -= len(chunk)
			return
		}
		chunk = chunk[s.skipRemaining:]
		s.skipRemaining = 0
	}
	s.buf = append(s.buf, chunk...)
}

// Extract drains every complete frame currently buffered, in order.
// If fewer than 4 bytes, or fewer than 4+length bytes, are buffered it
// simply stops — that's "need more data", not an error. An oversize
// frame (header + payload over the codec's max) is reported as a
// FrameResult, but unlike a malformed-JSON frame its bytes are
// discarded immediately: whatever of the frame is already buffered is
// dropped on the spot, and the rest is skipped as it arrives via
// skipRemaining, so the connection always regains a frame boundary
// instead of re-reporting the same oversized header on every
// subsequent Extract call.
func (s *StreamBuffer) Extract() []FrameResult {
	var results []FrameResult

	for {
		if len(s.buf) < frameHeaderSize {
			return results
		}

		length := binary.BigEndian.Uint32(s.buf[:frameHeaderSize])
		total := frameHeaderSize + int(length)

		if uint32(total) > s.codec.maxMessageBytes {
			if len(s.buf) >= total {
				s.buf = s.buf[total:]
			} else {
				s.skipRemaining = total - len(s.buf)
				s.buf = s.buf[:0]
			}
			results = append(results, FrameResult{Err: ErrFrameTooLarge})
			continue
		}

		if len(s.buf) < total {
			return results
		}

		payload := s.buf[frameHeaderSize:total]
		s.buf = s.buf[total:]

		msg, err := s.codec.Decode(payload)
		if err != nil {
			results = append(results, FrameResult{Err: err})
			continue
		}
		results = append(results, FrameResult{Message: msg})
	}
}

// Pending reports how many bytes are buffered but not yet a complete
// frame. Exposed for tests and diagnostics only.
func (s *StreamBuffer) Pending() int {
	return len(s.buf)
}
