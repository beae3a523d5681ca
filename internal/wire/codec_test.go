package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realminspector/agent/internal/value"
)

func samplePing() Message {
	return RequestMessage(Request{ID: "r1", Type: KindPing})
}

func sampleResponse() Message {
	ok := true
	_ = ok
	data := value.Map(map[string]value.Value{"pong": value.Bool(true)})
	return ResponseMessage(Response{
		ID:        "r1",
		Success:   true,
		Data:      &data,
		Timestamp: time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC),
	})
}

func TestFramingRoundTrip(t *testing.T) {
	codec := NewCodec(0)

	for _, m := range []Message{samplePing(), sampleResponse()} {
		frame, err := codec.Encode(m)
		require.NoError(t, err)

		sb := NewStreamBuffer(codec)
		sb.Feed(frame)
		results := sb.Extract()
		require.Len(t, results, 1)
		require.NoError(t, results[0].Err)
		assert.Equal(t, m.Request != nil, results[0].Message.Request != nil)
	}
}

func TestChunkingInvariance(t *testing.T) {
	codec := NewCodec(0)

	frame1, err := codec.Encode(samplePing())
	require.NoError(t, err)
	frame2, err := codec.Encode(sampleResponse())
	require.NoError(t, err)
	whole := append(append([]byte{}, frame1...), frame2...)

	wholeBuf := NewStreamBuffer(codec)
	wholeBuf.Feed(whole)
	wholeResults := wholeBuf.Extract()
	require.Len(t, wholeResults, 2)

	// Feed the same bytes split at every offset and confirm identical
	// decoded output each time.
	for split := 1; split < len(whole); split++ {
		sb := NewStreamBuffer(codec)
		sb.Feed(whole[:split])
		first := sb.Extract()
		sb.Feed(whole[split:])
		second := sb.Extract()

		got := append(first, second...)
		require.Len(t, got, 2, "split at %d", split)
		assert.Equal(t, wholeResults[0].Message.Request.ID, got[0].Message.Request.ID)
		assert.Equal(t, wholeResults[1].Message.Response.ID, got[1].Message.Response.ID)
	}
}

func TestFrameIsolationSkipsOnlyMalformedFrame(t *testing.T) {
	codec := NewCodec(0)

	good1, err := codec.Encode(samplePing())
	require.NoError(t, err)
	good2, err := codec.Encode(sampleResponse())
	require.NoError(t, err)

	badPayload := []byte(`{not valid json`)
	bad := make([]byte, 4+len(badPayload))
	bad[3] = byte(len(badPayload))
	copy(bad[4:], badPayload)

	stream := append(append(append([]byte{}, good1...), bad...), good2...)

	sb := NewStreamBuffer(codec)
	sb.Feed(stream)
	results := sb.Extract()

	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	require.NoError(t, results[2].Err)
	assert.Equal(t, "r1", results[2].Message.Response.ID)
}

func TestStreamBufferNeedsMoreData(t *testing.T) {
	codec := NewCodec(0)
	frame, err := codec.Encode(samplePing())
	require.NoError(t, err)

	sb := NewStreamBuffer(codec)
	sb.Feed(frame[:2])
	assert.Empty(t, sb.Extract())
	assert.Equal(t, 2, sb.Pending())

	sb.Feed(frame[2 : len(frame)-1])
	assert.Empty(t, sb.Extract())

	sb.Feed(frame[len(frame)-1:])
	results := sb.Extract()
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
}

func TestFrameExactlyAtMaxBytesDecodesOneOverRejected(t *testing.T) {
	m := samplePing()
	baseline, err := NewCodec(0).Encode(m)
	require.NoError(t, err)
	exact := len(baseline)

	atMax := NewCodec(exact)
	frame, err := atMax.Encode(m)
	require.NoError(t, err)
	assert.Len(t, frame, exact)

	sb := NewStreamBuffer(atMax)
	sb.Feed(frame)
	results := sb.Extract()
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.NotNil(t, results[0].Message.Request)

	oneOver := NewCodec(exact - 1)
	_, err = oneOver.Encode(m)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	overBuf := NewStreamBuffer(oneOver)
	overBuf.Feed(frame)
	overResults := overBuf.Extract()
	require.Len(t, overResults, 1)
	assert.ErrorIs(t, overResults[0].Err, ErrFrameTooLarge)
}

func TestUnknownMessageTypeIsDecodeError(t *testing.T) {
	codec := NewCodec(0)
	payload := []byte(`{"type":"bogus","payload":{}}`)
	_, err := codec.Decode(payload)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestUnknownRequestKindIsDecodeError(t *testing.T) {
	codec := NewCodec(0)
	payload := []byte(`{"type":"request","payload":{"id":"r1","type":"frobnicate"}}`)
	_, err := codec.Decode(payload)
	assert.ErrorIs(t, err, ErrUnknownRequestKind)
}

func TestOversizeFrameRejected(t *testing.T) {
	codec := NewCodec(frameHeaderSize + 1)
	_, err := codec.Encode(samplePing())
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

// TestStreamBufferSkipsOversizeFrameAndResyncs feeds an incoming
// frame whose declared length exceeds the codec's max, followed
// immediately by a legitimate frame, and asserts the buffer discards
// exactly the oversized frame's bytes and decodes the one after it —
// rather than getting stuck re-reporting the same oversized header
// forever.
func TestStreamBufferSkipsOversizeFrameAndResyncs(t *testing.T) {
	validFrame, err := NewCodec(0).Encode(samplePing())
	require.NoError(t, err)

	codec := NewCodec(len(validFrame))
	sb := NewStreamBuffer(codec)

	oversizePayload := make([]byte, len(validFrame)+64)
	oversizeFrame := make([]byte, frameHeaderSize+len(oversizePayload))
	putUint32(oversizeFrame, uint32(len(oversizePayload)))
	copy(oversizeFrame[frameHeaderSize:], oversizePayload)

	sb.Feed(oversizeFrame)
	sb.Feed(validFrame)

	results := sb.Extract()
	require.Len(t, results, 2)
	assert.ErrorIs(t, results[0].Err, ErrFrameTooLarge)
	require.NoError(t, results[1].Err)
	assert.NotNil(t, results[1].Message.Request)
	assert.Equal(t, 0, sb.Pending())
}

// TestStreamBufferSkipsOversizeFrameArrivingInChunks is the same
// scenario but with the oversized frame's bytes fed in pieces that
// straddle the point where the codec detects it, proving
// skipRemaining (not just the immediately-buffered bytes) is what
// gets discarded.
func TestStreamBufferSkipsOversizeFrameArrivingInChunks(t *testing.T) {
	validFrame, err := NewCodec(0).Encode(samplePing())
	require.NoError(t, err)

	codec := NewCodec(len(validFrame))
	sb := NewStreamBuffer(codec)

	oversizePayload := make([]byte, len(validFrame)+64)
	oversizeFrame := make([]byte, frameHeaderSize+len(oversizePayload))
	putUint32(oversizeFrame, uint32(len(oversizePayload)))
	copy(oversizeFrame[frameHeaderSize:], oversizePayload)

	sb.Feed(oversizeFrame[:frameHeaderSize+4])
	results := sb.Extract()
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrFrameTooLarge)

	sb.Feed(oversizeFrame[frameHeaderSize+4:])
	assert.Empty(t, sb.Extract())

	sb.Feed(validFrame)
	results = sb.Extract()
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.NotNil(t, results[0].Message.Request)
}

// TestSerializerLimitsTruncateResponseData confirms SetSerializerLimits
// actually bounds what Encode puts on the wire, not just what
// value.Value.Truncate can do in isolation — the gap the review
// flagged as dead configuration.
func TestSerializerLimitsTruncateResponseData(t *testing.T) {
	codec := NewCodec(0)
	codec.SetSerializerLimits(0, 2)

	items := make([]value.Value, 5)
	for i := range items {
		items[i] = value.Int(int64(i))
	}
	data := value.List(items...)
	msg := ResponseMessage(Response{ID: "r1", Success: true, Data: &data, Timestamp: time.Now().UTC()})

	frame, err := codec.Encode(msg)
	require.NoError(t, err)

	sb := NewStreamBuffer(NewCodec(0))
	sb.Feed(frame)
	results := sb.Extract()
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	seq, ok := results[0].Message.Response.Data.AsSeq()
	require.True(t, ok)
	require.Len(t, seq, 3) // 2 kept + 1 truncation marker
	truncated, ok := seq[2].Get("_truncated")
	require.True(t, ok)
	b, _ := truncated.AsBool()
	assert.True(t, b)
}

func TestSerializerLimitsUnsetLeavesDataUntouched(t *testing.T) {
	codec := NewCodec(0)

	items := make([]value.Value, 5)
	for i := range items {
		items[i] = value.Int(int64(i))
	}
	data := value.List(items...)
	msg := ResponseMessage(Response{ID: "r1", Success: true, Data: &data, Timestamp: time.Now().UTC()})

	frame, err := codec.Encode(msg)
	require.NoError(t, err)

	sb := NewStreamBuffer(NewCodec(0))
	sb.Feed(frame)
	results := sb.Extract()
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	seq, ok := results[0].Message.Response.Data.AsSeq()
	require.True(t, ok)
	assert.Len(t, seq, 5)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
