// Package session implements the per-connection client state machine:
// reading length-framed messages off the wire, queuing outbound
// frames, and tracking which subscriptions a client owns so they can
// be torn down on disconnect.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/realminspector/agent/internal/logging"
	"github.com/realminspector/agent/internal/wire"
)

const (
	defaultReadChunk    = 32 * 1024
	defaultSendQueueLen = 256
)

// ClientConnection wraps one accepted byte-stream connection. It owns
// the connection's StreamBuffer (so partial reads accumulate
// correctly), its outbound send queue, and its subscription
// membership set.
type ClientConnection struct {
	ID     string
	conn   net.Conn
	codec  *wire.Codec
	logger *zap.Logger

	state     atomic.Int32
	streamBuf *wire.StreamBuffer
	sendQueue chan []byte

	mu     sync.Mutex
	subs   map[string]struct{}
	closed bool

	closeOnce sync.Once
}

func NewClientConnection(id string, conn net.Conn, codec *wire.Codec, logger *zap.Logger) *ClientConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ClientConnection{
		ID:        id,
		conn:      conn,
		codec:     codec,
		logger:    logging.ForConnection(logger, id),
		streamBuf: wire.NewStreamBuffer(codec),
		sendQueue: make(chan []byte, defaultSendQueueLen),
		subs:      make(map[string]struct{}),
	}
	c.state.Store(int32(Starting))
	return c
}

func (c *ClientConnection) State() State { return State(c.state.Load()) }

// MarkReady transitions Starting -> Ready. Called once the accept
// handshake (such as it is for this protocol — there is none beyond
// the TCP accept itself) has completed.
func (c *ClientConnection) MarkReady() {
	c.state.CompareAndSwap(int32(Starting), int32(Ready))
}

// IsReady reports whether this connection can currently receive
// notifications. Subscription delivery checks this directly rather
// than caching it, since it can change between a subscribe response
// and any later change event.
func (c *ClientConnection) IsReady() bool {
	return c.State() == Ready
}

// ReceiveLoop reads chunks off the connection, feeds them to the
// stream buffer, and invokes handle for every decoded message. A
// single malformed frame logs and is skipped; it never terminates the
// loop — only a read error, EOF, or ctx cancellation does.
func (c *ClientConnection) ReceiveLoop(ctx context.Context, handle func(wire.Message)) error {
	buf := make([]byte, defaultReadChunk)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			c.streamBuf.Feed(buf[:n])
			for _, result := range c.streamBuf.Extract() {
				if result.Err != nil {
					c.logger.Debug("discarding malformed frame", zap.Error(result.Err))
					continue
				}
				handle(result.Message)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// WriteLoop drains the send queue onto the connection until it is
// closed or ctx is cancelled.
func (c *ClientConnection) WriteLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-c.sendQueue:
			if !ok {
				return nil
			}
			if _, err := c.conn.Write(frame); err != nil {
				return err
			}
		}
	}
}

// Send encodes m and enqueues it for delivery. If the send queue is
// full the frame is dropped rather than blocking the caller — a slow
// client must not stall the adapter's single execution context or
// other clients' delivery. Sending into a client that has already
// been closed is also a silent no-op: the dispatcher and subscription
// manager must be able to reply into a dead client without it being
// an error, and without racing Close's close(c.sendQueue).
func (c *ClientConnection) Send(m wire.Message) error {
	frame, err := c.codec.Encode(m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	select {
	case c.sendQueue <- frame:
		return nil
	default:
		c.logger.Warn("dropping frame, send queue full")
		return nil
	}
}

// AddSubscription records subscriptionID as owned by this client.
func (c *ClientConnection) AddSubscription(subscriptionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[subscriptionID] = struct{}{}
}

// RemoveSubscription forgets subscriptionID.
func (c *ClientConnection) RemoveSubscription(subscriptionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, subscriptionID)
}

// Subscriptions returns every subscription id currently owned by this
// client, for teardown on disconnect.
func (c *ClientConnection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	return ids
}

// Close transitions the connection to Closing then Closed and
// releases its socket and send queue. Safe to call more than once.
// Marking closed happens under the same mutex Send checks, so a
// concurrent Send either completes before the queue is closed or
// observes closed and returns early — it never sends on a closed
// channel.
func (c *ClientConnection) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closing))
		closeErr = c.conn.Close()

		c.mu.Lock()
		c.closed = true
		close(c.sendQueue)
		c.mu.Unlock()

		c.state.Store(int32(Closed))
	})
	return closeErr
}
