package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/realminspector/agent/internal/adapter"
	"github.com/realminspector/agent/internal/adapter/memory"
	"github.com/realminspector/agent/internal/transport"
	"github.com/realminspector/agent/internal/value"
	"github.com/realminspector/agent/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *wire.Codec, net.Addr) {
	t.Helper()

	db := memory.NewAdapter(memory.WithInMemory(true))
	db.RegisterSchema(adapter.SchemaInfo{
		Name:       "Person",
		PrimaryKey: "id",
		Properties: []adapter.PropertyInfo{
			{Name: "id", Type: adapter.PropertyTypeString, IsPrimaryKey: true},
			{Name: "name", Type: adapter.PropertyTypeString},
		},
	})

	ln, err := transport.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(Config{Listeners: []transport.Listener{ln}, Adapter: db})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return srv, wire.NewCodec(0), ln.Addr()
}

func dialAndExchange(t *testing.T, codec *wire.Codec, addr net.Addr, req wire.Request) wire.Response {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	frame, err := codec.Encode(wire.RequestMessage(req))
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	return readOneResponse(t, codec, conn)
}

func readOneResponse(t *testing.T, codec *wire.Codec, conn net.Conn) wire.Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	buf := wire.NewStreamBuffer(codec)
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		require.NoError(t, err)
		buf.Feed(chunk[:n])
		for _, result := range buf.Extract() {
			require.NoError(t, result.Err)
			if result.Message.Response != nil {
				return *result.Message.Response
			}
		}
	}
}

func TestServerRespondsToPing(t *testing.T) {
	_, codec, addr := newTestServer(t)

	resp := dialAndExchange(t, codec, addr, wire.Request{ID: "1", Type: wire.KindPing})
	require.True(t, resp.Success)
}

func TestServerCreateThenGetDocumentRoundTrips(t *testing.T) {
	_, codec, addr := newTestServer(t)

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	createReq := wire.Request{
		ID: "1", Type: wire.KindCreateDocument,
		Params: map[string]value.Value{
			"typeName": value.String("Person"),
			"data": value.Map(map[string]value.Value{
				"id": value.String("p1"), "name": value.String("Ada"),
			}),
		},
	}
	frame, err := codec.Encode(wire.RequestMessage(createReq))
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
	createResp := readOneResponse(t, codec, conn)
	require.True(t, createResp.Success)

	getReq := wire.Request{
		ID: "2", Type: wire.KindGetDocument,
		Params: map[string]value.Value{
			"typeName":   value.String("Person"),
			"primaryKey": value.String("p1"),
		},
	}
	frame, err = codec.Encode(wire.RequestMessage(getReq))
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
	getResp := readOneResponse(t, codec, conn)
	require.True(t, getResp.Success)

	name, ok := getResp.Data.Get("name")
	require.True(t, ok)
	s, _ := name.AsString()
	require.Equal(t, "Ada", s)
}

func TestServerSubscribeReceivesNotificationOnInsert(t *testing.T) {
	_, codec, addr := newTestServer(t)

	subConn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer subConn.Close()

	subReq := wire.Request{
		ID: "1", Type: wire.KindSubscribe,
		Params: map[string]value.Value{"typeName": value.String("Person")},
	}
	frame, err := codec.Encode(wire.RequestMessage(subReq))
	require.NoError(t, err)
	_, err = subConn.Write(frame)
	require.NoError(t, err)
	subResp := readOneResponse(t, codec, subConn)
	require.True(t, subResp.Success)

	writerConn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer writerConn.Close()

	createReq := wire.Request{
		ID: "2", Type: wire.KindCreateDocument,
		Params: map[string]value.Value{
			"typeName": value.String("Person"),
			"data": value.Map(map[string]value.Value{
				"id": value.String("p2"), "name": value.String("Grace"),
			}),
		},
	}
	frame, err = codec.Encode(wire.RequestMessage(createReq))
	require.NoError(t, err)
	_, err = writerConn.Write(frame)
	require.NoError(t, err)
	createResp := readOneResponse(t, codec, writerConn)
	require.True(t, createResp.Success)

	subConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := wire.NewStreamBuffer(codec)
	chunk := make([]byte, 4096)
	for {
		n, err := subConn.Read(chunk)
		require.NoError(t, err)
		buf.Feed(chunk[:n])
		done := false
		for _, result := range buf.Extract() {
			require.NoError(t, result.Err)
			if result.Message.Notification != nil {
				require.Equal(t, "Person", result.Message.Notification.TypeName)
				require.Len(t, result.Message.Notification.Changes.Insertions, 1)
				done = true
			}
		}
		if done {
			break
		}
	}
}

func TestServerStopIsIdempotent(t *testing.T) {
	srv, _, _ := newTestServer(t)

	report1 := srv.Stop()
	report2 := srv.Stop()
	require.Equal(t, 0, report2.ConnectionsClosed)
	_ = report1
}

func TestServerStartTwiceReturnsError(t *testing.T) {
	ln, err := transport.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	db := memory.NewAdapter(memory.WithInMemory(true))

	srv := New(Config{Listeners: []transport.Listener{ln}, Adapter: db})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	require.Error(t, srv.Start())
}

func TestServerStartWithNoListenersReturnsError(t *testing.T) {
	db := memory.NewAdapter(memory.WithInMemory(true))
	srv := New(Config{Adapter: db})
	require.Error(t, srv.Start())
}

func TestServerAcceptsOnEveryConfiguredListener(t *testing.T) {
	db := memory.NewAdapter(memory.WithInMemory(true))
	db.RegisterSchema(adapter.SchemaInfo{
		Name:       "Person",
		PrimaryKey: "id",
		Properties: []adapter.PropertyInfo{{Name: "id", Type: adapter.PropertyTypeString, IsPrimaryKey: true}},
	})

	lnA, err := transport.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	lnB, err := transport.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(Config{Listeners: []transport.Listener{lnA, lnB}, Adapter: db})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	codec := wire.NewCodec(0)
	for _, addr := range []net.Addr{lnA.Addr(), lnB.Addr()} {
		resp := dialAndExchange(t, codec, addr, wire.Request{ID: "1", Type: wire.KindPing})
		require.True(t, resp.Success)
	}
}

func TestServerUnknownSubscriptionUnsubscribeIsNotAnError(t *testing.T) {
	_, codec, addr := newTestServer(t)

	resp := dialAndExchange(t, codec, addr, wire.Request{
		ID: "1", Type: wire.KindUnsubscribe,
		Params: map[string]value.Value{"subscriptionId": value.String("does-not-exist")},
	})
	require.True(t, resp.Success)
}

func TestServerMissingTypeNameOnSubscribeReturnsErrorResponse(t *testing.T) {
	_, codec, addr := newTestServer(t)

	resp := dialAndExchange(t, codec, addr, wire.Request{ID: "1", Type: wire.KindSubscribe})
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)

	_ = context.Background()
}
