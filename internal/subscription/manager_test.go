package subscription

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realminspector/agent/internal/adapter"
	"github.com/realminspector/agent/internal/adapter/memory"
	"github.com/realminspector/agent/internal/value"
	"github.com/realminspector/agent/internal/wire"
)

func newTestAdapter() *memory.Adapter {
	a := memory.NewAdapter()
	a.RegisterSchema(adapter.SchemaInfo{
		Name:       "Person",
		PrimaryKey: "id",
		Properties: []adapter.PropertyInfo{
			{Name: "id", Type: adapter.PropertyTypeString, IsPrimaryKey: true},
		},
	})
	return a
}

type notifSink struct {
	mu    sync.Mutex
	seen  []wire.Notification
}

func (s *notifSink) deliver(n wire.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, n)
}

func (s *notifSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func TestSubscribeDeliversOnlyUpdateNotInitial(t *testing.T) {
	db := newTestAdapter()
	mgr := New(db, nil)
	sink := &notifSink{}

	id, err := mgr.Subscribe(context.Background(), "client1", "Person", "", func() bool { return true }, sink.deliver)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 0, sink.count(), "Initial event must never notify")

	_, err = db.Create(context.Background(), "Person", map[string]value.Value{"id": value.String("p1")})
	require.NoError(t, err)

	assert.Equal(t, 1, sink.count())
}

func TestSubscribeDropsNotificationWhenClientNotReady(t *testing.T) {
	db := newTestAdapter()
	mgr := New(db, nil)
	sink := &notifSink{}

	_, err := mgr.Subscribe(context.Background(), "client1", "Person", "", func() bool { return false }, sink.deliver)
	require.NoError(t, err)

	_, err = db.Create(context.Background(), "Person", map[string]value.Value{"id": value.String("p1")})
	require.NoError(t, err)

	assert.Equal(t, 0, sink.count())
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	db := newTestAdapter()
	mgr := New(db, nil)
	sink := &notifSink{}

	id, err := mgr.Subscribe(context.Background(), "client1", "Person", "", func() bool { return true }, sink.deliver)
	require.NoError(t, err)

	mgr.Unsubscribe(id)
	assert.Equal(t, 0, mgr.Count())

	_, err = db.Create(context.Background(), "Person", map[string]value.Value{"id": value.String("p1")})
	require.NoError(t, err)
	assert.Equal(t, 0, sink.count())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	db := newTestAdapter()
	mgr := New(db, nil)
	sink := &notifSink{}

	id, err := mgr.Subscribe(context.Background(), "client1", "Person", "", func() bool { return true }, sink.deliver)
	require.NoError(t, err)

	mgr.Unsubscribe(id)
	mgr.Unsubscribe(id)
	mgr.Unsubscribe("never-existed")
}

func TestTeardownClientRemovesAllItsSubscriptions(t *testing.T) {
	db := newTestAdapter()
	mgr := New(db, nil)
	sink := &notifSink{}

	_, err := mgr.Subscribe(context.Background(), "client1", "Person", "", func() bool { return true }, sink.deliver)
	require.NoError(t, err)
	_, err = mgr.Subscribe(context.Background(), "client1", "Person", "", func() bool { return true }, sink.deliver)
	require.NoError(t, err)
	_, err = mgr.Subscribe(context.Background(), "client2", "Person", "", func() bool { return true }, sink.deliver)
	require.NoError(t, err)

	mgr.TeardownClient("client1")
	assert.Equal(t, 1, mgr.Count())
}

func TestDeletionReportedAsOrdinalIndexString(t *testing.T) {
	db := newTestAdapter()
	mgr := New(db, nil)
	sink := &notifSink{}

	_, err := db.Create(context.Background(), "Person", map[string]value.Value{"id": value.String("p1")})
	require.NoError(t, err)

	_, err = mgr.Subscribe(context.Background(), "client1", "Person", "", func() bool { return true }, sink.deliver)
	require.NoError(t, err)

	_, err = db.Delete(context.Background(), "Person", value.String("p1"))
	require.NoError(t, err)

	require.Equal(t, 1, sink.count())
	assert.Equal(t, []string{"0"}, sink.seen[0].Changes.Deletions)
}

// capturingAdapter is a minimal DatabaseAdapter whose Observe hands
// the caller's sink back out, instead of only ever invoking it from
// under its own lock the way internal/adapter/memory does. That lets
// a test fire a change event strictly after Unsubscribe has already
// run, exercising a backend that can legitimately deliver events
// asynchronously relative to unsubscribe.
type capturingAdapter struct {
	adapter.DatabaseAdapter
	sink func(adapter.ChangeEvent)
}

func (c *capturingAdapter) Observe(ctx context.Context, typeName, filter string, sink func(adapter.ChangeEvent)) (adapter.ObservationHandle, error) {
	c.sink = sink
	return noopHandle{}, nil
}

type noopHandle struct{}

func (noopHandle) Cancel() {}

func TestUnsubscribeRacingPendingEventDropsDelivery(t *testing.T) {
	fake := &capturingAdapter{}
	mgr := New(fake, nil)
	sink := &notifSink{}

	id, err := mgr.Subscribe(context.Background(), "client1", "Person", "", func() bool { return true }, sink.deliver)
	require.NoError(t, err)

	mgr.Unsubscribe(id)

	// The adapter's observation context fires a change event after
	// Unsubscribe already dropped the subscription's bookkeeping —
	// this must not reach deliver.
	fake.sink(adapter.ChangeEvent{
		Kind:       adapter.ChangeEventUpdate,
		Results:    []value.Value{value.Map(map[string]value.Value{"id": value.String("p1")})},
		Insertions: []int{0},
	})

	assert.Equal(t, 0, sink.count())
}
