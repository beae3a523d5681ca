// Package subscription turns adapter change events into wire
// notifications. It owns the mapping from subscription id to the
// underlying adapter.ObservationHandle, diffs each ChangeEvent into a
// wire.ChangeSet, and delivers it only to clients that are still
// ready to receive it.
package subscription

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/realminspector/agent/internal/adapter"
	"github.com/realminspector/agent/internal/logging"
	"github.com/realminspector/agent/internal/value"
	"github.com/realminspector/agent/internal/wire"
)

// Deliver sends a notification to the subscription's owning client.
// Implementations should be non-blocking (e.g. enqueue onto the
// client's send queue) since it runs on the adapter's observation
// context.
type Deliver func(wire.Notification)

// Ready reports whether the owning client can still receive
// notifications. A subscription whose client has disconnected or not
// yet finished handshaking never gets delivery, even if its filter
// still matches — notifications are at-most-once, not queued for
// later.
type Ready func() bool

type entry struct {
	id             string
	clientID       string
	typeName       string
	handle         adapter.ObservationHandle
	ready          Ready
	deliver        Deliver
	lastNotifiedAt time.Time
}

type Manager struct {
	mu       sync.Mutex
	db       adapter.DatabaseAdapter
	subs     map[string]*entry
	byClient map[string]map[string]struct{}
	logger   *zap.Logger
}

func New(db adapter.DatabaseAdapter, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:       db,
		subs:     make(map[string]*entry),
		byClient: make(map[string]map[string]struct{}),
		logger:   logger,
	}
}

// Subscribe registers a new subscription against typeName/filter on
// behalf of clientID and returns its id. The Initial change event the
// adapter delivers on registration never reaches deliver — only
// updates after the subscription exists are notifications.
func (m *Manager) Subscribe(ctx context.Context, clientID, typeName, filter string, ready Ready, deliver Deliver) (string, error) {
	id := uuid.NewString()

	e := &entry{id: id, clientID: clientID, typeName: typeName, ready: ready, deliver: deliver}

	handle, err := m.db.Observe(ctx, typeName, filter, func(event adapter.ChangeEvent) {
		m.handleEvent(e, event)
	})
	if err != nil {
		return "", err
	}
	e.handle = handle

	m.mu.Lock()
	m.subs[id] = e
	if m.byClient[clientID] == nil {
		m.byClient[clientID] = make(map[string]struct{})
	}
	m.byClient[clientID][id] = struct{}{}
	m.mu.Unlock()

	return id, nil
}

func (m *Manager) handleEvent(e *entry, event adapter.ChangeEvent) {
	switch event.Kind {
	case adapter.ChangeEventInitial:
		return
	case adapter.ChangeEventError:
		logging.ForSubscription(m.logger, e.id, e.typeName).Warn("subscription observation error", zap.Error(event.Err))
		return
	}

	changes := toChangeSet(event)
	if changes.IsEmpty() {
		return
	}
	if !e.ready() {
		return
	}

	m.mu.Lock()
	if _, stillSubscribed := m.subs[e.id]; !stillSubscribed {
		m.mu.Unlock()
		return
	}
	e.lastNotifiedAt = time.Now().UTC()
	m.mu.Unlock()

	e.deliver(wire.Notification{
		SubscriptionID: e.id,
		TypeName:       e.typeName,
		Changes:        changes,
		Timestamp:      e.lastNotifiedAt,
	})
}

// toChangeSet renders an adapter.ChangeEvent into its wire form.
// Deletions carry pre-delete ordinal indices rendered as decimal
// strings because the reference adapter (like the production
// database it imitates) cannot recover a removed row's primary key
// from its change feed — see adapter/memory.diffObservation.
func toChangeSet(event adapter.ChangeEvent) wire.ChangeSet {
	changes := wire.ChangeSet{
		Insertions:    make([]value.Value, 0, len(event.Insertions)),
		Modifications: make([]value.Value, 0, len(event.Modifications)),
		Deletions:     make([]string, 0, len(event.Deletions)),
	}
	for _, idx := range event.Insertions {
		if idx >= 0 && idx < len(event.Results) {
			changes.Insertions = append(changes.Insertions, event.Results[idx])
		}
	}
	for _, idx := range event.Modifications {
		if idx >= 0 && idx < len(event.Results) {
			changes.Modifications = append(changes.Modifications, event.Results[idx])
		}
	}
	for _, idx := range event.Deletions {
		changes.Deletions = append(changes.Deletions, strconv.Itoa(idx))
	}
	return changes
}

// Unsubscribe cancels subscriptionID. Unsubscribing an id that
// doesn't exist (already removed, or never existed) is a no-op, not
// an error: unsubscribe is idempotent.
func (m *Manager) Unsubscribe(subscriptionID string) {
	m.mu.Lock()
	e, ok := m.subs[subscriptionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, subscriptionID)
	if set := m.byClient[e.clientID]; set != nil {
		delete(set, subscriptionID)
		if len(set) == 0 {
			delete(m.byClient, e.clientID)
		}
	}
	m.mu.Unlock()

	e.handle.Cancel()
}

// TeardownClient cancels every subscription owned by clientID. Called
// when a client disconnects so its observations don't outlive it.
func (m *Manager) TeardownClient(clientID string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byClient[clientID]))
	for id := range m.byClient[clientID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Unsubscribe(id)
	}
}

// Stop tears down every live subscription across every client. Called
// when the server shuts down.
func (m *Manager) Stop() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Unsubscribe(id)
	}
}

// Count reports the number of currently live subscriptions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
