package memory

import (
	"context"
	"reflect"
	"sync/atomic"

	"github.com/realminspector/agent/internal/adapter"
	"github.com/realminspector/agent/internal/value"
)

// observation tracks one live Observe() registration: the predicate
// that narrows it, the sink to deliver ChangeEvents to, and the last
// snapshot of matching documents so the next mutation can be diffed
// against it.
type observation struct {
	id        uint64
	typeName  string
	pred      *predicate
	sink      func(adapter.ChangeEvent)
	lastPKs   []string
	lastDocs  []value.Value
	cancelled bool
}

type observationHandle struct {
	adapter *Adapter
	typeName string
	id       uint64
}

func (h *observationHandle) Cancel() {
	h.adapter.mu.Lock()
	defer h.adapter.mu.Unlock()

	list := h.adapter.observers[h.typeName]
	for i, obs := range list {
		if obs.id == h.id {
			obs.cancelled = true
			h.adapter.observers[h.typeName] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Observe registers sink to receive ChangeEvents for typeName,
// narrowed by filter. The first delivery is always a Kind=Initial
// snapshot of currently matching documents; every later delivery is a
// Kind=Update diff computed against the observation's previous
// snapshot.
func (a *Adapter) Observe(ctx context.Context, typeName string, filter string, sink func(adapter.ChangeEvent)) (adapter.ObservationHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.types[typeName]
	if !ok {
		return nil, adapter.UnknownType(typeName)
	}

	pred, err := compilePredicate(filter)
	if err != nil {
		return nil, err
	}

	docs, pks, err := a.matchingWithKeysLocked(t, pred)
	if err != nil {
		return nil, err
	}

	id := atomic.AddUint64(&a.nextObsID, 1)
	obs := &observation{
		id:       id,
		typeName: typeName,
		pred:     pred,
		sink:     sink,
		lastPKs:  pks,
		lastDocs: docs,
	}
	a.observers[typeName] = append(a.observers[typeName], obs)

	sink(adapter.ChangeEvent{Kind: adapter.ChangeEventInitial, Results: append([]value.Value{}, docs...)})

	return &observationHandle{adapter: a, typeName: typeName, id: id}, nil
}

func (a *Adapter) matchingWithKeysLocked(t *storedType, pred *predicate) ([]value.Value, []string, error) {
	docs := make([]value.Value, 0, len(t.order))
	pks := make([]string, 0, len(t.order))
	for _, pk := range t.order {
		doc := t.byKey[pk]
		matched, err := pred.matches(doc)
		if err != nil {
			return nil, nil, err
		}
		if matched {
			docs = append(docs, doc)
			pks = append(pks, pk)
		}
	}
	return docs, pks, nil
}

// notifyLocked recomputes every live observation on typeName and
// delivers a ChangeEvent if its matching set changed. Must be called
// with a.mu held, after the mutation that triggered it has already
// been applied to the type's storage.
func (a *Adapter) notifyLocked(typeName string) {
	t, ok := a.types[typeName]
	if !ok {
		return
	}

	for _, obs := range a.observers[typeName] {
		if obs.cancelled {
			continue
		}

		newDocs, newPKs, err := a.matchingWithKeysLocked(t, obs.pred)
		if err != nil {
			obs.sink(adapter.ChangeEvent{Kind: adapter.ChangeEventError, Err: err})
			continue
		}

		event := diffObservation(obs.lastPKs, obs.lastDocs, newPKs, newDocs)
		obs.lastPKs = newPKs
		obs.lastDocs = newDocs

		if len(event.Deletions) == 0 && len(event.Insertions) == 0 && len(event.Modifications) == 0 {
			continue
		}
		obs.sink(event)

		if a.fanout != nil {
			a.fanout.publish(typeName, event)
		}
	}
}

// diffObservation computes the change event between two snapshots.
// Deletions index into the *old* snapshot (oldPKs/oldDocs) since a
// removed row has no position in the new one; insertions and
// modifications index into the new snapshot. The underlying change
// feed this mirrors cannot recover a deleted row's primary key, only
// its ordinal position — callers that need a stable identity for a
// deletion must fall back to that ordinal, same as the wire layer
// does when translating this into a subscription ChangeSet.
func diffObservation(oldPKs []string, oldDocs []value.Value, newPKs []string, newDocs []value.Value) adapter.ChangeEvent {
	newIndex := make(map[string]int, len(newPKs))
	for i, pk := range newPKs {
		newIndex[pk] = i
	}
	oldIndex := make(map[string]int, len(oldPKs))
	for i, pk := range oldPKs {
		oldIndex[pk] = i
	}

	var deletions, insertions, modifications []int

	for i, pk := range oldPKs {
		if _, ok := newIndex[pk]; !ok {
			deletions = append(deletions, i)
		}
	}

	for i, pk := range newPKs {
		oldIdx, existed := oldIndex[pk]
		if !existed {
			insertions = append(insertions, i)
			continue
		}
		if !reflect.DeepEqual(oldDocs[oldIdx], newDocs[i]) {
			modifications = append(modifications, i)
		}
	}

	return adapter.ChangeEvent{
		Kind:          adapter.ChangeEventUpdate,
		Results:       append([]value.Value{}, newDocs...),
		Deletions:     deletions,
		Insertions:    insertions,
		Modifications: modifications,
	}
}
