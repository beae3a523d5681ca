package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realminspector/agent/internal/adapter"
	"github.com/realminspector/agent/internal/value"
)

func newTestAdapter() *Adapter {
	a := NewAdapter(WithPath("test.realm"))
	a.RegisterSchema(adapter.SchemaInfo{
		Name:       "Person",
		PrimaryKey: "id",
		Properties: []adapter.PropertyInfo{
			{Name: "id", Type: adapter.PropertyTypeString, IsPrimaryKey: true},
			{Name: "name", Type: adapter.PropertyTypeString},
			{Name: "age", Type: adapter.PropertyTypeInt},
		},
	})
	return a
}

func TestCreateThenGet(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter()

	_, err := a.Create(ctx, "Person", map[string]value.Value{
		"id":   value.String("p1"),
		"name": value.String("Ada"),
		"age":  value.Int(30),
	})
	require.NoError(t, err)

	doc, ok, err := a.Get(ctx, "Person", value.String("p1"))
	require.NoError(t, err)
	require.True(t, ok)
	name, _ := doc.Get("name")
	s, _ := name.AsString()
	assert.Equal(t, "Ada", s)
}

func TestCreateDuplicatePrimaryKeyFails(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter()

	data := map[string]value.Value{"id": value.String("p1"), "name": value.String("Ada"), "age": value.Int(30)}
	_, err := a.Create(ctx, "Person", data)
	require.NoError(t, err)

	_, err = a.Create(ctx, "Person", data)
	require.Error(t, err)
	adapterErr, ok := err.(*adapter.Error)
	require.True(t, ok)
	assert.Equal(t, adapter.ErrAlreadyExists, adapterErr.Kind)
}

func TestUpdateMergesAndWidensSchema(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter()

	_, err := a.Create(ctx, "Person", map[string]value.Value{
		"id": value.String("p1"), "name": value.String("Ada"), "age": value.Int(30),
	})
	require.NoError(t, err)

	before, err := a.Info(ctx)
	require.NoError(t, err)

	doc, err := a.Update(ctx, "Person", value.String("p1"), map[string]value.Value{
		"age":   value.Int(31),
		"email": value.String("ada@example.com"),
	})
	require.NoError(t, err)

	age, _ := doc.Get("age")
	ageVal, _ := age.AsI64()
	assert.Equal(t, int64(31), ageVal)

	email, _ := doc.Get("email")
	emailVal, _ := email.AsString()
	assert.Equal(t, "ada@example.com", emailVal)

	after, err := a.Info(ctx)
	require.NoError(t, err)
	assert.Greater(t, after.SchemaVersion, before.SchemaVersion)

	schema, ok, err := a.GetSchema(ctx, "Person")
	require.NoError(t, err)
	require.True(t, ok)
	found := false
	for _, p := range schema.Properties {
		if p.Name == "email" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestUpdateUnknownPrimaryKeyFails(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter()

	_, err := a.Update(ctx, "Person", value.String("missing"), map[string]value.Value{"age": value.Int(1)})
	require.Error(t, err)
	adapterErr, ok := err.(*adapter.Error)
	require.True(t, ok)
	assert.Equal(t, adapter.ErrNotFound, adapterErr.Kind)
}

func TestDeleteRemovesDocument(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter()

	_, err := a.Create(ctx, "Person", map[string]value.Value{"id": value.String("p1"), "name": value.String("Ada"), "age": value.Int(30)})
	require.NoError(t, err)

	deleted, err := a.Delete(ctx, "Person", value.String("p1"))
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err := a.Get(ctx, "Person", value.String("p1"))
	require.NoError(t, err)
	assert.False(t, ok)

	deletedAgain, err := a.Delete(ctx, "Person", value.String("p1"))
	require.NoError(t, err)
	assert.False(t, deletedAgain)
}

func seedPeople(t *testing.T, ctx context.Context, a *Adapter) {
	t.Helper()
	people := []struct {
		id   string
		name string
		age  int64
	}{
		{"p1", "Ada", 30},
		{"p2", "Grace", 40},
		{"p3", "Linus", 25},
	}
	for _, p := range people {
		_, err := a.Create(ctx, "Person", map[string]value.Value{
			"id": value.String(p.id), "name": value.String(p.name), "age": value.Int(p.age),
		})
		require.NoError(t, err)
	}
}

func TestQueryFilterAndPagination(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter()
	seedPeople(t, ctx, a)

	result, err := a.Query(ctx, adapter.QueryParams{
		TypeName:    "Person",
		Filter:      `doc.age > 26`,
		SortKeyPath: "age",
		Ascending:   true,
		Limit:       1,
		Skip:        0,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TotalCount)
	require.Len(t, result.Documents, 1)
	assert.True(t, result.HasMore())

	name, _ := result.Documents[0].Get("name")
	s, _ := name.AsString()
	assert.Equal(t, "Ada", s)
}

func TestQueryUnknownTypeFails(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter()

	_, err := a.Query(ctx, adapter.QueryParams{TypeName: "Nope"})
	require.Error(t, err)
}

func TestDeleteAllInClearsOneCollection(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter()
	seedPeople(t, ctx, a)

	count, err := a.DeleteAllIn(ctx, "Person")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	result, err := a.Query(ctx, adapter.QueryParams{TypeName: "Person", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.TotalCount)
}

func TestDeleteAllClearsEveryCollection(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter()
	seedPeople(t, ctx, a)

	result, err := a.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.CollectionsCleared)
	assert.Equal(t, int64(3), result.TotalDeleted)
	assert.Equal(t, []string{"Person"}, result.Collections)
}

func TestObserveDeliversInitialThenUpdates(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter()

	var events []adapter.ChangeEvent
	handle, err := a.Observe(ctx, "Person", "", func(e adapter.ChangeEvent) {
		events = append(events, e)
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, adapter.ChangeEventInitial, events[0].Kind)
	assert.Empty(t, events[0].Results)

	_, err = a.Create(ctx, "Person", map[string]value.Value{"id": value.String("p1"), "name": value.String("Ada"), "age": value.Int(30)})
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, adapter.ChangeEventUpdate, events[1].Kind)
	assert.Equal(t, []int{0}, events[1].Insertions)
	assert.Empty(t, events[1].Deletions)

	_, err = a.Delete(ctx, "Person", value.String("p1"))
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, []int{0}, events[2].Deletions)

	handle.Cancel()

	_, err = a.Create(ctx, "Person", map[string]value.Value{"id": value.String("p2"), "name": value.String("Grace"), "age": value.Int(40)})
	require.NoError(t, err)
	assert.Len(t, events, 3, "no delivery after cancel")
}

func TestObserveFilterNarrowsResults(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter()
	seedPeople(t, ctx, a)

	var last adapter.ChangeEvent
	_, err := a.Observe(ctx, "Person", `doc.age > 35`, func(e adapter.ChangeEvent) {
		last = e
	})
	require.NoError(t, err)
	assert.Len(t, last.Results, 1)
}
