// Package memory implements a reference DatabaseAdapter backed by an
// in-process map. It exists so the protocol server (internal/server)
// can be built, tested, and demoed without a real embedded database —
// it is not itself part of the protocol core.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/realminspector/agent/internal/adapter"
	"github.com/realminspector/agent/internal/value"
)

type storedType struct {
	schema adapter.SchemaInfo
	order  []string                 // primary key strings, insertion order
	byKey  map[string]value.Value    // primary key string -> document
}

// Adapter is an in-memory adapter.DatabaseAdapter. All state is
// guarded by a single mutex: in-memory map access needs no dedicated
// execution context of its own, but Observe still honors the
// long-lived-context contract by keeping each observation's state
// alive for exactly as long as its handle is uncancelled.
type Adapter struct {
	mu     sync.Mutex
	logger *zap.Logger

	path          string
	isInMemory    bool
	isSyncEnabled bool
	schemaVersion uint64

	types map[string]*storedType

	nextObsID   uint64
	observers   map[string][]*observation // typeName -> active observations
	fanout      *natsFanout               // optional multi-process change-feed mirror
}

type Option func(*Adapter)

func WithPath(path string) Option         { return func(a *Adapter) { a.path = path } }
func WithInMemory(v bool) Option          { return func(a *Adapter) { a.isInMemory = v } }
func WithSyncEnabled(v bool) Option       { return func(a *Adapter) { a.isSyncEnabled = v } }
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

func NewAdapter(opts ...Option) *Adapter {
	a := &Adapter{
		logger:     zap.NewNop(),
		isInMemory: true,
		types:      make(map[string]*storedType),
		observers:  make(map[string][]*observation),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RegisterSchema declares a type the adapter will serve. Reference
// adapters don't infer schema from data the way a real embedded
// database's catalog does — callers register types up front.
func (a *Adapter) RegisterSchema(schema adapter.SchemaInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.types[schema.Name] = &storedType{
		schema: schema,
		byKey:  make(map[string]value.Value),
	}
	a.schemaVersion++
}

func (a *Adapter) Info(ctx context.Context) (adapter.Info, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total int64
	for _, t := range a.types {
		total += int64(len(t.order))
	}

	return adapter.Info{
		Path:          a.path,
		SchemaVersion: a.schemaVersion,
		ObjectCount:   total,
		IsInMemory:    a.isInMemory,
		IsSyncEnabled: a.isSyncEnabled,
	}, nil
}

func (a *Adapter) ListSchemas(ctx context.Context) ([]adapter.SchemaInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.types))
	for name := range a.types {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]adapter.SchemaInfo, 0, len(names))
	for _, name := range names {
		out = append(out, a.types[name].schema)
	}
	return out, nil
}

func (a *Adapter) GetSchema(ctx context.Context, typeName string) (adapter.SchemaInfo, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.types[typeName]
	if !ok {
		return adapter.SchemaInfo{}, false, nil
	}
	return t.schema, true, nil
}

func (a *Adapter) Count(ctx context.Context, typeName string, filter string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.types[typeName]
	if !ok {
		return 0, adapter.UnknownType(typeName)
	}

	pred, err := compilePredicate(filter)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, pk := range t.order {
		matched, err := pred.matches(t.byKey[pk])
		if err != nil {
			return 0, err
		}
		if matched {
			count++
		}
	}
	return count, nil
}

func (a *Adapter) Query(ctx context.Context, params adapter.QueryParams) (adapter.QueryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.types[params.TypeName]
	if !ok {
		return adapter.QueryResult{}, adapter.UnknownType(params.TypeName)
	}

	matched, err := a.matchingDocsLocked(t, params.Filter)
	if err != nil {
		return adapter.QueryResult{}, err
	}

	if params.SortKeyPath != "" {
		sortDocs(matched, params.SortKeyPath, params.Ascending)
	}

	total := int64(len(matched))
	start := params.Skip
	if start > total {
		start = total
	}
	end := start + params.Limit
	if end > total {
		end = total
	}
	if params.Limit <= 0 {
		end = start
	}

	return adapter.QueryResult{
		Documents:  append([]value.Value{}, matched[start:end]...),
		TotalCount: total,
		Skip:       params.Skip,
		Limit:      params.Limit,
	}, nil
}

func (a *Adapter) matchingDocsLocked(t *storedType, filter string) ([]value.Value, error) {
	pred, err := compilePredicate(filter)
	if err != nil {
		return nil, err
	}

	docs := make([]value.Value, 0, len(t.order))
	for _, pk := range t.order {
		doc := t.byKey[pk]
		matched, err := pred.matches(doc)
		if err != nil {
			return nil, err
		}
		if matched {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func sortDocs(docs []value.Value, keyPath string, ascending bool) {
	sort.SliceStable(docs, func(i, j int) bool {
		if ascending {
			return compareByKeyPath(docs[i], docs[j], keyPath)
		}
		return compareByKeyPath(docs[j], docs[i], keyPath)
	})
}

func compareByKeyPath(a, b value.Value, keyPath string) bool {
	av, aok := a.Get(keyPath)
	bv, bok := b.Get(keyPath)
	if !aok || !bok {
		return false
	}
	if af, ok := av.AsF64(); ok {
		if bf, ok := bv.AsF64(); ok {
			return af < bf
		}
	}
	if as, ok := av.AsString(); ok {
		if bs, ok := bv.AsString(); ok {
			return as < bs
		}
	}
	if at, ok := av.AsTimestamp(); ok {
		if bt, ok := bv.AsTimestamp(); ok {
			return at.Before(bt)
		}
	}
	return false
}

func (a *Adapter) Get(ctx context.Context, typeName string, primaryKey value.Value) (value.Value, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.types[typeName]
	if !ok {
		return value.Value{}, false, adapter.UnknownType(typeName)
	}

	pk, err := primaryKeyString(primaryKey)
	if err != nil {
		return value.Value{}, false, err
	}

	doc, ok := t.byKey[pk]
	return doc, ok, nil
}

func (a *Adapter) Create(ctx context.Context, typeName string, data map[string]value.Value) (value.Value, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.types[typeName]
	if !ok {
		return value.Value{}, adapter.UnknownType(typeName)
	}

	pkField := t.schema.PrimaryKey
	if pkField == "" {
		return value.Value{}, adapter.NewError(adapter.ErrWriteFailed, "%s has no primary key", typeName)
	}

	pkVal, ok := data[pkField]
	if !ok {
		return value.Value{}, adapter.NewError(adapter.ErrWriteFailed, "missing primary key field '%s'", pkField)
	}

	pk, err := primaryKeyString(pkVal)
	if err != nil {
		return value.Value{}, err
	}

	if _, exists := t.byKey[pk]; exists {
		return value.Value{}, adapter.AlreadyExists(typeName, pk)
	}

	a.observeNewPropertiesLocked(t, data)

	doc := value.Map(data)
	t.byKey[pk] = doc
	t.order = append(t.order, pk)

	a.notifyLocked(typeName)
	return doc, nil
}

func (a *Adapter) Update(ctx context.Context, typeName string, primaryKey value.Value, changes map[string]value.Value) (value.Value, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.types[typeName]
	if !ok {
		return value.Value{}, adapter.UnknownType(typeName)
	}

	pk, err := primaryKeyString(primaryKey)
	if err != nil {
		return value.Value{}, err
	}

	existing, ok := t.byKey[pk]
	if !ok {
		return value.Value{}, adapter.NotFound(typeName, pk)
	}

	merged, _ := existing.AsMap()
	next := make(map[string]value.Value, len(merged)+len(changes))
	for k, v := range merged {
		next[k] = v
	}
	for k, v := range changes {
		next[k] = v
	}

	a.observeNewPropertiesLocked(t, changes)

	doc := value.Map(next)
	t.byKey[pk] = doc

	a.notifyLocked(typeName)
	return doc, nil
}

func (a *Adapter) Delete(ctx context.Context, typeName string, primaryKey value.Value) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.types[typeName]
	if !ok {
		return false, adapter.UnknownType(typeName)
	}

	pk, err := primaryKeyString(primaryKey)
	if err != nil {
		return false, err
	}

	if _, ok := t.byKey[pk]; !ok {
		return false, nil
	}

	delete(t.byKey, pk)
	for i, existing := range t.order {
		if existing == pk {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}

	a.notifyLocked(typeName)
	return true, nil
}

func (a *Adapter) DeleteAllIn(ctx context.Context, typeName string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.types[typeName]
	if !ok {
		return 0, adapter.UnknownType(typeName)
	}

	count := int64(len(t.order))
	t.byKey = make(map[string]value.Value)
	t.order = nil

	a.notifyLocked(typeName)
	return count, nil
}

func (a *Adapter) DeleteAll(ctx context.Context) (adapter.DeleteAllResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total int64
	cleared := make([]string, 0, len(a.types))
	for name, t := range a.types {
		if len(t.order) == 0 {
			continue
		}
		total += int64(len(t.order))
		t.byKey = make(map[string]value.Value)
		t.order = nil
		cleared = append(cleared, name)
	}
	sort.Strings(cleared)

	for _, name := range cleared {
		a.notifyLocked(name)
	}

	return adapter.DeleteAllResult{
		CollectionsCleared: int64(len(cleared)),
		TotalDeleted:       total,
		Collections:        cleared,
	}, nil
}

// observeNewPropertiesLocked appends a PropertyInfo for any field in
// data that the schema doesn't already declare, and bumps the realm's
// schema version — a real embedded database widens its catalog the
// same way when a document introduces an unseen field.
func (a *Adapter) observeNewPropertiesLocked(t *storedType, data map[string]value.Value) {
	known := make(map[string]bool, len(t.schema.Properties))
	for _, p := range t.schema.Properties {
		known[p.Name] = true
	}

	changed := false
	for name, v := range data {
		if known[name] {
			continue
		}
		t.schema.Properties = append(t.schema.Properties, adapter.PropertyInfo{
			Name: name,
			Type: propertyTypeOf(v),
		})
		known[name] = true
		changed = true
	}
	if changed {
		a.schemaVersion++
	}
}

func propertyTypeOf(v value.Value) string {
	switch v.Kind() {
	case value.KindBool:
		return adapter.PropertyTypeBool
	case value.KindInt:
		return adapter.PropertyTypeInt
	case value.KindFloat:
		return adapter.PropertyTypeDouble
	case value.KindString:
		return adapter.PropertyTypeString
	case value.KindData:
		return adapter.PropertyTypeData
	case value.KindTimestamp:
		return adapter.PropertyTypeDate
	case value.KindObjectID:
		return adapter.PropertyTypeObjectID
	case value.KindDecimal128:
		return adapter.PropertyTypeDecimal128
	default:
		return adapter.PropertyTypeAnyRealmValue
	}
}

func primaryKeyString(v value.Value) (string, error) {
	switch v.Kind() {
	case value.KindInt:
		i, _ := v.AsI64()
		return strconv.FormatInt(i, 10), nil
	case value.KindString, value.KindObjectID, value.KindUUID, value.KindDecimal128:
		s, _ := v.AsString()
		return s, nil
	default:
		return "", adapter.InvalidPrimaryKey(fmt.Sprintf("unsupported primary key kind %d", v.Kind()))
	}
}
