// Package adapter defines the narrow contract the protocol server
// requires of an underlying embedded object database. Any store
// satisfying DatabaseAdapter can be introspected, queried, mutated,
// and observed by the server without it knowing anything about the
// store's internals.
package adapter

import (
	"context"

	"github.com/realminspector/agent/internal/value"
)

// Info describes the realm/database as a whole.
type Info struct {
	Path           string
	SchemaVersion  uint64
	ObjectCount    int64
	FileSize       *int64
	IsInMemory     bool
	IsSyncEnabled  bool
}

// PropertyInfo describes one property of a schema type. Type is a
// human-readable tag drawn from a closed set (see PropertyType
// constants).
type PropertyInfo struct {
	Name             string
	Type             string
	IsOptional       bool
	IsPrimaryKey     bool
	IsIndexed        bool
	ObjectClassName  string
}

// The closed set of PropertyInfo.Type tags.
const (
	PropertyTypeInt             = "Int"
	PropertyTypeBool            = "Bool"
	PropertyTypeFloat           = "Float"
	PropertyTypeDouble          = "Double"
	PropertyTypeString          = "String"
	PropertyTypeData            = "Data"
	PropertyTypeDate            = "Date"
	PropertyTypeObjectID        = "ObjectId"
	PropertyTypeDecimal128      = "Decimal128"
	PropertyTypeAnyRealmValue   = "AnyRealmValue"
	PropertyTypeLinkPrefix      = "Link<"
	PropertyTypeLinkingObjPrefix = "LinkingObjects<"
	PropertyTypeUnknown         = "Unknown"
)

// SchemaInfo describes one object type in the database's schema.
type SchemaInfo struct {
	Name       string
	PrimaryKey string // empty means the type has no primary key
	Properties []PropertyInfo
	IsEmbedded bool
}

// QueryParams configures a paginated, optionally filtered and sorted
// query. Defaults (Limit=50, Ascending=true) are applied by the
// dispatcher, never by the adapter.
type QueryParams struct {
	TypeName    string
	Filter      string
	SortKeyPath string
	Ascending   bool
	Limit       int64
	Skip        int64
}

// QueryResult is the paginated answer to a query.
type QueryResult struct {
	Documents  []value.Value
	TotalCount int64
	Skip       int64
	Limit      int64
}

func (r QueryResult) HasMore() bool {
	return r.Skip+int64(len(r.Documents)) < r.TotalCount
}

// DeleteAllResult summarizes a delete_all() call.
type DeleteAllResult struct {
	CollectionsCleared int64
	TotalDeleted        int64
	Collections         []string
}

// ChangeEventKind tags a ChangeEvent variant.
type ChangeEventKind int

const (
	ChangeEventInitial ChangeEventKind = iota
	ChangeEventUpdate
	ChangeEventError
)

// ChangeEvent is what an observation's sink receives. For
// ChangeEventUpdate, Insertions/Modifications are indices into Results
// *after* the update has been applied; Deletions are indices into the
// previous delivery's results, since a removed row has no position in
// the new ones.
type ChangeEvent struct {
	Kind          ChangeEventKind
	Results       []value.Value
	Deletions     []int
	Insertions    []int
	Modifications []int
	Err           error
}

// ObservationHandle cancels a live observation. Cancel must be safe to
// call more than once.
type ObservationHandle interface {
	Cancel()
}

// DatabaseAdapter is the full surface the core depends on. Every
// method that can fail returns one of the *Error kinds in errors.go so
// the dispatcher can serialize a stable, human-readable message.
type DatabaseAdapter interface {
	Info(ctx context.Context) (Info, error)
	ListSchemas(ctx context.Context) ([]SchemaInfo, error)
	GetSchema(ctx context.Context, typeName string) (SchemaInfo, bool, error)
	Count(ctx context.Context, typeName string, filter string) (int64, error)
	Query(ctx context.Context, params QueryParams) (QueryResult, error)
	Get(ctx context.Context, typeName string, primaryKey value.Value) (value.Value, bool, error)
	Create(ctx context.Context, typeName string, data map[string]value.Value) (value.Value, error)
	Update(ctx context.Context, typeName string, primaryKey value.Value, changes map[string]value.Value) (value.Value, error)
	Delete(ctx context.Context, typeName string, primaryKey value.Value) (bool, error)
	DeleteAllIn(ctx context.Context, typeName string) (int64, error)
	DeleteAll(ctx context.Context) (DeleteAllResult, error)

	// Observe registers a long-lived observation on typeName,
	// optionally narrowed by filter. sink is invoked on the adapter's
	// dedicated observation context for every ChangeEvent until the
	// returned handle is cancelled. The returned handle must be kept
	// by the caller for as long as the observation runs.
	Observe(ctx context.Context, typeName string, filter string, sink func(ChangeEvent)) (ObservationHandle, error)
}
