package dispatcher

import (
	"github.com/realminspector/agent/internal/adapter"
	"github.com/realminspector/agent/internal/value"
)

func infoToValue(info adapter.Info) value.Value {
	m := map[string]value.Value{
		"path":          value.String(info.Path),
		"schemaVersion": value.Int(int64(info.SchemaVersion)),
		"objectCount":   value.Int(info.ObjectCount),
		"isInMemory":    value.Bool(info.IsInMemory),
		"isSyncEnabled": value.Bool(info.IsSyncEnabled),
	}
	if info.FileSize != nil {
		m["fileSize"] = value.Int(*info.FileSize)
	}
	return value.Map(m)
}

func propertyToValue(p adapter.PropertyInfo) value.Value {
	m := map[string]value.Value{
		"name":         value.String(p.Name),
		"type":         value.String(p.Type),
		"isOptional":   value.Bool(p.IsOptional),
		"isPrimaryKey": value.Bool(p.IsPrimaryKey),
		"isIndexed":    value.Bool(p.IsIndexed),
	}
	if p.ObjectClassName != "" {
		m["objectClassName"] = value.String(p.ObjectClassName)
	}
	return value.Map(m)
}

func schemaToValue(s adapter.SchemaInfo) value.Value {
	props := make([]value.Value, 0, len(s.Properties))
	for _, p := range s.Properties {
		props = append(props, propertyToValue(p))
	}
	return value.Map(map[string]value.Value{
		"name":       value.String(s.Name),
		"primaryKey": value.String(s.PrimaryKey),
		"isEmbedded": value.Bool(s.IsEmbedded),
		"properties": value.List(props...),
	})
}

// schemaSummaryToValue builds the per-schema summary listSchemas
// returns: counts are cheap enough to compute per type, but the full
// property array belongs to getSchema, not the list view.
func schemaSummaryToValue(s adapter.SchemaInfo, objectCount int64) value.Value {
	return value.Map(map[string]value.Value{
		"name":          value.String(s.Name),
		"primaryKey":    value.String(s.PrimaryKey),
		"propertyCount": value.Int(int64(len(s.Properties))),
		"isEmbedded":    value.Bool(s.IsEmbedded),
		"objectCount":   value.Int(objectCount),
	})
}

func queryResultToValue(r adapter.QueryResult) value.Value {
	return value.Map(map[string]value.Value{
		"documents":  value.List(r.Documents...),
		"totalCount": value.Int(r.TotalCount),
		"skip":       value.Int(r.Skip),
		"limit":      value.Int(r.Limit),
		"hasMore":    value.Bool(r.HasMore()),
	})
}

func deleteAllResultToValue(r adapter.DeleteAllResult) value.Value {
	names := make([]value.Value, 0, len(r.Collections))
	for _, name := range r.Collections {
		names = append(names, value.String(name))
	}
	return value.Map(map[string]value.Value{
		"collectionsCleared": value.Int(r.CollectionsCleared),
		"totalDeleted":       value.Int(r.TotalDeleted),
		"collections":        value.List(names...),
	})
}
