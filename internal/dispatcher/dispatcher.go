// Package dispatcher decodes a wire.Request, validates its
// parameters, invokes the configured database adapter, and encodes the
// result back into a wire.Response. Every adapter call is routed
// through a single Executor so the adapter only ever sees calls from
// one dedicated goroutine, regardless of how many clients are
// concurrently issuing requests.
package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/realminspector/agent/internal/adapter"
	"github.com/realminspector/agent/internal/value"
	"github.com/realminspector/agent/internal/wire"
)

const defaultQueryLimit = 50

// Dispatcher turns requests into responses. It does not know about
// sessions, subscriptions, or transport — those are the session and
// subscription packages' concerns. Subscribe/Unsubscribe requests are
// intercepted by the server before they reach Dispatch; Dispatch
// treats them as an internal routing error if it ever sees one.
type Dispatcher struct {
	adapter  adapter.DatabaseAdapter
	executor *Executor
	logger   *zap.Logger
}

func New(db adapter.DatabaseAdapter, executor *Executor, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{adapter: db, executor: executor, logger: logger}
}

// Dispatch decodes, validates, and executes req, always returning a
// Response (never a bare error) so the session loop can send it back
// verbatim. Adapter errors and parameter-validation errors both
// surface as Response.Error; only a cancelled/expired ctx returns a Go
// error, since there is then no Response to send.
func (d *Dispatcher) Dispatch(ctx context.Context, req wire.Request) (wire.Response, error) {
	var data value.Value
	var handlerErr error

	runErr := d.executor.Run(ctx, func() {
		data, handlerErr = d.handle(ctx, req)
	})
	if runErr != nil {
		return wire.Response{}, runErr
	}

	if handlerErr != nil {
		msg := handlerErr.Error()
		return wire.Response{
			ID:        req.ID,
			Success:   false,
			Error:     &msg,
			Timestamp: time.Now().UTC(),
		}, nil
	}

	return wire.Response{
		ID:        req.ID,
		Success:   true,
		Data:      &data,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (d *Dispatcher) handle(ctx context.Context, req wire.Request) (value.Value, error) {
	switch req.Type {
	case wire.KindPing:
		return value.Map(map[string]value.Value{
			"pong":      value.Bool(true),
			"timestamp": value.Float(float64(time.Now().UnixNano()) / 1e9),
		}), nil

	case wire.KindGetRealmInfo:
		info, err := d.adapter.Info(ctx)
		if err != nil {
			return value.Value{}, err
		}
		return infoToValue(info), nil

	case wire.KindListSchemas:
		schemas, err := d.adapter.ListSchemas(ctx)
		if err != nil {
			return value.Value{}, err
		}
		return d.schemaSummaryListToValue(ctx, schemas)

	case wire.KindGetSchema:
		typeName, err := requireString(req, "typeName")
		if err != nil {
			return value.Value{}, err
		}
		schema, ok, err := d.adapter.GetSchema(ctx, typeName)
		if err != nil {
			return value.Value{}, err
		}
		if !ok {
			return value.Value{}, adapter.UnknownType(typeName)
		}
		return schemaToValue(schema), nil

	case wire.KindQueryDocuments:
		return d.handleQuery(ctx, req)

	case wire.KindGetDocument:
		typeName, err := requireString(req, "typeName")
		if err != nil {
			return value.Value{}, err
		}
		pk, err := requireValue(req, "primaryKey")
		if err != nil {
			return value.Value{}, err
		}
		doc, ok, err := d.adapter.Get(ctx, typeName, pk)
		if err != nil {
			return value.Value{}, err
		}
		if !ok {
			return value.Value{}, adapter.NotFound(typeName, pk)
		}
		return doc, nil

	case wire.KindCountDocuments:
		typeName, err := requireString(req, "typeName")
		if err != nil {
			return value.Value{}, err
		}
		filter, err := optionalString(req, "filter", "")
		if err != nil {
			return value.Value{}, err
		}
		count, err := d.adapter.Count(ctx, typeName, filter)
		if err != nil {
			return value.Value{}, err
		}
		return value.Map(map[string]value.Value{"count": value.Int(count)}), nil

	case wire.KindCreateDocument:
		typeName, err := requireString(req, "typeName")
		if err != nil {
			return value.Value{}, err
		}
		data, err := requireMap(req, "data")
		if err != nil {
			return value.Value{}, err
		}
		doc, err := d.adapter.Create(ctx, typeName, data)
		if err != nil {
			return value.Value{}, err
		}
		return doc, nil

	case wire.KindUpdateDocument:
		return d.handleUpdate(ctx, req)

	case wire.KindDeleteDocument:
		typeName, err := requireString(req, "typeName")
		if err != nil {
			return value.Value{}, err
		}
		pk, err := requireValue(req, "primaryKey")
		if err != nil {
			return value.Value{}, err
		}
		deleted, err := d.adapter.Delete(ctx, typeName, pk)
		if err != nil {
			return value.Value{}, err
		}
		return value.Map(map[string]value.Value{"deleted": value.Bool(deleted)}), nil

	case wire.KindDeleteAllInCollection:
		typeName, err := requireString(req, "typeName")
		if err != nil {
			return value.Value{}, err
		}
		count, err := d.adapter.DeleteAllIn(ctx, typeName)
		if err != nil {
			return value.Value{}, err
		}
		return value.Map(map[string]value.Value{"deletedCount": value.Int(count)}), nil

	case wire.KindDeleteAllInDatabase:
		result, err := d.adapter.DeleteAll(ctx)
		if err != nil {
			return value.Value{}, err
		}
		return deleteAllResultToValue(result), nil

	default:
		return value.Value{}, unknownRequestKind(string(req.Type))
	}
}

// schemaSummaryListToValue builds listSchemas' response: one summary
// per registered type, each carrying its own live object count.
func (d *Dispatcher) schemaSummaryListToValue(ctx context.Context, schemas []adapter.SchemaInfo) (value.Value, error) {
	items := make([]value.Value, 0, len(schemas))
	for _, s := range schemas {
		count, err := d.adapter.Count(ctx, s.Name, "")
		if err != nil {
			return value.Value{}, err
		}
		items = append(items, schemaSummaryToValue(s, count))
	}
	return value.List(items...), nil
}

func (d *Dispatcher) handleQuery(ctx context.Context, req wire.Request) (value.Value, error) {
	typeName, err := requireString(req, "typeName")
	if err != nil {
		return value.Value{}, err
	}
	filter, err := optionalString(req, "filter", "")
	if err != nil {
		return value.Value{}, err
	}
	sortKeyPath, err := optionalString(req, "sortKeyPath", "")
	if err != nil {
		return value.Value{}, err
	}
	ascending, err := optionalBool(req, "ascending", true)
	if err != nil {
		return value.Value{}, err
	}
	limit, err := optionalInt(req, "limit", defaultQueryLimit)
	if err != nil {
		return value.Value{}, err
	}
	skip, err := optionalInt(req, "skip", 0)
	if err != nil {
		return value.Value{}, err
	}

	result, err := d.adapter.Query(ctx, adapter.QueryParams{
		TypeName:    typeName,
		Filter:      filter,
		SortKeyPath: sortKeyPath,
		Ascending:   ascending,
		Limit:       limit,
		Skip:        skip,
	})
	if err != nil {
		return value.Value{}, err
	}
	return queryResultToValue(result), nil
}

// handleUpdate accepts either a "changes" or a "data" parameter for
// the partial update payload. Two client generations in the field
// used different names for the same thing; rather than break one of
// them, both are honored, with "changes" checked first.
func (d *Dispatcher) handleUpdate(ctx context.Context, req wire.Request) (value.Value, error) {
	typeName, err := requireString(req, "typeName")
	if err != nil {
		return value.Value{}, err
	}
	pk, err := requireValue(req, "primaryKey")
	if err != nil {
		return value.Value{}, err
	}

	var changes map[string]value.Value
	if _, ok := req.Params["changes"]; ok {
		changes, err = requireMap(req, "changes")
	} else if _, ok := req.Params["data"]; ok {
		changes, err = requireMap(req, "data")
	} else {
		return value.Value{}, missingParameter("changes")
	}
	if err != nil {
		return value.Value{}, err
	}

	doc, err := d.adapter.Update(ctx, typeName, pk, changes)
	if err != nil {
		return value.Value{}, err
	}
	return doc, nil
}
