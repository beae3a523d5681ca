// Package value implements the tagged value model shared by requests,
// responses, and documents produced by the database adapter.
package value

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Kind identifies the tag of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindData
	KindTimestamp
	KindObjectID
	KindUUID
	KindDecimal128
	KindList
	KindMap
)

// Value is an immutable, JSON-compatible tagged sum type. Once
// constructed a Value is never mutated; List/Map constructors copy
// their inputs so callers can't reach back in and change a Value after
// the fact.
type Value struct {
	kind Kind

	boolVal   bool
	intVal    int64
	floatVal  float64
	stringVal string
	dataVal   []byte
	timeVal   time.Time
	listVal   []Value
	mapVal    map[string]Value
}

func Null() Value                  { return Value{kind: KindNull} }
func Bool(v bool) Value            { return Value{kind: KindBool, boolVal: v} }
func Int(v int64) Value            { return Value{kind: KindInt, intVal: v} }
func Float(v float64) Value        { return Value{kind: KindFloat, floatVal: v} }
func String(v string) Value        { return Value{kind: KindString, stringVal: v} }
func ObjectID(v string) Value      { return Value{kind: KindObjectID, stringVal: v} }
func UUID(v string) Value          { return Value{kind: KindUUID, stringVal: v} }
func Decimal128(v string) Value    { return Value{kind: KindDecimal128, stringVal: v} }
func Timestamp(v time.Time) Value  { return Value{kind: KindTimestamp, timeVal: v} }

func Data(v []byte) Value {
	cp := make([]byte, len(v))
	copy(cp, v)
	return Value{kind: KindData, dataVal: cp}
}

func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, listVal: cp}
}

// Map builds a Value of kind KindMap from the given entries. Insertion
// order carries no meaning; MarshalJSON sorts keys for deterministic
// output.
func Map(entries map[string]Value) Value {
	cp := make(map[string]Value, len(entries))
	for k, v := range entries {
		cp[k] = v
	}
	return Value{kind: KindMap, mapVal: cp}
}

func (v Value) Kind() Kind  { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.boolVal, true
}

func (v Value) AsI64() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.intVal, true
}

// AsF64 succeeds for both KindInt and KindFloat.
func (v Value) AsF64() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.floatVal, true
	case KindInt:
		return float64(v.intVal), true
	default:
		return 0, false
	}
}

func (v Value) AsString() (string, bool) {
	switch v.kind {
	case KindString, KindObjectID, KindUUID, KindDecimal128:
		return v.stringVal, true
	default:
		return "", false
	}
}

func (v Value) AsData() ([]byte, bool) {
	if v.kind != KindData {
		return nil, false
	}
	return v.dataVal, true
}

func (v Value) AsTimestamp() (time.Time, bool) {
	if v.kind != KindTimestamp {
		return time.Time{}, false
	}
	return v.timeVal, true
}

func (v Value) AsSeq() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.listVal, true
}

func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.mapVal, true
}

// Get returns the value for key when v is a map; a missing key is
// absent, not an error.
func (v Value) Get(key string) (Value, bool) {
	m, ok := v.AsMap()
	if !ok {
		return Value{}, false
	}
	item, ok := m[key]
	return item, ok
}

// Truncate bounds v's List/Map structure before serialization, the
// way the adapter's serializer caps a pathological object graph
// rather than producing an unbounded frame. maxDepth (0 = unlimited)
// counts nested List/Map levels; a List or Map nested past it
// collapses to a `_truncated` marker. maxListItems (0 = unlimited)
// caps how many items of any one List are kept, with the remainder
// replaced by a single trailing marker recording how many were
// omitted. Map key count is never capped — only list width and
// nesting depth are.
func (v Value) Truncate(maxDepth, maxListItems int) Value {
	if maxDepth <= 0 && maxListItems <= 0 {
		return v
	}
	return v.truncateAt(maxDepth, maxListItems, 0)
}

func (v Value) truncateAt(maxDepth, maxListItems, depth int) Value {
	switch v.kind {
	case KindList:
		if maxDepth > 0 && depth >= maxDepth {
			return truncatedMarker(len(v.listVal))
		}
		items := v.listVal
		omitted := 0
		if maxListItems > 0 && len(items) > maxListItems {
			omitted = len(items) - maxListItems
			items = items[:maxListItems]
		}
		out := make([]Value, 0, len(items)+1)
		for _, item := range items {
			out = append(out, item.truncateAt(maxDepth, maxListItems, depth+1))
		}
		if omitted > 0 {
			out = append(out, truncatedMarker(omitted))
		}
		return Value{kind: KindList, listVal: out}
	case KindMap:
		if maxDepth > 0 && depth >= maxDepth {
			return truncatedMarker(len(v.mapVal))
		}
		out := make(map[string]Value, len(v.mapVal))
		for k, item := range v.mapVal {
			out[k] = item.truncateAt(maxDepth, maxListItems, depth+1)
		}
		return Value{kind: KindMap, mapVal: out}
	default:
		return v
	}
}

func truncatedMarker(omittedCount int) Value {
	return Map(map[string]Value{
		"_truncated":    Bool(true),
		"_omittedCount": Int(int64(omittedCount)),
	})
}

const (
	typeFieldObjectID   = "ObjectId"
	typeFieldDate       = "Date"
	typeFieldData       = "Data"
	typeFieldDecimal128 = "Decimal128"
)

const dataPreviewMax = 64

// MarshalJSON encodes a Value per the natural-JSON and typed-value
// wire forms used throughout the protocol. Map keys are sorted for
// deterministic output.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.boolVal)
	case KindInt:
		return json.Marshal(v.intVal)
	case KindFloat:
		return json.Marshal(v.floatVal)
	case KindString:
		return json.Marshal(v.stringVal)
	case KindObjectID:
		return json.Marshal(map[string]string{"_type": typeFieldObjectID, "value": v.stringVal})
	case KindUUID:
		return json.Marshal(v.stringVal)
	case KindDecimal128:
		return json.Marshal(map[string]string{"_type": typeFieldDecimal128, "value": v.stringVal})
	case KindTimestamp:
		return json.Marshal(map[string]any{
			"_type":     typeFieldDate,
			"iso":       v.timeVal.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			"timestamp": float64(v.timeVal.UnixNano()) / 1e9,
		})
	case KindData:
		truncated := len(v.dataVal) > dataPreviewMax
		preview := v.dataVal
		if truncated {
			preview = v.dataVal[:dataPreviewMax]
		}
		return json.Marshal(map[string]any{
			"_type":     typeFieldData,
			"length":    len(v.dataVal),
			"preview":   base64.StdEncoding.EncodeToString(preview),
			"truncated": truncated,
		})
	case KindList:
		return json.Marshal(v.listVal)
	case KindMap:
		return marshalSortedMap(v.mapVal)
	default:
		return nil, fmt.Errorf("value: unknown kind %d", v.kind)
	}
}

// UnmarshalJSON decodes the natural-JSON forms plus the typed-value
// wrappers discriminated by "_type". Unknown "_type" discriminators
// decode as an ordinary map rather than an error.
func (v *Value) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*v = fromAny(raw)
	return nil
}

func fromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		if t == float64(int64(t)) {
			return Int(int64(t))
		}
		return Float(t)
	case string:
		return String(t)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = fromAny(item)
		}
		return List(items...)
	case map[string]any:
		if typed, ok := typedValueFromMap(t); ok {
			return typed
		}
		entries := make(map[string]Value, len(t))
		for k, item := range t {
			entries[k] = fromAny(item)
		}
		return Map(entries)
	default:
		return Null()
	}
}

func typedValueFromMap(m map[string]any) (Value, bool) {
	discriminator, ok := m["_type"].(string)
	if !ok {
		return Value{}, false
	}
	switch discriminator {
	case typeFieldObjectID:
		if s, ok := m["value"].(string); ok {
			return ObjectID(s), true
		}
	case typeFieldDecimal128:
		if s, ok := m["value"].(string); ok {
			return Decimal128(s), true
		}
	case typeFieldData:
		if s, ok := m["preview"].(string); ok {
			raw, err := base64.StdEncoding.DecodeString(s)
			if err == nil {
				return Data(raw), true
			}
		}
	case typeFieldDate:
		if iso, ok := m["iso"].(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, iso); err == nil {
				return Timestamp(ts), true
			}
		}
	}
	return Value{}, false
}

func marshalSortedMap(m map[string]Value) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 64)
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		vb, err := m[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}
