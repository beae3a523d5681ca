package dispatcher

import (
	"github.com/realminspector/agent/internal/value"
	"github.com/realminspector/agent/internal/wire"
)

func requireString(req wire.Request, name string) (string, error) {
	v, ok := req.Params[name]
	if !ok {
		return "", missingParameter(name)
	}
	s, ok := v.AsString()
	if !ok {
		return "", invalidParameter(name, "must be a string")
	}
	return s, nil
}

func requireValue(req wire.Request, name string) (value.Value, error) {
	v, ok := req.Params[name]
	if !ok {
		return value.Value{}, missingParameter(name)
	}
	return v, nil
}

func requireMap(req wire.Request, name string) (map[string]value.Value, error) {
	v, ok := req.Params[name]
	if !ok {
		return nil, missingParameter(name)
	}
	m, ok := v.AsMap()
	if !ok {
		return nil, invalidParameter(name, "must be an object")
	}
	return m, nil
}

func optionalString(req wire.Request, name, fallback string) (string, error) {
	v, ok := req.Params[name]
	if !ok {
		return fallback, nil
	}
	s, ok := v.AsString()
	if !ok {
		return "", invalidParameter(name, "must be a string")
	}
	return s, nil
}

func optionalInt(req wire.Request, name string, fallback int64) (int64, error) {
	v, ok := req.Params[name]
	if !ok {
		return fallback, nil
	}
	i, ok := v.AsI64()
	if !ok {
		return 0, invalidParameter(name, "must be an integer")
	}
	return i, nil
}

func optionalBool(req wire.Request, name string, fallback bool) (bool, error) {
	v, ok := req.Params[name]
	if !ok {
		return fallback, nil
	}
	b, ok := v.AsBool()
	if !ok {
		return false, invalidParameter(name, "must be a boolean")
	}
	return b, nil
}
