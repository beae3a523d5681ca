package adapter

import "fmt"

// ErrorKind is the closed taxonomy of adapter-level failures. The
// dispatcher never inspects these programmatically beyond propagating
// their message; they exist so an adapter implementation has a small,
// named vocabulary to return instead of ad-hoc errors.
type ErrorKind string

const (
	ErrUnknownType       ErrorKind = "UnknownType"
	ErrInvalidPredicate  ErrorKind = "InvalidPredicate"
	ErrInvalidPrimaryKey ErrorKind = "InvalidPrimaryKey"
	ErrPropertyNotFound  ErrorKind = "PropertyNotFound"
	ErrNotFound          ErrorKind = "NotFound"
	ErrAlreadyExists     ErrorKind = "AlreadyExists"
	ErrWriteFailed       ErrorKind = "WriteFailed"
	ErrReadOnly          ErrorKind = "ReadOnly"
)

// Error is the error type adapter implementations should return so
// callers can distinguish adapter failures from transport/codec ones.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func UnknownType(typeName string) *Error {
	return NewError(ErrUnknownType, "Schema '%s' not found", typeName)
}

func NotFound(typeName string, primaryKey any) *Error {
	return NewError(ErrNotFound, "No %s object found with primary key %v", typeName, primaryKey)
}

func AlreadyExists(typeName string, primaryKey any) *Error {
	return NewError(ErrAlreadyExists, "%s with primary key %v already exists", typeName, primaryKey)
}

func PropertyNotFound(typeName, property string) *Error {
	return NewError(ErrPropertyNotFound, "%s has no property '%s'", typeName, property)
}

func InvalidPredicate(reason string) *Error {
	return NewError(ErrInvalidPredicate, "invalid filter: %s", reason)
}

func InvalidPrimaryKey(reason string) *Error {
	return NewError(ErrInvalidPrimaryKey, "invalid primary key: %s", reason)
}
