package dispatcher

import "fmt"

// requestError is a dispatcher-level failure turned directly into a
// Response.Error string. It never reaches the caller as a Go error
// value once Dispatch returns — only its message survives onto the
// wire.
type requestError struct {
	message string
}

func (e *requestError) Error() string { return e.message }

func missingParameter(name string) error {
	return &requestError{message: fmt.Sprintf("missing required parameter '%s'", name)}
}

func invalidParameter(name, reason string) error {
	return &requestError{message: fmt.Sprintf("invalid parameter '%s': %s", name, reason)}
}

func unknownRequestKind(kind string) error {
	return &requestError{message: fmt.Sprintf("unhandled request type '%s'", kind)}
}
