package roads

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestBodyTooLarge is reported when a request body exceeds the
	// adapter's configured maximum. Error handlers can map it to a 413.
	ErrRequestBodyTooLarge = errors.New("roads: request body too large")

	// ErrNilResponse is reported when a Road or error handler returns neither
	// a Response nor an error.
	ErrNilResponse = errors.New("roads: nil response")

	// ErrInvalidStatus is reported when a Response carries a status outside 200-999.
	ErrInvalidStatus = errors.New("roads: invalid response status")

	// ErrHeadersAlreadySent is reported when a second response head is attempted.
	ErrHeadersAlreadySent = errors.New("roads: response headers already sent")
)

// PanicError wraps a value recovered from a panicking Road or error handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("roads: panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
