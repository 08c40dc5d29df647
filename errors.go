package mockxhr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when a request method is called out of
	// order, such as sending twice without reopening.
	ErrInvalidState = errors.New("request is in an invalid state")
	// ErrUnknownProperty is returned when setting a property that is not in
	// the request's registry.
	ErrUnknownProperty = errors.New("unknown request property")
	// ErrRequestAborted is returned by the round tripper when a request ends
	// with an abort event.
	ErrRequestAborted = errors.New("request aborted")
)

// TransportError is returned by the round tripper when a request ends with
// an error or timeout event.
type TransportError struct {
	// Event is the event name that ended the request.
	Event string
	// URL is the URL the request was sent to.
	URL string
	// Err is the error reported with the event, if any.
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("request to %q ended with %s event", e.URL, e.Event)
	}
	return fmt.Sprintf("request to %q ended with %s event: %v", e.URL, e.Event, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
