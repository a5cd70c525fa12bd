package market

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransport marks connection level failures: refused, reset, unexpected close.
	ErrTransport = errors.New("transport error")
	// ErrTimeout marks a network operation that exceeded its deadline. Errors wrapping
	// ErrTimeout also match ErrTransport.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrTransport)
)

// VenueError is an application level error envelope reported by a venue, as opposed to a
// transport failure.
type VenueError struct {
	Exchange string
	Op       string
	Messages []string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Exchange, e.Op, strings.Join(e.Messages, "; "))
}

// ParseError reports a payload that did not have the expected shape.
type ParseError struct {
	Exchange string
	What     string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: unable to parse %s", e.Exchange, e.What)
	}
	return fmt.Sprintf("%s: unable to parse %s: %v", e.Exchange, e.What, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
