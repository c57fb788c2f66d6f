package panel

import (
	"errors"
	"fmt"
)

// ErrNotModified is returned when the panel answers 304 to a cached request.
var ErrNotModified = errors.New("panel: not modified")

// Kind classifies a failed panel call.
type Kind int

const (
	// Transient failures (network, timeout, 5xx) may succeed on retry.
	Transient Kind = iota
	// Rejected failures (4xx, auth) will not succeed on retry.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified panel failure.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("panel: %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("panel: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a Transient panel error.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == Transient
}

// IsRejected reports whether err is a Rejected panel error.
func IsRejected(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == Rejected
}

func kindForStatus(status int) Kind {
	switch {
	case status == 429, status >= 500:
		return Transient
	default:
		return Rejected
	}
}
