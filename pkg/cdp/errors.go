package cdp

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDisconnected is returned for every pending and subsequent command
	// once the underlying stream has closed.
	ErrDisconnected = errors.New("cdp: connection closed")

	// ErrTimeout matches any *TimeoutError via errors.Is.
	ErrTimeout = errors.New("cdp: timeout")
)

// ProtocolError is a remote-reported command failure, or a response that
// could not be decoded.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
	Data    string
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("cdp: %s failed: %s (code %d)", e.Method, e.Message, e.Code)
	if e.Data != "" {
		msg += ": " + e.Data
	}
	return msg
}

// TimeoutError reports an operation that exceeded its deadline. The
// connection stays usable.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("cdp: %s timed out after %s", e.Op, e.After)
	}
	return fmt.Sprintf("cdp: %s timed out", e.Op)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
