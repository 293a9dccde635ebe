package transport

import (
	"errors"
	"fmt"

	"github.com/irctrakz/wgtunnel/pkg/core"
)

var (
	// ErrQueueFull means the plaintext queue towards the cipher was full.
	ErrQueueFull = errors.New("queue full")

	// ErrClosed is returned once the transport is closed.
	ErrClosed = core.ErrTransportClosed
)

// Error is returned by transport operations. Transient errors affect a single
// packet; the rest mean the transport is unusable.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a per-packet transport failure.
func IsTransient(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Transient
}
