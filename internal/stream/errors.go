package stream

import (
	"errors"
	"fmt"

	"github.com/sawpanic/bookagg/internal/metrics"
)

var (
	// ErrTransport marks failures that are repaired by reconnecting
	ErrTransport = errors.New("transport error")
	// ErrProtocol marks frames that are dropped while the connection stays up
	ErrProtocol = errors.New("protocol error")

	// ErrMalformedFrame is returned when the outer frame cannot be decoded
	ErrMalformedFrame = fmt.Errorf("%w: malformed frame", ErrTransport)

	// ErrUnknownKind is returned for a frame type other than snapshot, delta or heartbeat
	ErrUnknownKind = fmt.Errorf("%w: unknown message kind", ErrProtocol)
	// ErrMissingExchange is returned when a book frame carries no exchange id
	ErrMissingExchange = fmt.Errorf("%w: missing exchange id", ErrProtocol)
	// ErrInvalidTuple is returned for a level that cannot be parsed or validated
	ErrInvalidTuple = fmt.Errorf("%w: malformed level tuple", ErrProtocol)
	// ErrAwaitingSnapshot is returned for a delta on an unknown or resyncing exchange
	ErrAwaitingSnapshot = fmt.Errorf("%w: delta before snapshot", ErrProtocol)
	// ErrCrossedBook is returned when applying a frame would cross the book
	ErrCrossedBook = fmt.Errorf("%w: crossed book", ErrProtocol)

	// ErrClosed is returned when starting a client that was already closed
	ErrClosed = errors.New("stream client closed")
	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("stream client already started")
)

// IsTransportError reports whether err should trigger a reconnect.
func IsTransportError(err error) bool { return errors.Is(err, ErrTransport) }

// IsProtocolError reports whether err caused a frame to be dropped.
func IsProtocolError(err error) bool { return errors.Is(err, ErrProtocol) }

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedFrame):
		return metrics.ReasonMalformed
	case errors.Is(err, ErrUnknownKind), errors.Is(err, ErrMissingExchange):
		return metrics.ReasonUnknownKind
	case errors.Is(err, ErrInvalidTuple):
		return metrics.ReasonInvalidLevel
	case errors.Is(err, ErrAwaitingSnapshot):
		return metrics.ReasonAwaitingSnapshot
	case errors.Is(err, ErrCrossedBook):
		return metrics.ReasonCrossedBook
	default:
		return metrics.ReasonMalformed
	}
}
