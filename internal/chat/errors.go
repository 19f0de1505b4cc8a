package chat

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds. Match them with errors.Is.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("not found")
	ErrProtocol       = errors.New("protocol error")
	ErrUpstream       = errors.New("upstream error")
	ErrPersistence    = errors.New("persistence error")
	ErrCanceled       = errors.New("turn canceled")
)

// kindError tags a cause with one of the kinds above while keeping the
// cause reachable through Unwrap.
type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *kindError) Is(target error) bool { return target == e.kind }

func (e *kindError) Unwrap() error { return e.cause }

func withKind(kind, cause error) error {
	return errors.WithStack(&kindError{kind: kind, cause: cause})
}

func protocolError(format string, args ...any) error {
	return errors.WithStack(&kindError{kind: ErrProtocol, cause: fmt.Errorf(format, args...)})
}

func upstreamError(cause error) error { return withKind(ErrUpstream, cause) }

func persistenceError(cause error) error { return withKind(ErrPersistence, cause) }

func notFound(format string, args ...any) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}

func invalidRequest(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidRequest, format, args...)
}
