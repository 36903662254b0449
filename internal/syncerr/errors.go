// Package syncerr defines the failure kinds reported by the sync layer. None
// of them is returned synchronously from an asynchronous operation; they are
// delivered through error callbacks and the notice queue.
package syncerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure.
type Kind string

const (
	// AuthMissing means no credential is stored locally; the caller must send
	// the user through login.
	AuthMissing Kind = "auth_missing"
	// TransportError covers dial failures, timeouts and connection loss.
	TransportError Kind = "transport_error"
	// AuthRejected means the server declined the authenticate handshake.
	AuthRejected Kind = "auth_rejected"
	// RefetchFailed means a REST refetch during reconciliation failed.
	RefetchFailed Kind = "refetch_failed"
	// Unauthorized means the REST collaborator answered 401.
	Unauthorized Kind = "unauthorized"
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New builds an Error of the given kind. err may be nil.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so that
// errors.Is(err, syncerr.New(syncerr.AuthRejected, "", nil)) works, and also
// matches the kind sentinels below.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t.Kind == e.Kind
	case kindSentinel:
		return Kind(t) == e.Kind
	}
	return false
}

type kindSentinel Kind

func (k kindSentinel) Error() string { return string(k) }

// Sentinels for errors.Is.
var (
	ErrAuthMissing   error = kindSentinel(AuthMissing)
	ErrTransport     error = kindSentinel(TransportError)
	ErrAuthRejected  error = kindSentinel(AuthRejected)
	ErrRefetchFailed error = kindSentinel(RefetchFailed)
	ErrUnauthorized  error = kindSentinel(Unauthorized)
)

// KindOf returns the kind of the first *Error in err's chain, or "" if there
// is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
