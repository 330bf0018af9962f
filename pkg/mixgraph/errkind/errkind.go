// Package errkind defines the failure kinds the daemon reports to callers and
// observers.
package errkind

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Unknown Kind = iota
	ConnectionLost
	EndpointTimeout
	HelperProcessUnavailable
	PluginRejected
	PluginFault
	// RoutingConflict is never raised, ambiguous matches resolve by precedence
	RoutingConflict
	NotFound
	InvalidArgument
)

func (k Kind) String() string {
	switch k {
	case ConnectionLost:
		return "ConnectionLost"
	case EndpointTimeout:
		return "EndpointTimeout"
	case HelperProcessUnavailable:
		return "HelperProcessUnavailable"
	case PluginRejected:
		return "PluginRejected"
	case PluginFault:
		return "PluginFault"
	case RoutingConflict:
		return "RoutingConflict"
	case NotFound:
		return "NotFound"
	case InvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// Error carries a Kind along with the operation that failed
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

var (
	ErrConnectionLost           = &Error{Kind: ConnectionLost}
	ErrEndpointTimeout          = &Error{Kind: EndpointTimeout}
	ErrHelperProcessUnavailable = &Error{Kind: HelperProcessUnavailable}
	ErrPluginRejected           = &Error{Kind: PluginRejected}
	ErrPluginFault              = &Error{Kind: PluginFault}
	ErrNotFound                 = &Error{Kind: NotFound}
	ErrInvalidArgument          = &Error{Kind: InvalidArgument}
)

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
