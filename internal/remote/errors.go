package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Kind classifies a failed server interaction.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindUnreachable
	KindServer
	KindMaintenance
	KindInvalidCursor
	KindClient
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	case KindServer:
		return "server"
	case KindMaintenance:
		return "maintenance"
	case KindInvalidCursor:
		return "invalid_cursor"
	case KindClient:
		return "client"
	}
	return "unknown"
}

// Transient reports whether a later attempt may succeed unchanged.
func (k Kind) Transient() bool {
	switch k {
	case KindTimeout, KindUnreachable, KindServer, KindMaintenance:
		return true
	}
	return false
}

// Server response codes.
const (
	CodeSuccess       = 1000
	CodeMultiSuccess  = 1001
	CodeInvalidCursor = 2501
	CodeAPIOffline    = 7001
)

// Error is a classified server or transport failure.
type Error struct {
	Kind    Kind
	Status  int
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: status %d code %d: %s", e.Kind, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// FromResponse classifies a non-success HTTP answer.
func FromResponse(status, code int, message string) *Error {
	e := &Error{Status: status, Code: code, Message: message}
	switch {
	case code == CodeAPIOffline:
		e.Kind = KindMaintenance
	case code == CodeInvalidCursor:
		e.Kind = KindInvalidCursor
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout, status == http.StatusNotFound:
		e.Kind = KindTimeout
	case status >= 500:
		e.Kind = KindServer
	case status >= 400:
		e.Kind = KindClient
	default:
		e.Kind = KindServer
	}
	return e
}

// Classify resolves any error returned by a server call into a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindUnreachable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return KindUnreachable
	}
	return KindUnknown
}

// IsInvalidCursor reports whether err means the stored cursor is no longer usable.
func IsInvalidCursor(err error) bool {
	return Classify(err) == KindInvalidCursor
}
