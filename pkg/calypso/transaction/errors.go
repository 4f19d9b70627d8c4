package transaction

import (
	"fmt"
	"strings"

	"github.com/gregLibert/calypso-terminal/pkg/reader"
	"github.com/pkg/errors"
)

// ErrorKind classifies the failures of a transaction.
type ErrorKind int

const (
	KindTransport ErrorKind = iota + 1
	KindProtocolInconsistency
	KindSecurityPolicy
	KindSecurityExchange
	KindDigestComputation
	KindSvSecurity
	KindPrediction
	KindInvalidArgument
	KindInvalidIndex
	KindIllegalState
)

var errorKindNames = map[ErrorKind]string{
	KindTransport:             "transport failure",
	KindProtocolInconsistency: "protocol inconsistency",
	KindSecurityPolicy:        "security policy violation",
	KindSecurityExchange:      "security exchange error",
	KindDigestComputation:     "digest computation error",
	KindSvSecurity:            "stored value security error",
	KindPrediction:            "prediction error",
	KindInvalidArgument:       "invalid argument",
	KindInvalidIndex:          "invalid index",
	KindIllegalState:          "illegal state",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the error returned by transaction operations.
//
// Partial holds the PO responses received before a transport failure, when any.
type Error struct {
	Kind    ErrorKind
	Op      string
	Msg     string
	Partial *reader.Response
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.String())
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrTransport             = &Error{Kind: KindTransport}
	ErrProtocolInconsistency = &Error{Kind: KindProtocolInconsistency}
	ErrSecurityPolicy        = &Error{Kind: KindSecurityPolicy}
	ErrSecurityExchange      = &Error{Kind: KindSecurityExchange}
	ErrDigestComputation     = &Error{Kind: KindDigestComputation}
	ErrSvSecurity            = &Error{Kind: KindSvSecurity}
	ErrPrediction            = &Error{Kind: KindPrediction}
	ErrInvalidArgument       = &Error{Kind: KindInvalidArgument}
	ErrInvalidIndex          = &Error{Kind: KindInvalidIndex}
	ErrIllegalState          = &Error{Kind: KindIllegalState}
)

func newError(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// transportError keeps the partial response of a *reader.TransmitError.
func transportError(op string, err error) *Error {
	e := &Error{Kind: KindTransport, Op: op, Err: err}
	var te *reader.TransmitError
	if errors.As(err, &te) {
		e.Partial = te.Partial
	}
	return e
}
