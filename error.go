package jms

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error creation functions used throughout the library. Each attaches a
// stack trace at the call site.
var (
	errorNew    = errors.New
	errorErrorf = errors.Errorf
	errorWrapf  = errors.Wrapf
)

var (
	// ErrConnClosed is returned by operations on a closed connection.
	ErrConnClosed = errors.New("jms: connection closed")

	// ErrSessionClosed is propagated to senders and receivers
	// when Session.Close() is called.
	ErrSessionClosed = errors.New("jms: session closed")

	// ErrLinkClosed is returned by send and receive operations when
	// Sender.Close() or Receiver.Close() are called.
	ErrLinkClosed = errors.New("jms: link closed")

	// ErrTimeout is returned when a request deadline expires before a
	// response from the peer arrives.
	ErrTimeout = errors.New("jms: timeout waiting for response")
)

// Kind classifies an error by where in the engine it originated.
type Kind uint8

const (
	KindUnknown Kind = iota

	// KindConfiguration covers unknown jms-prefixed options, malformed
	// URIs and missing connection configuration.
	KindConfiguration

	// KindTransport covers dial failures, socket errors, idle timeouts
	// and peer disconnects.
	KindTransport

	// KindProtocol covers SASL failures, unexpected performatives,
	// malformed frames and invalid disposition ranges.
	KindProtocol

	// KindResource covers opens rejected by the peer, attaches to in-use
	// durable subscriptions and unsubscribes of unknown subscriptions.
	KindResource

	// KindDelivery covers rejected/released/modified outcomes and send
	// timeouts.
	KindDelivery

	// KindApplication covers illegal local state such as use after close
	// and invalid destinations.
	KindApplication
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindResource:
		return "resource"
	case KindDelivery:
		return "delivery"
	case KindApplication:
		return "application"
	default:
		return "unknown"
	}
}

// kindError attaches a Kind to an underlying error.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Cause() error  { return e.err }

// KindOf reports the classification of err, unwrapping as needed.
// Unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	for err != nil {
		switch e := err.(type) {
		case *kindError:
			return e.kind
		case *DetachError:
			return KindResource
		}
		switch err {
		case ErrConnClosed, ErrSessionClosed, ErrLinkClosed:
			return KindApplication
		case ErrTimeout:
			return KindDelivery
		}
		switch e := err.(type) {
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		case interface{ Cause() error }:
			err = e.Cause()
		default:
			return KindUnknown
		}
	}
	return KindUnknown
}

func kindErrorf(k Kind, format string, a ...interface{}) error {
	return &kindError{kind: k, err: errors.Errorf(format, a...)}
}

func kindWrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: k, err: errors.Wrap(err, msg)}
}

func configErrorf(format string, a ...interface{}) error {
	return kindErrorf(KindConfiguration, format, a...)
}

func transportErrorf(format string, a ...interface{}) error {
	return kindErrorf(KindTransport, format, a...)
}

func protocolErrorf(format string, a ...interface{}) error {
	return kindErrorf(KindProtocol, format, a...)
}

func resourceErrorf(format string, a ...interface{}) error {
	return kindErrorf(KindResource, format, a...)
}

func deliveryErrorf(format string, a ...interface{}) error {
	return kindErrorf(KindDelivery, format, a...)
}

func appErrorf(format string, a ...interface{}) error {
	return kindErrorf(KindApplication, format, a...)
}

// DetachError is returned by a link (Receiver/Sender) when a detach
// frame is received.
//
// RemoteError will be nil if the link was detached gracefully.
type DetachError struct {
	RemoteError *Error
}

func (e *DetachError) Error() string {
	return fmt.Sprintf("link detached, reason: %+v", e.RemoteError)
}
