package watcher

import (
	"errors"
	"fmt"

	"github.com/maxpert/liveq/normalize"
)

var (
	// ErrAdmissionTimeout: earlier tickets did not complete within the admission timeout
	ErrAdmissionTimeout = errors.New("admission timeout")
	// ErrRegistrationTransport: the registration request or the topic binding failed
	ErrRegistrationTransport = errors.New("registration transport error")
	// ErrRegistrationParse: the registration reply could not be understood
	ErrRegistrationParse = errors.New("registration response parse error")
	// ErrMessageParse: a message decoded but was not a usable result
	ErrMessageParse = normalize.ErrMessageParse
	// ErrCacheApply: a message's records could not be written to the cache
	ErrCacheApply = normalize.ErrCacheApply
	// ErrDisconnected: the transport connection was lost
	ErrDisconnected = errors.New("transport disconnected")
	// ErrCancelled resolves Ready for watchers cancelled before becoming active.
	// It is never delivered to the handler.
	ErrCancelled = errors.New("watcher cancelled")
)

// Kind classifies errors delivered to a handler
type Kind int

const (
	KindAdmissionTimeout Kind = iota
	KindRegistrationTransport
	KindRegistrationParse
	KindMessageParse
	KindCacheApply
	KindDisconnected
)

var kindSentinels = map[Kind]error{
	KindAdmissionTimeout:      ErrAdmissionTimeout,
	KindRegistrationTransport: ErrRegistrationTransport,
	KindRegistrationParse:     ErrRegistrationParse,
	KindMessageParse:          ErrMessageParse,
	KindCacheApply:            ErrCacheApply,
	KindDisconnected:          ErrDisconnected,
}

func (k Kind) String() string {
	if err, ok := kindSentinels[k]; ok {
		return err.Error()
	}
	return "unknown"
}

// Error is what a handler receives; errors.Is matches both the kind sentinel
// and anything in the wrapped cause
type Error struct {
	Kind   Kind
	Ticket uint64
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("watcher %d: %s", e.Ticket, e.Kind)
	}
	return fmt.Sprintf("watcher %d: %s: %v", e.Ticket, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Terminal reports whether the error ends the watcher
func (e *Error) Terminal() bool {
	switch e.Kind {
	case KindMessageParse, KindCacheApply:
		return false
	default:
		return true
	}
}

func newError(kind Kind, ticket uint64, err error) *Error {
	return &Error{Kind: kind, Ticket: ticket, Err: err}
}

// classifyRegistration maps a registrar error to its kind
func classifyRegistration(err error) Kind {
	if errors.Is(err, ErrRegistrationParse) {
		return KindRegistrationParse
	}
	return KindRegistrationTransport
}

// classifyMessage maps a pipeline error to its kind
func classifyMessage(err error) Kind {
	if errors.Is(err, ErrCacheApply) {
		return KindCacheApply
	}
	return KindMessageParse
}
