package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidParams     = errors.New("invalid strategy parameters")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrNotCancellable    = errors.New("only pending trades can be cancelled")
	ErrNoSession         = errors.New("user has no broker session")

	// ErrSignalComputation is raised inside the signal engine and always
	// resolved to a hold signal there.
	ErrSignalComputation = errors.New("signal computation failed")
)

// ErrorKind classifies broker failures into a closed set.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuthentication
	KindNetwork
	KindInvalidInput
	KindDataUnavailable
	KindOrderRejected
	KindPermissionDenied
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindNetwork:
		return "network"
	case KindInvalidInput:
		return "invalid_input"
	case KindDataUnavailable:
		return "data_unavailable"
	case KindOrderRejected:
		return "order_rejected"
	case KindPermissionDenied:
		return "permission_denied"
	default:
		return "unknown"
	}
}

// BrokerError is returned by every broker call that fails.
type BrokerError struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("broker %s (%s): %s", e.Op, e.Kind, msg)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// BrokerErrorKind extracts the kind of a broker error anywhere in the
// chain. ok is false if err is not a broker error.
func BrokerErrorKind(err error) (kind ErrorKind, ok bool) {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return KindUnknown, false
}

// IsKind reports whether err is a broker error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := BrokerErrorKind(err)
	return ok && k == kind
}

// PersistenceError wraps storage failures.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// UnrecordedOrderError means the broker accepted an order but the local
// trade record could not be written. The two sides must be reconciled.
type UnrecordedOrderError struct {
	OrderID string
	Symbol  string
	Side    OrderSide
	Err     error
}

func (e *UnrecordedOrderError) Error() string {
	return fmt.Sprintf("order %s (%s %s) placed but not recorded: %v", e.OrderID, e.Side, e.Symbol, e.Err)
}

func (e *UnrecordedOrderError) Unwrap() error {
	return e.Err
}
