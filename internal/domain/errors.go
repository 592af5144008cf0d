package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies every error the order core surfaces.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindNetwork           Kind = "network"
	KindConnectionLost    Kind = "connection_lost"
)

// FieldError points at a single invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error carries the kind plus the context needed to log and act on it.
type Error struct {
	Kind    Kind
	Message string
	OrderID string
	From    Status
	To      Status
	Fields  []FieldError
	Err     error
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrNetwork           = &Error{Kind: KindNetwork}
	ErrConnectionLost    = &Error{Kind: KindConnectionLost}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.OrderID != "" {
		fmt.Fprintf(&b, " (order %s", e.OrderID)
		if e.To != "" {
			fmt.Fprintf(&b, ", %s -> %s", e.From, e.To)
		}
		b.WriteString(")")
	}
	for _, f := range e.Fields {
		fmt.Fprintf(&b, "; %s: %s", f.Field, f.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func NewValidationError(fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Message: "invalid order data", Fields: fields}
}

func NewNotFoundError(orderID string) *Error {
	return &Error{Kind: KindNotFound, Message: "order not found", OrderID: orderID}
}

func NewInvalidTransitionError(orderID string, from, to Status) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: "status transition not allowed",
		OrderID: orderID,
		From:    from,
		To:      to,
	}
}

func NewNetworkError(op string, cause error) *Error {
	return &Error{Kind: KindNetwork, Message: op, Err: cause}
}

func NewConnectionLost(cause error) *Error {
	return &Error{Kind: KindConnectionLost, Message: "event channel dropped", Err: cause}
}
