package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Common domain errors
	ErrNotFound            = errors.New("entity not found")
	ErrAlreadyExists       = errors.New("entity already exists")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrOperationFailed     = errors.New("database operation failed")
	ErrReadDatabaseRow     = errors.New("failed to read database row")
	ErrInvalidExecContext  = errors.New("invalid execution context")
	ErrPersistenceConflict = errors.New("record was modified concurrently")
	ErrLockNotAcquired     = errors.New("lock held by another worker")
)

// Kind classifies an error for callers and transport mapping.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindAmountMismatch      Kind = "amount_mismatch"
	KindGateway             Kind = "gateway"
	KindPersistenceConflict Kind = "persistence_conflict"
	KindInternal            Kind = "internal"
)

// Error is the application error carried from use cases to transports.
type Error struct {
	Kind    Kind
	Op      string // e.g. "payment.complete"
	Message string

	// Violations lists every failed input constraint for KindValidation.
	Violations []string

	// Retryable is meaningful for KindGateway only.
	Retryable bool

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if len(e.Violations) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Violations, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind of err. Bare sentinels are mapped to their closest kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyExists):
		return KindConflict
	case errors.Is(err, ErrInvalidArgument):
		return KindValidation
	case errors.Is(err, ErrPersistenceConflict):
		return KindPersistenceConflict
	}
	return KindInternal
}

// IsKind reports whether err is of kind k.
func IsKind(err error, k Kind) bool { return KindOf(err) == k }

// Validation builds a validation error listing all violations.
func Validation(op string, violations ...string) error {
	return &Error{Kind: KindValidation, Op: op, Message: "invalid input", Violations: violations, Err: ErrInvalidArgument}
}

func NotFound(op, what string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: what + " not found", Err: ErrNotFound}
}

func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

func AmountMismatch(op, expected, got string) error {
	return &Error{
		Kind:    KindAmountMismatch,
		Op:      op,
		Message: fmt.Sprintf("paid amount %s does not match expected %s", got, expected),
	}
}

func Gateway(op string, err error, retryable bool) error {
	return &Error{Kind: KindGateway, Op: op, Message: "payment gateway error", Retryable: retryable, Err: err}
}

func PersistenceConflict(op string) error {
	return &Error{Kind: KindPersistenceConflict, Op: op, Message: "concurrent update, retry the operation", Err: ErrPersistenceConflict}
}

func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindInternal, Op: op, Message: "internal error", Err: err}
}

// Wrap keeps already-classified errors intact and classifies the rest as internal.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch KindOf(err) {
	case KindNotFound:
		return &Error{Kind: KindNotFound, Op: op, Message: "not found", Err: err}
	case KindPersistenceConflict:
		return PersistenceConflict(op)
	case KindConflict:
		return &Error{Kind: KindConflict, Op: op, Message: "already exists", Err: err}
	}
	return Internal(op, err)
}
