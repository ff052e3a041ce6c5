package workflow

import (
	"errors"
	"fmt"
)

// Rejection kinds. Every error returned by the engine wraps exactly one of them.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrForbidden           = errors.New("forbidden")
	ErrAssigneeUnavailable = errors.New("assignee unavailable")
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrConflict            = errors.New("conflict")
	ErrTransientFailure    = errors.New("transient failure")
	ErrInvalidRequest      = errors.New("invalid request")
)

// Guard names carried by RejectionError.
const (
	GuardStatus            = "status"
	GuardRole              = "role"
	GuardArea              = "area"
	GuardAssignee          = "assignee"
	GuardReporter          = "reporter"
	GuardAssigneeAvailable = "assignee_available"
	GuardCapacity          = "capacity"
	GuardSingleWorkorder   = "single_workorder_per_alarm"
	GuardConfirmTimeout    = "confirm_timeout"
	GuardRequest           = "request"
	GuardDataStore         = "data_store"
	GuardConcurrentUpdate  = "concurrent_update"
	GuardExists            = "exists"
)

// RejectionError 拒绝原因：Kind 为错误类别，Guard 为未通过的校验项
type RejectionError struct {
	Kind    error
	Guard   string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s [%s]", e.Kind, e.Message, e.Guard)
}

func (e *RejectionError) Unwrap() error {
	return e.Kind
}

// Reject builds a RejectionError.
func Reject(kind error, guard, format string, args ...any) *RejectionError {
	return &RejectionError{Kind: kind, Guard: guard, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps a data-store failure.
func Transient(op string, err error) *RejectionError {
	return &RejectionError{Kind: ErrTransientFailure, Guard: GuardDataStore, Message: fmt.Sprintf("%s: %v", op, err)}
}

var kinds = []error{
	ErrNotFound,
	ErrInvalidState,
	ErrForbidden,
	ErrAssigneeUnavailable,
	ErrCapacityExceeded,
	ErrConflict,
	ErrTransientFailure,
	ErrInvalidRequest,
}

// KindOf returns the rejection kind of err, or nil when err is not a rejection.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// GuardOf returns the failing guard name, if any.
func GuardOf(err error) string {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Guard
	}
	return ""
}
