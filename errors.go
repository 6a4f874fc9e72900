// Package kestrel assembles the kernel core's subsystems — physical and
// virtual memory, the kernel heap, the scheduler, interrupt dispatch,
// the RPC engine, the timer, and the syscall table — behind a single
// Boot() facade, the way the teacher's root package assembles its
// control plane and queue runners behind CreateAndServe.
package kestrel

import (
	"errors"
	"fmt"
)

// Error is a structured kernel error with enough context to trace which
// subsystem, process, and thread were involved, mirroring the teacher's
// root Error type (Op/DevID/Queue/Code/Errno) but keyed to kernel
// concepts instead of block-device ones.
type Error struct {
	Op    string    // operation that failed, e.g. "rpc.raise", "sched.schedule"
	Pid   uint32    // process id, 0 if not applicable
	Tid   uint32    // thread id, 0 if not applicable
	Code  ErrorCode // high-level error category
	Msg   string    // human-readable message
	Inner error     // wrapped error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Pid != 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.Pid))
	}
	if e.Tid != 0 {
		parts = append(parts, fmt.Sprintf("tid=%d", e.Tid))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("kestrel: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("kestrel: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is a high-level kernel error category.
type ErrorCode string

const (
	ErrCodeNotImplemented    ErrorCode = "not implemented"
	ErrCodeOutOfMemory       ErrorCode = "out of memory"
	ErrCodeInvalidAddress    ErrorCode = "invalid address"
	ErrCodeProcessNotFound   ErrorCode = "process not found"
	ErrCodeThreadNotFound    ErrorCode = "thread not found"
	ErrCodeRPCNotReady       ErrorCode = "rpc target not ready"
	ErrCodeInterruptNesting  ErrorCode = "interrupt nesting exceeded"
	ErrCodeBootFailed        ErrorCode = "boot sequence failed"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
)

// NewError builds a structured kernel error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewProcessError builds a structured error scoped to a process.
func NewProcessError(op string, pid uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Pid: pid, Code: code, Msg: msg}
}

// NewThreadError builds a structured error scoped to a thread.
func NewThreadError(op string, pid, tid uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Pid: pid, Tid: tid, Code: code, Msg: msg}
}

// WrapError wraps an existing error with kernel context, preserving the
// inner error's fields if it is already structured.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ke, ok := inner.(*Error); ok {
		return &Error{Op: op, Pid: ke.Pid, Tid: ke.Tid, Code: ke.Code, Msg: ke.Msg, Inner: ke.Inner}
	}
	return &Error{Op: op, Code: ErrCodeNotImplemented, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a structured Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code == code
	}
	return false
}
