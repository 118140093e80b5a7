package types

import (
	"errors"
	"fmt"
)

// ErrorClass partitions pipeline failures by how the caller should react.
type ErrorClass string

const (
	// ClassTransient covers environmental hiccups (I/O timeouts, lock
	// contention, short-lived starvation). Retried per policy.
	ClassTransient ErrorClass = "transient"
	// ClassInputInvalid covers violated preconditions (missing inputs,
	// bad paths). Never retried; surfaced to the operator.
	ClassInputInvalid ErrorClass = "input_invalid"
	// ClassKernelFailure covers structured errors from the numerical
	// kernels. Retried only when the kernel declares the call retryable.
	ClassKernelFailure ErrorClass = "kernel_failure"
	// ClassContract covers stage outputs that failed postflight checks.
	// Retried like a kernel failure, then dead-lettered.
	ClassContract ErrorClass = "contract"
	// ClassFatal covers store corruption, configuration errors, and
	// unhandled conditions. Halts the worker.
	ClassFatal ErrorClass = "fatal"
)

// PipelineError attaches a class, operation name, and retry hint to a cause.
type PipelineError struct {
	Class ErrorClass
	Op    string
	Retry bool
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable environmental failure.
func Transient(op string, err error) error {
	return &PipelineError{Class: ClassTransient, Op: op, Retry: true, Err: err}
}

// Transientf formats a new transient error.
func Transientf(op, format string, args ...interface{}) error {
	return &PipelineError{Class: ClassTransient, Op: op, Retry: true, Err: fmt.Errorf(format, args...)}
}

// InputInvalid wraps err as a non-retryable precondition failure.
func InputInvalid(op string, err error) error {
	return &PipelineError{Class: ClassInputInvalid, Op: op, Err: err}
}

// InputInvalidf formats a new precondition failure.
func InputInvalidf(op, format string, args ...interface{}) error {
	return &PipelineError{Class: ClassInputInvalid, Op: op, Err: fmt.Errorf(format, args...)}
}

// KernelFailure wraps err as a kernel failure; retryable says whether the
// kernel declared the operation safe to re-run.
func KernelFailure(op string, err error, retryable bool) error {
	return &PipelineError{Class: ClassKernelFailure, Op: op, Retry: retryable, Err: err}
}

// Contract wraps err as a postflight contract violation. Retried per stage
// policy before dead-lettering.
func Contract(op string, err error) error {
	return &PipelineError{Class: ClassContract, Op: op, Retry: true, Err: err}
}

// Contractf formats a new contract violation.
func Contractf(op, format string, args ...interface{}) error {
	return &PipelineError{Class: ClassContract, Op: op, Retry: true, Err: fmt.Errorf(format, args...)}
}

// Fatal wraps err as a worker-halting failure.
func Fatal(op string, err error) error {
	return &PipelineError{Class: ClassFatal, Op: op, Err: err}
}

// ClassOf returns the class of err. Unclassified errors are treated as
// transient so unexpected I/O failures get retried rather than poisoning a
// job permanently.
func ClassOf(err error) ErrorClass {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassTransient
}

// Retryable reports whether err warrants another attempt.
func Retryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retry
	}
	return true
}
