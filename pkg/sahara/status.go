package sahara

import "fmt"

// Status mirrors the device-reported Sahara status codes of note (spec
// §4.2), modeled as an explicit enum with a String() method and a
// fatal/retryable classification — the same shape as the teacher's
// driver.Status (pkg/driver/errors.go), generalized from Hailo firmware
// status codes to Sahara status codes.
type Status uint32

const (
	StatusSuccess                 Status = 0
	StatusHashTableAuthFailure    Status = 0x0B
	StatusHashVerificationFailure Status = 0x0C
	StatusHashTableNotFound       Status = 0x0D
	StatusProtocolMismatch        Status = 0x17
	StatusInvalidElfHeader        Status = 0x18
	StatusReceiveTimeout          Status = 0x1E
)

var statusNames = map[Status]string{
	StatusSuccess:                 "success",
	StatusHashTableAuthFailure:    "hash table auth failure",
	StatusHashVerificationFailure: "hash verification failure",
	StatusHashTableNotFound:       "hash table not found",
	StatusProtocolMismatch:        "protocol mismatch",
	StatusInvalidElfHeader:        "invalid ELF header",
	StatusReceiveTimeout:          "receive timeout",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown sahara status (%d)", uint32(s))
}

// Fatal reports whether this status must never be retried: the loader and
// device are mismatched, the image is tampered, it is unsigned, the
// protocol itself is incompatible, or the ELF container is malformed.
// Unlisted statuses, including transport-style ones like
// StatusReceiveTimeout, are treated as retryable rather than fatal.
func (s Status) Fatal() bool {
	switch s {
	case StatusHashTableAuthFailure, StatusHashVerificationFailure,
		StatusHashTableNotFound, StatusProtocolMismatch, StatusInvalidElfHeader:
		return true
	default:
		return false
	}
}

// Err is the error type surfaced for any Sahara terminal condition.
type Err struct {
	Status  Status
	Context string
	Cause   error
}

// Error implements the error interface.
func (e *Err) Error() string {
	if e.Context != "" {
		if e.Cause != nil {
			return fmt.Sprintf("sahara: %s: %s: %v", e.Context, e.Status, e.Cause)
		}
		return fmt.Sprintf("sahara: %s: %s", e.Context, e.Status)
	}
	if e.Cause != nil {
		return fmt.Sprintf("sahara: %s: %v", e.Status, e.Cause)
	}
	return fmt.Sprintf("sahara: %s", e.Status)
}

// Unwrap returns the underlying cause, if any.
func (e *Err) Unwrap() error { return e.Cause }

// NewErr builds a terminal Sahara error for status in the given context.
func NewErr(status Status, context string) *Err {
	return &Err{Status: status, Context: context}
}

// NewErrWithCause builds a terminal Sahara error wrapping cause.
func NewErrWithCause(status Status, context string, cause error) *Err {
	return &Err{Status: status, Context: context, Cause: cause}
}

// ErrProtocolViolation marks a malformed-packet / oversize-packet /
// loop-guard condition that is not a device-reported status at all.
type ErrProtocolViolation struct {
	Reason string
}

func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("sahara: protocol violation: %s", e.Reason)
}

// ErrCancelled is returned when the caller's context is cancelled mid
// state-machine run.
var ErrCancelled = fmt.Errorf("sahara: cancelled")
