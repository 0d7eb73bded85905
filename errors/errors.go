// Package errors provides the error taxonomy shared by the signer, the transports and the
// transfer engine.
//
// Every failure that reaches a caller is one of the typed errors below, or an *Error wrapping
// one of them with operation context. Use errors.As from the standard library to inspect them.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error represents a failed operation with context about the object it was working on.
type Error struct {
	// Op is the operation that failed (e.g. "upload", "copy")
	Op string

	// Bucket is the bucket name (if applicable)
	Bucket string

	// Key is the object key (if applicable)
	Key string

	// Err is the original failure
	Err error

	// Suppressed holds a secondary failure that happened while cleaning up after Err,
	// for example a failed multipart abort. It never replaces Err.
	Suppressed error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var msg string
	switch {
	case e.Bucket != "" && e.Key != "":
		msg = fmt.Sprintf("%s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	case e.Bucket != "":
		msg = fmt.Sprintf("%s bucket %s: %v", e.Op, e.Bucket, e.Err)
	default:
		msg = fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Suppressed != nil {
		msg = fmt.Sprintf("%s (cleanup also failed: %v)", msg, e.Suppressed)
	}
	return msg
}

// Unwrap returns the original failure.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewObjectError creates a new Error with bucket and key context.
func NewObjectError(op, bucket, key string, err error) *Error {
	return &Error{
		Op:     op,
		Bucket: bucket,
		Key:    key,
		Err:    err,
	}
}

// WithSuppressed attaches a cleanup failure.
func (e *Error) WithSuppressed(err error) *Error {
	e.Suppressed = err
	return e
}

// ConfigurationError reports missing or invalid credentials, region or client settings.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// TransportError is a non-success response from the storage service.
type TransportError struct {
	StatusCode int
	Code       string
	Message    string
	Resource   string
	RequestID  string
	TraceID    string
}

func (e *TransportError) Error() string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "HTTP %d", e.StatusCode)
	if e.Code != "" {
		fmt.Fprintf(&b, " %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " (request id: %s)", e.RequestID)
	}
	return b.String()
}

// ChecksumMismatchError is returned when the ETag of a single-shot transfer differs from the
// locally computed digest.
type ChecksumMismatchError struct {
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: computed %s, service returned %s", e.Expected, e.Actual)
}

// IncompleteUploadError is returned when a multipart upload is completed with missing parts.
type IncompleteUploadError struct {
	UploadID string
	Missing  []int
}

func (e *IncompleteUploadError) Error() string {
	missing := append([]int(nil), e.Missing...)
	sort.Ints(missing)
	parts := make([]string, 0, len(missing))
	for _, n := range missing {
		parts = append(parts, fmt.Sprintf("%d", n))
	}
	return fmt.Sprintf("upload %s is missing parts: %s", e.UploadID, strings.Join(parts, ","))
}

// PlanningError reports that no transfer plan could be made, e.g. the source length is unknown
// or the part size bounds are invalid.
type PlanningError struct {
	Reason string
	Err    error
}

func (e *PlanningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plan transfer: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("plan transfer: %s", e.Reason)
}

func (e *PlanningError) Unwrap() error {
	return e.Err
}

// CancelledError reports a transfer stopped by the caller.
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("transfer cancelled: %v", e.Err)
}

func (e *CancelledError) Unwrap() error {
	return e.Err
}

// Sentinel errors.
var (
	// ErrMissingCredentials indicates that no secret id or secret key is configured
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrSessionClosed indicates a part operation on a completed or aborted multipart session
	ErrSessionClosed = errors.New("multipart session is closed")

	// ErrNoETag indicates that the service response carried no ETag
	ErrNoETag = errors.New("no ETag in response")
)

// AsTransportError returns the TransportError in err's chain, if any.
func AsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsNoSuchUpload reports whether err is the service's "upload does not exist" response.
func IsNoSuchUpload(err error) bool {
	te, ok := AsTransportError(err)
	return ok && te.Code == "NoSuchUpload"
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	te, ok := AsTransportError(err)
	return ok && te.StatusCode == 404
}
