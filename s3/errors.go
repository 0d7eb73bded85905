package s3

import (
	stderrors "errors"
	"fmt"

	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-objectstorage/errors"
)

type httpStatusError interface {
	HTTPStatusCode() int
}

type requestIDError interface {
	ServiceRequestID() string
}

type hostIDError interface {
	ServiceHostID() string
}

// unwrapError converts an SDK operation error into *errors.TransportError. Errors that never
// reached the service (e.g. a cancelled context) are returned wrapped but untyped.
func unwrapError(op, resource string, err error) error {
	if err == nil {
		return nil
	}

	var statusErr httpStatusError
	if !stderrors.As(err, &statusErr) {
		return fmt.Errorf("%s: %w", op, err)
	}

	te := &errors.TransportError{
		StatusCode: statusErr.HTTPStatusCode(),
		Resource:   resource,
	}

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		te.Code = apiErr.ErrorCode()
		te.Message = apiErr.ErrorMessage()
	}
	var reqErr requestIDError
	if stderrors.As(err, &reqErr) {
		te.RequestID = reqErr.ServiceRequestID()
	}
	var hostErr hostIDError
	if stderrors.As(err, &hostErr) {
		te.TraceID = hostErr.ServiceHostID()
	}
	return te
}
