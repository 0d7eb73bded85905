package transport

import (
	"encoding/xml"
	"net/http"

	"github.com/bitrise-io/go-objectstorage/errors"
)

const (
	requestIDHeader = "x-cos-request-id"
	traceIDHeader   = "x-cos-trace-id"
)

type errorBody struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestID string   `xml:"RequestId"`
	TraceID   string   `xml:"TraceId"`
}

// unwrapError builds the typed error of a non-success response. The XML body is optional:
// HEAD responses and some proxies return none, in which case the headers are used alone.
func unwrapError(resp *http.Response, body []byte) error {
	te := &errors.TransportError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get(requestIDHeader),
		TraceID:    resp.Header.Get(traceIDHeader),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		te.Resource = resp.Request.URL.Path
	}

	var parsed errorBody
	if len(body) > 0 && xml.Unmarshal(body, &parsed) == nil {
		te.Code = parsed.Code
		te.Message = parsed.Message
		if parsed.Resource != "" {
			te.Resource = parsed.Resource
		}
		if parsed.RequestID != "" {
			te.RequestID = parsed.RequestID
		}
		if parsed.TraceID != "" {
			te.TraceID = parsed.TraceID
		}
	}
	if te.Code == "" {
		te.Code = codeForStatus(resp.StatusCode)
	}
	if te.Message == "" {
		te.Message = http.StatusText(resp.StatusCode)
	}
	return te
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return "NoSuchKey"
	case http.StatusForbidden:
		return "AccessDenied"
	case http.StatusPreconditionFailed:
		return "PreconditionFailed"
	default:
		return ""
	}
}
