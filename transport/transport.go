// Package transport sends signed requests to the object storage service over a retryable HTTP
// client and turns non-success responses into *errors.TransportError values.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/bitrise-io/go-objectstorage/auth"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

const securityTokenHeader = "x-cos-security-token"

// Request is one service call. Path is the unescaped resource path, it is escaped when the URL
// is built and signed in its raw form.
type Request struct {
	Method string
	Host   string
	Path   string
	Query  url.Values
	Header http.Header
	// Body is resent from the start on retries. Nil means an empty body.
	Body          io.ReadSeeker
	ContentLength int64
}

// Response is a successful service response with the body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport ...
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport signs requests and sends them with a retryable HTTP client. Retries happen here
// and nowhere above.
type HTTPTransport struct {
	client   *retryablehttp.Client
	signer   *auth.Signer
	scheme   string
	validity time.Duration
	logger   log.Logger
}

// Option ...
type Option func(*HTTPTransport)

// WithScheme sets the URL scheme, "https" by default.
func WithScheme(scheme string) Option {
	return func(t *HTTPTransport) {
		t.scheme = scheme
	}
}

// WithSignatureValidity sets the validity window of request signatures.
func WithSignatureValidity(d time.Duration) Option {
	return func(t *HTTPTransport) {
		t.validity = d
	}
}

// NewHTTPTransport creates a transport. A nil signer sends anonymous requests.
func NewHTTPTransport(client *retryablehttp.Client, signer *auth.Signer, logger log.Logger, opts ...Option) *HTTPTransport {
	if logger == nil {
		logger = log.NewLogger()
	}
	// Keep the last response when retries are exhausted so the service error can be parsed.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	t := &HTTPTransport{
		client:   client,
		signer:   signer,
		scheme:   "https",
		validity: auth.DefaultValidity,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Client returns the underlying retryable client.
func (t *HTTPTransport) Client() *retryablehttp.Client {
	return t.client
}

// Send signs and sends req. Responses outside the 2xx range are returned as *errors.TransportError.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := t.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	dump, err := httputil.DumpRequest(httpReq.Request, false)
	if err != nil {
		t.logger.Warnf("error while dumping request: %s", err)
	}
	t.logger.Debugf("Request dump: %s", string(dump))

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			t.logger.Printf(err.Error())
		}
	}(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	t.logger.Debugf("Response: %s, request id: %s", resp.Status, resp.Header.Get(requestIDHeader))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, unwrapError(resp, body)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, req *Request) (*retryablehttp.Request, error) {
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Host", req.Host)

	if t.signer != nil {
		if token := t.signer.Credentials().SessionToken; token != "" {
			header.Set(securityTokenHeader, token)
		}
		sig, err := t.signer.Sign(auth.SignInput{
			Method:   req.Method,
			Path:     req.Path,
			Query:    req.Query,
			Header:   signedHeaders(header),
			Validity: t.validity,
		})
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		header.Set("Authorization", sig.Authorization)
	}

	u := url.URL{
		Scheme:   t.scheme,
		Host:     req.Host,
		Path:     req.Path,
		RawQuery: encodeQuery(req.Query),
	}

	var body interface{}
	if req.Body != nil && req.ContentLength > 0 {
		body = requestBody(req.Body)
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		if strings.EqualFold(k, "Host") {
			continue
		}
		httpReq.Header[k] = v
	}
	httpReq.Host = req.Host

	// Add Content-Length header manually because retryablehttp doesn't do it automatically.
	// An empty body still carries an explicit zero length.
	httpReq.Header.Set("Content-Length", fmt.Sprintf("%d", req.ContentLength))
	httpReq.ContentLength = req.ContentLength
	if req.ContentLength == 0 {
		httpReq.Body = http.NoBody
	}

	return httpReq, nil
}

// requestBody hides a *bytes.Reader from the retryable client, which reads that type into a
// buffer of its own before sending. Other seekers are rewound in place on retries.
func requestBody(r io.ReadSeeker) io.ReadSeeker {
	if b, ok := r.(*bytes.Reader); ok {
		return io.NewSectionReader(b, b.Size()-int64(b.Len()), int64(b.Len()))
	}
	return r
}

// signedHeaders selects the headers that take part in the signature.
func signedHeaders(h http.Header) http.Header {
	signed := http.Header{}
	for k, v := range h {
		name := strings.ToLower(k)
		switch {
		case name == "host", name == "content-md5", name == "content-type",
			strings.HasPrefix(name, "x-cos-"):
			signed[k] = v
		}
	}
	return signed
}

func encodeQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	// Sub-resources such as "uploads" are sent without a value.
	var buf bytes.Buffer
	for i, part := range strings.Split(q.Encode(), "&") {
		if i > 0 {
			buf.WriteByte('&')
		}
		buf.WriteString(strings.TrimSuffix(part, "="))
	}
	return buf.String()
}
