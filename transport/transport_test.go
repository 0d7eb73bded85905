package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/bitrise-io/go-objectstorage/auth"
	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, handler http.HandlerFunc, creds auth.Credentials) (*HTTPTransport, string) {
	svr := httptest.NewServer(handler)
	t.Cleanup(svr.Close)

	u, err := url.Parse(svr.URL)
	require.NoError(t, err)

	client := retryhttp.NewClient(log.NewLogger())
	client.RetryMax = 0
	return NewHTTPTransport(client, auth.NewSigner(creds), log.NewLogger(), WithScheme("http")), u.Host
}

var testCreds = auth.Credentials{SecretID: "AKIDtest", SecretKey: "secret"}

func TestHTTPTransport_Send_SignsRequest(t *testing.T) {
	var gotAuth, gotBody, gotPath, gotMD5 string
	var gotLength int64
	tr, host := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMD5 = r.Header.Get("Content-MD5")
		gotPath = r.URL.Path
		gotLength = r.ContentLength
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("ETag", `"etag"`)
	}, testCreds)

	header := http.Header{}
	header.Set("Content-MD5", "kAFQmDzST7DWlj99KOF/cg==")
	resp, err := tr.Send(context.Background(), &Request{
		Method:        http.MethodPut,
		Host:          host,
		Path:          "/dir/a b.txt",
		Header:        header,
		Body:          bytes.NewReader([]byte("abc")),
		ContentLength: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, `"etag"`, resp.Header.Get("ETag"))
	assert.Equal(t, "abc", gotBody)
	assert.Equal(t, int64(3), gotLength)
	assert.Equal(t, "/dir/a b.txt", gotPath)
	assert.Equal(t, "kAFQmDzST7DWlj99KOF/cg==", gotMD5)
	assert.True(t, strings.HasPrefix(gotAuth, "q-sign-algorithm=sha1&q-ak=AKIDtest&"))
	assert.Contains(t, gotAuth, "q-header-list=content-md5;host&")
}

func TestHTTPTransport_NewRequest_KeepsByteReaderBody(t *testing.T) {
	tr := NewHTTPTransport(retryhttp.NewClient(log.NewLogger()), auth.NewSigner(testCreds), log.NewLogger())
	body := bytes.NewReader([]byte("abc"))

	req, err := tr.newRequest(context.Background(), &Request{
		Method:        http.MethodPut,
		Host:          "bucket.cos.ap-test.myqcloud.com",
		Path:          "/k",
		Body:          body,
		ContentLength: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, body.Len())
	sent, err := req.BodyBytes()
	require.NoError(t, err)
	assert.Equal(t, "abc", string(sent))
	assert.Equal(t, 3, body.Len())
}

func TestHTTPTransport_Send_EmptyBodyHasExplicitLength(t *testing.T) {
	var gotLength int64 = -1
	var gotHeader string
	tr, host := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		gotLength = r.ContentLength
		gotHeader = r.Header.Get("Content-Length")
	}, testCreds)

	_, err := tr.Send(context.Background(), &Request{Method: http.MethodPut, Host: host, Path: "/empty"})
	require.NoError(t, err)

	assert.Equal(t, int64(0), gotLength)
	assert.Equal(t, "0", gotHeader)
}

func TestHTTPTransport_Send_SubResourceQuery(t *testing.T) {
	var gotQuery string
	tr, host := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
	}, testCreds)

	_, err := tr.Send(context.Background(), &Request{
		Method: http.MethodPost,
		Host:   host,
		Path:   "/k",
		Query:  url.Values{"uploads": {""}},
	})
	require.NoError(t, err)
	assert.Equal(t, "uploads", gotQuery)
}

func TestHTTPTransport_Send_SessionToken(t *testing.T) {
	var gotToken, gotAuth string
	creds := testCreds
	creds.SessionToken = "token"
	tr, host := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("x-cos-security-token")
		gotAuth = r.Header.Get("Authorization")
	}, creds)

	_, err := tr.Send(context.Background(), &Request{Method: http.MethodGet, Host: host, Path: "/k"})
	require.NoError(t, err)

	assert.Equal(t, "token", gotToken)
	assert.Contains(t, gotAuth, "q-header-list=host;x-cos-security-token&")
}

func TestHTTPTransport_Send_ServiceError(t *testing.T) {
	tests := []struct {
		name string
		// response
		method string
		status int
		body   string
		// expected
		code      string
		message   string
		requestID string
		traceID   string
	}{
		{
			name:      "xml error body",
			method:    http.MethodPut,
			status:    http.StatusForbidden,
			body:      `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied.</Message><Resource>/k</Resource><RequestId>NWE3</RequestId><TraceId>OGVm</TraceId></Error>`,
			code:      "AccessDenied",
			message:   "Access Denied.",
			requestID: "NWE3",
			traceID:   "OGVm",
		},
		{
			name:      "head without body",
			method:    http.MethodHead,
			status:    http.StatusNotFound,
			code:      "NoSuchKey",
			message:   "Not Found",
			requestID: "hdr-id",
			traceID:   "hdr-trace",
		},
		{
			name:      "no such upload",
			method:    http.MethodDelete,
			status:    http.StatusNotFound,
			body:      `<Error><Code>NoSuchUpload</Code><Message>The specified upload does not exist.</Message></Error>`,
			code:      "NoSuchUpload",
			message:   "The specified upload does not exist.",
			requestID: "hdr-id",
			traceID:   "hdr-trace",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, host := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("x-cos-request-id", "hdr-id")
				w.Header().Set("x-cos-trace-id", "hdr-trace")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, testCreds)

			_, err := tr.Send(context.Background(), &Request{Method: tt.method, Host: host, Path: "/k"})

			te, ok := errors.AsTransportError(err)
			require.True(t, ok, "expected a TransportError, got %v", err)
			assert.Equal(t, tt.status, te.StatusCode)
			assert.Equal(t, tt.code, te.Code)
			assert.Equal(t, tt.message, te.Message)
			assert.Equal(t, tt.requestID, te.RequestID)
			assert.Equal(t, tt.traceID, te.TraceID)
			assert.Equal(t, "/k", te.Resource)
		})
	}
}

func TestHTTPTransport_Send_ServerErrorAfterRetries(t *testing.T) {
	calls := 0
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer svr.Close()
	u, err := url.Parse(svr.URL)
	require.NoError(t, err)

	client := retryhttp.NewClient(log.NewLogger())
	client.RetryMax = 1
	client.RetryWaitMin = 0
	client.RetryWaitMax = 0
	tr := NewHTTPTransport(client, auth.NewSigner(testCreds), log.NewLogger(), WithScheme("http"))

	_, err = tr.Send(context.Background(), &Request{Method: http.MethodGet, Host: u.Host, Path: "/k"})

	te, ok := errors.AsTransportError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Equal(t, 2, calls)
}

func TestHTTPTransport_Send_MissingCredentials(t *testing.T) {
	tr, host := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not be sent")
	}, auth.Credentials{})

	_, err := tr.Send(context.Background(), &Request{Method: http.MethodGet, Host: host, Path: "/k"})

	var cfgErr *errors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}
