// Package cos implements storage.Backend over the COS REST API: XML bodies, "x-cos-" headers
// and q-sign signatures.
package cos

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bitrise-io/go-objectstorage/auth"
	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/bitrise-io/go-objectstorage/storage"
	"github.com/bitrise-io/go-objectstorage/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultEndpointTemplate is the virtual-host style endpoint of a bucket.
const DefaultEndpointTemplate = "{bucket}.cos.{region}.myqcloud.com"

// Options ...
type Options struct {
	Region string
	// EndpointTemplate may contain {bucket} and {region} placeholders.
	EndpointTemplate  string
	Scheme            string
	SignatureValidity time.Duration
	RequestTimeout    time.Duration
	RetryMax          int
}

// Client is a COS backend.
type Client struct {
	opts       Options
	signer     *auth.Signer
	transport  transport.Transport
	httpClient *retryablehttp.Client
	logger     log.Logger
}

var _ storage.Backend = (*Client)(nil)

// NewClient validates the options and creates a client with its own retryable HTTP client.
func NewClient(creds auth.Credentials, opts Options, logger log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if opts.Region == "" {
		return nil, &errors.ConfigurationError{Field: "Region", Reason: "region is required"}
	}
	if opts.EndpointTemplate == "" {
		opts.EndpointTemplate = DefaultEndpointTemplate
	}
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if opts.SignatureValidity <= 0 {
		opts.SignatureValidity = auth.DefaultValidity
	}

	httpClient := retryhttp.NewClient(logger)
	if opts.RequestTimeout > 0 {
		httpClient.HTTPClient.Timeout = opts.RequestTimeout
	}
	if opts.RetryMax > 0 {
		httpClient.RetryMax = opts.RetryMax
	}

	signer := auth.NewSigner(creds)
	tr := transport.NewHTTPTransport(httpClient, signer, logger,
		transport.WithScheme(opts.Scheme),
		transport.WithSignatureValidity(opts.SignatureValidity),
	)

	return &Client{
		opts:       opts,
		signer:     signer,
		transport:  tr,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Region ...
func (c *Client) Region() string {
	return c.opts.Region
}

// HTTPClient returns the retrying client as a standard *http.Client, for downloads of
// presigned URLs.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient.StandardClient()
}

// Host returns the endpoint host of a bucket in a region. An empty region means the client's.
func (c *Client) Host(bucket, region string) string {
	if region == "" {
		region = c.opts.Region
	}
	host := strings.ReplaceAll(c.opts.EndpointTemplate, "{bucket}", bucket)
	return strings.ReplaceAll(host, "{region}", region)
}

func objectPath(key string) string {
	return "/" + strings.TrimPrefix(key, "/")
}

func (c *Client) send(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	return c.transport.Send(ctx, req)
}

// sendXML marshals body as the request payload and decodes the response into out.
func (c *Client) sendXML(ctx context.Context, req *transport.Request, body interface{}, out interface{}) (*transport.Response, error) {
	if body != nil {
		payload, err := xml.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		if req.Header == nil {
			req.Header = http.Header{}
		}
		req.Header.Set("Content-Type", "application/xml")
		req.Body = bytes.NewReader(payload)
		req.ContentLength = int64(len(payload))
	}

	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := decodeBody(resp, out); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// decodeBody decodes an XML response. A copy request may fail after the status line was sent,
// in which case a 200 response carries an Error document.
func decodeBody(resp *transport.Response, out interface{}) error {
	if strings.Contains(string(resp.Body), "<Error>") {
		var e struct {
			Code      string `xml:"Code"`
			Message   string `xml:"Message"`
			Resource  string `xml:"Resource"`
			RequestID string `xml:"RequestId"`
			TraceID   string `xml:"TraceId"`
		}
		if err := xml.Unmarshal(resp.Body, &e); err == nil && e.Code != "" {
			return &errors.TransportError{
				StatusCode: resp.StatusCode,
				Code:       e.Code,
				Message:    e.Message,
				Resource:   e.Resource,
				RequestID:  e.RequestID,
				TraceID:    e.TraceID,
			}
		}
	}
	if err := xml.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// setObjectOptions writes the creation attributes as request headers.
func setObjectOptions(h http.Header, opts storage.ObjectOptions) {
	if opts.ContentType != "" {
		h.Set("Content-Type", opts.ContentType)
	}
	if opts.CacheControl != "" {
		h.Set("Cache-Control", opts.CacheControl)
	}
	if opts.ContentDisposition != "" {
		h.Set("Content-Disposition", opts.ContentDisposition)
	}
	if opts.ContentEncoding != "" {
		h.Set("Content-Encoding", opts.ContentEncoding)
	}
	if opts.ServerSideEncryption != "" {
		h.Set("x-cos-server-side-encryption", opts.ServerSideEncryption)
	}
	if opts.StorageClass != "" {
		h.Set("x-cos-storage-class", opts.StorageClass)
	}
	for k, v := range opts.Metadata {
		h.Set("x-cos-meta-"+k, v)
	}
}

// copySource is the x-cos-copy-source value of ref.
func (c *Client) copySource(ref storage.ObjectRef) string {
	src := c.Host(ref.Bucket, ref.Region) + "/" + escapeKey(ref.Key)
	if ref.VersionID != "" {
		src += "?versionId=" + url.QueryEscape(ref.VersionID)
	}
	return src
}

func escapeKey(key string) string {
	segments := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, s := range segments {
		segments[i] = auth.Escape(s)
	}
	return strings.Join(segments, "/")
}
