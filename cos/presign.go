package cos

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/bitrise-io/go-objectstorage/auth"
)

// Authorization returns the Authorization header value for a request on an object. It lets
// callers send requests with their own HTTP client.
func (c *Client) Authorization(method, bucket, key string, params url.Values) (string, error) {
	header := http.Header{}
	header.Set("Host", c.Host(bucket, ""))

	sig, err := c.signer.Sign(auth.SignInput{
		Method:   method,
		Path:     objectPath(key),
		Query:    params,
		Header:   header,
		Validity: c.opts.SignatureValidity,
	})
	if err != nil {
		return "", err
	}
	return sig.Authorization, nil
}

// PresignedURL returns a URL that grants method on the object for validity without further
// credentials.
func (c *Client) PresignedURL(method, bucket, key string, validity time.Duration) (string, error) {
	host := c.Host(bucket, "")
	header := http.Header{}
	header.Set("Host", host)

	sig, err := c.signer.Sign(auth.SignInput{
		Method:   method,
		Path:     objectPath(key),
		Header:   header,
		Validity: validity,
	})
	if err != nil {
		return "", err
	}

	query := sig.Query()
	if token := c.signer.Credentials().SessionToken; token != "" {
		query.Set("x-cos-security-token", token)
	}

	u := url.URL{
		Scheme:   c.opts.Scheme,
		Host:     host,
		Path:     objectPath(key),
		RawQuery: query.Encode(),
	}
	return u.String(), nil
}

// PresignGetObject ...
func (c *Client) PresignGetObject(_ context.Context, bucket, key string, expires time.Duration) (string, error) {
	return c.PresignedURL(http.MethodGet, bucket, key, expires)
}
