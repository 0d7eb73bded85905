// Package auth builds request signatures for the object storage service.
//
// The signature is a keyed HMAC-SHA1 over a canonical form of the request (method, path,
// sorted query parameters and sorted signed headers) for a bounded validity window. The same
// signature is used as the Authorization header of authenticated requests and, embedded as
// query parameters, for presigned URLs.
package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bitrise-io/go-objectstorage/errors"
)

// DefaultValidity is the lifetime of a signature when the caller does not set one.
const DefaultValidity = 10 * time.Minute

// DefaultStartSkew backdates the start of a clock-based validity window, so a client clock
// running ahead of the service still produces signatures that are already valid.
const DefaultStartSkew = time.Minute

const algorithm = "sha1"

// Credentials is a secret id / secret key pair with an optional temporary session token.
type Credentials struct {
	SecretID     string
	SecretKey    string
	SessionToken string
}

// Validate ...
func (c Credentials) Validate() error {
	if c.SecretID == "" {
		return &errors.ConfigurationError{Field: "SecretID", Reason: errors.ErrMissingCredentials.Error()}
	}
	if c.SecretKey == "" {
		return &errors.ConfigurationError{Field: "SecretKey", Reason: errors.ErrMissingCredentials.Error()}
	}
	return nil
}

// SignInput describes the request to sign.
type SignInput struct {
	Method string
	// Path is the unescaped resource path, starting with "/".
	Path   string
	Query  url.Values
	Header http.Header
	// Validity defaults to DefaultValidity.
	Validity time.Duration
	// Start defaults to the signer's clock minus its start skew. The window still ends
	// Validity after the current time.
	Start time.Time
}

// Signature is a signed capability for one request shape.
type Signature struct {
	Authorization string
	ValidFrom     time.Time
	ValidUntil    time.Time

	fields [][2]string
}

// Valid reports whether t falls inside the signature's validity window.
func (s Signature) Valid(t time.Time) bool {
	return !t.Before(s.ValidFrom) && !t.After(s.ValidUntil)
}

// Query returns the signature fields as URL query parameters, for presigned URLs.
func (s Signature) Query() url.Values {
	q := url.Values{}
	for _, f := range s.fields {
		q.Set(f[0], f[1])
	}
	return q
}

// Signer signs requests with a fixed credential pair.
type Signer struct {
	creds Credentials
	now   func() time.Time
	skew  time.Duration
}

// NewSigner ...
func NewSigner(creds Credentials) *Signer {
	return &Signer{
		creds: creds,
		now:   time.Now,
		skew:  DefaultStartSkew,
	}
}

// WithClock replaces the clock used for the start of the validity window.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// WithStartSkew sets how far clock-based validity windows start before the current time.
func (s *Signer) WithStartSkew(d time.Duration) *Signer {
	s.skew = d
	return s
}

// Credentials returns the signer's credentials.
func (s *Signer) Credentials() Credentials {
	return s.creds
}

// Sign computes the signature of the given request.
func (s *Signer) Sign(in SignInput) (Signature, error) {
	if err := s.creds.Validate(); err != nil {
		return Signature{}, err
	}

	validity := in.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}
	start := in.Start
	end := start.Add(validity)
	if start.IsZero() {
		now := s.now()
		start = now.Add(-s.skew)
		end = now.Add(validity)
	}
	start = start.Truncate(time.Second)
	end = end.Truncate(time.Second)
	keyTime := fmt.Sprintf("%d;%d", start.Unix(), end.Unix())

	paramList, params := canonicalize(flattenQuery(in.Query))
	headerList, headers := canonicalize(flattenHeader(in.Header))

	path := in.Path
	if path == "" {
		path = "/"
	}
	httpString := strings.Join([]string{strings.ToLower(in.Method), path, params, headers}, "\n") + "\n"
	stringToSign := strings.Join([]string{algorithm, keyTime, sha1Hex([]byte(httpString))}, "\n") + "\n"

	signKey := hmacSHA1Hex([]byte(s.creds.SecretKey), keyTime)
	signature := hmacSHA1Hex([]byte(signKey), stringToSign)

	fields := [][2]string{
		{"q-sign-algorithm", algorithm},
		{"q-ak", s.creds.SecretID},
		{"q-sign-time", keyTime},
		{"q-key-time", keyTime},
		{"q-header-list", headerList},
		{"q-url-param-list", paramList},
		{"q-signature", signature},
	}

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f[0]+"="+f[1])
	}

	return Signature{
		Authorization: strings.Join(parts, "&"),
		ValidFrom:     start,
		ValidUntil:    end,
		fields:        fields,
	}, nil
}

// Escape percent-encodes s the way the service canonicalizes names and values: everything
// except unreserved characters is encoded and spaces become %20.
func Escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func flattenQuery(q url.Values) map[string]string {
	m := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			m[k] = v[0]
		} else {
			m[k] = ""
		}
	}
	return m
}

func flattenHeader(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			m[k] = strings.TrimSpace(v[0])
		} else {
			m[k] = ""
		}
	}
	return m
}

// canonicalize returns the ";"-joined sorted name list and the "&"-joined sorted
// name=value pairs.
func canonicalize(kv map[string]string) (string, string) {
	encoded := make(map[string]string, len(kv))
	names := make([]string, 0, len(kv))
	for k, v := range kv {
		name := strings.ToLower(Escape(k))
		encoded[name] = Escape(v)
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+encoded[name])
	}
	return strings.Join(names, ";"), strings.Join(pairs, "&")
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA1Hex(key []byte, msg string) string {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
