package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Unix(1500000000, 0)

func newTestSigner() *Signer {
	return NewSigner(Credentials{SecretID: "AKIDtest", SecretKey: "secret"}).WithClock(func() time.Time { return fixedNow })
}

func hmacHex(key, msg string) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSigner_Sign(t *testing.T) {
	header := http.Header{}
	header.Set("Host", "bucket-1250000000.cos.ap-guangzhou.myqcloud.com")

	sig, err := newTestSigner().Sign(SignInput{
		Method:   http.MethodGet,
		Path:     "/test.txt",
		Query:    url.Values{"unsed": {"123"}, "acl": {""}},
		Header:   header,
		Validity: 10 * time.Minute,
	})
	require.NoError(t, err)

	keyTime := "1499999940;1500000600"
	httpString := "get\n/test.txt\nacl=&unsed=123\nhost=bucket-1250000000.cos.ap-guangzhou.myqcloud.com\n"
	sum := sha1.Sum([]byte(httpString))
	stringToSign := "sha1\n" + keyTime + "\n" + hex.EncodeToString(sum[:]) + "\n"
	wantSignature := hmacHex(hmacHex("secret", keyTime), stringToSign)

	want := "q-sign-algorithm=sha1&q-ak=AKIDtest&q-sign-time=" + keyTime + "&q-key-time=" + keyTime +
		"&q-header-list=host&q-url-param-list=acl;unsed&q-signature=" + wantSignature
	assert.Equal(t, want, sig.Authorization)
	assert.Equal(t, fixedNow.Add(-DefaultStartSkew), sig.ValidFrom)
	assert.Equal(t, fixedNow.Add(10*time.Minute), sig.ValidUntil)
}

func TestSigner_Sign_StartSkew(t *testing.T) {
	tests := []struct {
		name     string
		signer   *Signer
		in       SignInput
		wantTime string
	}{
		{
			name:     "clock ahead of the service",
			signer:   newTestSigner(),
			in:       SignInput{Method: "GET", Path: "/k", Validity: time.Minute},
			wantTime: "1499999940;1500000060",
		},
		{
			name:     "no skew",
			signer:   newTestSigner().WithStartSkew(0),
			in:       SignInput{Method: "GET", Path: "/k", Validity: time.Minute},
			wantTime: "1500000000;1500000060",
		},
		{
			name:     "explicit start",
			signer:   newTestSigner(),
			in:       SignInput{Method: "GET", Path: "/k", Validity: time.Minute, Start: fixedNow.Add(time.Hour)},
			wantTime: "1500003600;1500003660",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := tt.signer.Sign(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTime, sig.Query().Get("q-key-time"))
		})
	}

	sig, err := newTestSigner().Sign(SignInput{Method: "GET", Path: "/k"})
	require.NoError(t, err)
	assert.True(t, sig.Valid(fixedNow.Add(-30*time.Second)))
}

func TestSigner_Sign_ParameterOrderIrrelevant(t *testing.T) {
	signer := newTestSigner()

	first, err := signer.Sign(SignInput{Method: "PUT", Path: "/a", Query: url.Values{"partNumber": {"1"}, "uploadId": {"x"}}})
	require.NoError(t, err)
	second, err := signer.Sign(SignInput{Method: "PUT", Path: "/a", Query: url.Values{"uploadId": {"x"}, "partNumber": {"1"}}})
	require.NoError(t, err)

	assert.Equal(t, first.Authorization, second.Authorization)
	assert.Contains(t, first.Authorization, "q-url-param-list=partnumber;uploadid")
}

func TestSigner_Sign_DependsOnInputs(t *testing.T) {
	signer := newTestSigner()
	base, err := signer.Sign(SignInput{Method: "GET", Path: "/a"})
	require.NoError(t, err)

	otherPath, err := signer.Sign(SignInput{Method: "GET", Path: "/b"})
	require.NoError(t, err)
	otherMethod, err := signer.Sign(SignInput{Method: "PUT", Path: "/a"})
	require.NoError(t, err)
	otherKey, err := NewSigner(Credentials{SecretID: "AKIDtest", SecretKey: "other"}).
		WithClock(func() time.Time { return fixedNow }).
		Sign(SignInput{Method: "GET", Path: "/a"})
	require.NoError(t, err)

	assert.NotEqual(t, base.Authorization, otherPath.Authorization)
	assert.NotEqual(t, base.Authorization, otherMethod.Authorization)
	assert.NotEqual(t, base.Authorization, otherKey.Authorization)
}

func TestSigner_Sign_MissingCredentials(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		field string
	}{
		{name: "no secret id", creds: Credentials{SecretKey: "k"}, field: "SecretID"},
		{name: "no secret key", creds: Credentials{SecretID: "id"}, field: "SecretKey"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSigner(tt.creds).Sign(SignInput{Method: "GET", Path: "/"})

			var cfgErr *errors.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestSignature_ValidAndQuery(t *testing.T) {
	sig, err := newTestSigner().Sign(SignInput{Method: "GET", Path: "/k", Validity: time.Minute})
	require.NoError(t, err)

	assert.True(t, sig.Valid(fixedNow.Add(30*time.Second)))
	assert.False(t, sig.Valid(fixedNow.Add(2*time.Minute)))
	assert.False(t, sig.Valid(fixedNow.Add(-2*time.Minute)))

	q := sig.Query()
	assert.Equal(t, "sha1", q.Get("q-sign-algorithm"))
	assert.Equal(t, "AKIDtest", q.Get("q-ak"))
	assert.Equal(t, "1499999940;1500000060", q.Get("q-key-time"))
	assert.NotEmpty(t, q.Get("q-signature"))
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "a%20b", Escape("a b"))
	assert.Equal(t, "-_.~", Escape("-_.~"))
	assert.Equal(t, "%2Fx%3D1", Escape("/x=1"))
}
