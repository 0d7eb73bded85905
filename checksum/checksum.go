// Package checksum computes content digests comparable to the ETag the service reports for
// single-part objects.
package checksum

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
)

// BufferSize is the read increment used while hashing. Memory use does not grow with the
// size of the source.
const BufferSize = 64 * 1024

var bufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, BufferSize)
		return &buf
	},
}

var plainETag = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Digest is an MD5 content digest.
type Digest struct {
	sum []byte
}

// FromBytes wraps a raw MD5 sum.
func FromBytes(sum []byte) Digest {
	return Digest{sum: append([]byte(nil), sum...)}
}

// Bytes returns a copy of the raw sum.
func (d Digest) Bytes() []byte {
	return append([]byte(nil), d.sum...)
}

// IsZero reports whether the digest was never computed.
func (d Digest) IsZero() bool {
	return len(d.sum) == 0
}

// Hex ...
func (d Digest) Hex() string {
	return hex.EncodeToString(d.sum)
}

// QuotedHex is the form the service uses for single-part ETags.
func (d Digest) QuotedHex() string {
	return `"` + d.Hex() + `"`
}

// Base64 is the Content-MD5 header form.
func (d Digest) Base64() string {
	return base64.StdEncoding.EncodeToString(d.sum)
}

// Equal ...
func (d Digest) Equal(other Digest) bool {
	return !d.IsZero() && d.Hex() == other.Hex()
}

// MatchesETag compares the digest with an ETag. The second return value is false when the
// ETag is not a plain content hash (multipart or encrypted objects) and cannot be compared.
func (d Digest) MatchesETag(etag string) (bool, bool) {
	normalized := NormalizeETag(etag)
	if !plainETag.MatchString(normalized) {
		return false, false
	}
	return normalized == d.Hex(), true
}

// NormalizeETag strips quotes and lower-cases an ETag.
func NormalizeETag(etag string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(etag), `"`))
}

// Compute reads r to the end and returns its digest.
func Compute(r io.Reader) (Digest, error) {
	h := md5.New()
	bufPtr := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufPtr)

	if _, err := io.CopyBuffer(h, r, *bufPtr); err != nil {
		return Digest{}, fmt.Errorf("read source: %w", err)
	}
	return Digest{sum: h.Sum(nil)}, nil
}

// ComputeFile returns the digest of the file at path.
func ComputeFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("open file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	return Compute(file)
}

// Reader hashes everything read through it, so a body can be digested while it is being
// transmitted.
type Reader struct {
	r    io.Reader
	hash hash.Hash
}

// NewReader ...
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:    r,
		hash: md5.New(),
	}
}

// Read ...
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.hash.Write(p[:n])
	}
	return n, err
}

// Seek is available when the wrapped reader is an io.Seeker. Rewinding to the start resets
// the digest, so a transport may resend the body.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	seeker, ok := r.r.(io.Seeker)
	if !ok {
		return 0, fmt.Errorf("underlying reader is not seekable")
	}
	pos, err := seeker.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	if pos == 0 {
		r.hash.Reset()
	}
	return pos, nil
}

// Digest returns the digest of the bytes read so far.
func (r *Reader) Digest() Digest {
	return Digest{sum: r.hash.Sum(nil)}
}
