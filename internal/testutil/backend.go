// Package testutil provides an instrumented in-memory storage.Backend for transfer tests.
package testutil

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/bitrise-io/go-objectstorage/storage"
)

// Object is a stored object.
type Object struct {
	Data      []byte
	ETag      string
	Options   storage.ObjectOptions
	Multipart bool
	PartCount int
}

type upload struct {
	bucket  string
	key     string
	options storage.ObjectOptions
	parts   map[int][]byte
}

// Backend keeps objects and multipart uploads in memory and records how it was called.
// Exported fields configure failure injection and must be set before the backend is used.
type Backend struct {
	// RegionName is returned by Region, "test-region" when empty.
	RegionName string
	// BaseURL is the prefix of presigned URLs, typically an httptest server serving Handler().
	BaseURL string

	// PartErrors fails UploadPart and UploadPartCopy for the given part numbers.
	PartErrors map[int]error
	// PartDelay is how long a part transfer takes.
	PartDelay time.Duration
	// OnPartStart is called when a part transfer starts.
	OnPartStart func(partNumber int)

	PutErr      error
	PutETag     string
	HeadErr     error
	CreateErr   error
	CompleteErr error
	AbortErr    error

	mu        sync.Mutex
	objects   map[string]*Object
	uploads   map[string]*upload
	nextID    int
	calls     []string
	events    []string
	submitted map[int]int
	active    int
	maxActive int
}

var _ storage.Backend = (*Backend)(nil)

// NewBackend ...
func NewBackend() *Backend {
	return &Backend{
		objects:   map[string]*Object{},
		uploads:   map[string]*upload{},
		submitted: map[int]int{},
	}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

func quotedMD5(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func notFound(code, resource string) error {
	return &errors.TransportError{StatusCode: http.StatusNotFound, Code: code, Message: "not found", Resource: resource}
}

func (b *Backend) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

// PutObjectDirect stores an object without going through the recorded API.
func (b *Backend) PutObjectDirect(bucket, key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[objectKey(bucket, key)] = &Object{Data: data, ETag: quotedMD5(data)}
}

// Object returns a stored object.
func (b *Backend) Object(bucket, key string) (*Object, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[objectKey(bucket, key)]
	return o, ok
}

// Calls returns the recorded operation names in call order, e.g. "UploadPart:2".
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// CallCount returns how many times op was called, ignoring part numbers.
func (b *Backend) CallCount(op string) int {
	n := 0
	for _, c := range b.Calls() {
		if c == op || strings.HasPrefix(c, op+":") {
			n++
		}
	}
	return n
}

// Events returns the "start:N" and "end:N" part events in order.
func (b *Backend) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

// Submitted returns how many times a part number was submitted.
func (b *Backend) Submitted(partNumber int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submitted[partNumber]
}

// MaxConcurrentParts is the highest number of part transfers observed in flight at once.
func (b *Backend) MaxConcurrentParts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxActive
}

// OpenUploads returns the number of multipart uploads neither completed nor aborted.
func (b *Backend) OpenUploads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uploads)
}

// Region ...
func (b *Backend) Region() string {
	if b.RegionName == "" {
		return "test-region"
	}
	return b.RegionName
}

// PutObject ...
func (b *Backend) PutObject(ctx context.Context, in *storage.PutObjectInput) (*storage.PutObjectOutput, error) {
	b.record("PutObject")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.PutErr != nil {
		return nil, b.PutErr
	}

	data, err := readBody(in.Body)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != in.ContentLength {
		return nil, &errors.TransportError{StatusCode: http.StatusBadRequest, Code: "IncompleteBody", Message: fmt.Sprintf("read %d bytes, expected %d", len(data), in.ContentLength)}
	}

	etag := quotedMD5(data)
	if in.ContentMD5 != "" {
		sum := md5.Sum(data)
		if !strings.EqualFold(in.ContentMD5, base64.StdEncoding.EncodeToString(sum[:])) {
			return nil, &errors.TransportError{StatusCode: http.StatusBadRequest, Code: "InvalidDigest", Message: "Content-MD5 mismatch"}
		}
	}
	if b.PutETag != "" {
		etag = b.PutETag
	}

	b.mu.Lock()
	b.objects[objectKey(in.Bucket, in.Key)] = &Object{Data: data, ETag: etag, Options: in.Options}
	b.mu.Unlock()
	return &storage.PutObjectOutput{ETag: etag}, nil
}

// HeadObject ...
func (b *Backend) HeadObject(ctx context.Context, ref storage.ObjectRef) (*storage.HeadObjectOutput, error) {
	b.record("HeadObject")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.HeadErr != nil {
		return nil, b.HeadErr
	}
	o, ok := b.Object(ref.Bucket, ref.Key)
	if !ok {
		return nil, notFound("NoSuchKey", objectKey(ref.Bucket, ref.Key))
	}
	return &storage.HeadObjectOutput{
		ContentLength: int64(len(o.Data)),
		ETag:          o.ETag,
		ContentType:   o.Options.ContentType,
	}, nil
}

// CopyObject ...
func (b *Backend) CopyObject(ctx context.Context, in *storage.CopyObjectInput) (*storage.CopyObjectOutput, error) {
	b.record("CopyObject")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, ok := b.Object(in.Source.Bucket, in.Source.Key)
	if !ok {
		return nil, notFound("NoSuchKey", objectKey(in.Source.Bucket, in.Source.Key))
	}

	copied := &Object{Data: src.Data, ETag: src.ETag, Options: src.Options, Multipart: src.Multipart, PartCount: src.PartCount}
	if in.ReplaceMetadata {
		copied.Options = in.Options
	}
	b.mu.Lock()
	b.objects[objectKey(in.Bucket, in.Key)] = copied
	b.mu.Unlock()
	return &storage.CopyObjectOutput{ETag: copied.ETag}, nil
}

// CreateMultipartUpload ...
func (b *Backend) CreateMultipartUpload(ctx context.Context, in *storage.CreateMultipartUploadInput) (*storage.CreateMultipartUploadOutput, error) {
	b.record("CreateMultipartUpload")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.CreateErr != nil {
		return nil, b.CreateErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := "upload-" + strconv.Itoa(b.nextID)
	b.uploads[id] = &upload{bucket: in.Bucket, key: in.Key, options: in.Options, parts: map[int][]byte{}}
	return &storage.CreateMultipartUploadOutput{UploadID: id}, nil
}

func (b *Backend) startPart(ctx context.Context, partNumber int) error {
	b.mu.Lock()
	b.submitted[partNumber]++
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	b.events = append(b.events, "start:"+strconv.Itoa(partNumber))
	b.mu.Unlock()

	if b.OnPartStart != nil {
		b.OnPartStart(partNumber)
	}

	if b.PartDelay > 0 {
		timer := time.NewTimer(b.PartDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := b.PartErrors[partNumber]; ok {
		return err
	}
	return nil
}

func (b *Backend) endPart(partNumber int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active--
	b.events = append(b.events, "end:"+strconv.Itoa(partNumber))
}

func (b *Backend) storePart(uploadID string, partNumber int, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.uploads[uploadID]
	if !ok {
		return "", notFound("NoSuchUpload", uploadID)
	}
	u.parts[partNumber] = data
	return quotedMD5(data), nil
}

// UploadPart ...
func (b *Backend) UploadPart(ctx context.Context, in *storage.UploadPartInput) (*storage.UploadPartOutput, error) {
	b.record("UploadPart:" + strconv.Itoa(in.PartNumber))
	defer b.endPart(in.PartNumber)
	if err := b.startPart(ctx, in.PartNumber); err != nil {
		return nil, err
	}

	data, err := readBody(in.Body)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != in.ContentLength {
		return nil, &errors.TransportError{StatusCode: http.StatusBadRequest, Code: "IncompleteBody"}
	}
	etag, err := b.storePart(in.UploadID, in.PartNumber, data)
	if err != nil {
		return nil, err
	}
	return &storage.UploadPartOutput{ETag: etag}, nil
}

// UploadPartCopy ...
func (b *Backend) UploadPartCopy(ctx context.Context, in *storage.UploadPartCopyInput) (*storage.UploadPartOutput, error) {
	b.record("UploadPartCopy:" + strconv.Itoa(in.PartNumber))
	defer b.endPart(in.PartNumber)
	if err := b.startPart(ctx, in.PartNumber); err != nil {
		return nil, err
	}

	src, ok := b.Object(in.Source.Bucket, in.Source.Key)
	if !ok {
		return nil, notFound("NoSuchKey", objectKey(in.Source.Bucket, in.Source.Key))
	}
	if in.Range.Start < 0 || in.Range.End >= int64(len(src.Data)) || in.Range.Start > in.Range.End {
		return nil, &errors.TransportError{StatusCode: http.StatusRequestedRangeNotSatisfiable, Code: "InvalidRange"}
	}
	data := append([]byte(nil), src.Data[in.Range.Start:in.Range.End+1]...)

	etag, err := b.storePart(in.UploadID, in.PartNumber, data)
	if err != nil {
		return nil, err
	}
	return &storage.UploadPartOutput{ETag: etag}, nil
}

// ListParts ...
func (b *Backend) ListParts(ctx context.Context, in *storage.ListPartsInput) (*storage.ListPartsOutput, error) {
	b.record("ListParts")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.uploads[in.UploadID]
	if !ok {
		return nil, notFound("NoSuchUpload", in.UploadID)
	}

	numbers := make([]int, 0, len(u.parts))
	for n := range u.parts {
		if n > in.PartNumberMarker {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)

	maxParts := in.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}
	out := &storage.ListPartsOutput{}
	for i, n := range numbers {
		if i == maxParts {
			out.IsTruncated = true
			break
		}
		data := u.parts[n]
		out.Parts = append(out.Parts, storage.Part{PartNumber: n, ETag: quotedMD5(data), Size: int64(len(data))})
		out.NextPartNumberMarker = n
	}
	return out, nil
}

// CompleteMultipartUpload ...
func (b *Backend) CompleteMultipartUpload(ctx context.Context, in *storage.CompleteMultipartUploadInput) (*storage.CompleteMultipartUploadOutput, error) {
	b.record("CompleteMultipartUpload")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.CompleteErr != nil {
		return nil, b.CompleteErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.uploads[in.UploadID]
	if !ok {
		return nil, notFound("NoSuchUpload", in.UploadID)
	}

	var data []byte
	digests := make([]byte, 0, md5.Size*len(in.Parts))
	last := 0
	for _, p := range in.Parts {
		if p.PartNumber <= last {
			return nil, &errors.TransportError{StatusCode: http.StatusBadRequest, Code: "InvalidPartOrder"}
		}
		last = p.PartNumber
		part, ok := u.parts[p.PartNumber]
		if !ok || quotedMD5(part) != p.ETag {
			return nil, &errors.TransportError{StatusCode: http.StatusBadRequest, Code: "InvalidPart", Message: fmt.Sprintf("part %d", p.PartNumber)}
		}
		data = append(data, part...)
		sum := md5.Sum(part)
		digests = append(digests, sum[:]...)
	}
	composite := md5.Sum(digests)
	etag := fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(composite[:]), len(in.Parts))

	b.objects[objectKey(u.bucket, u.key)] = &Object{Data: data, ETag: etag, Options: u.options, Multipart: true, PartCount: len(in.Parts)}
	delete(b.uploads, in.UploadID)
	return &storage.CompleteMultipartUploadOutput{ETag: etag, Location: objectKey(u.bucket, u.key)}, nil
}

// AbortMultipartUpload ...
func (b *Backend) AbortMultipartUpload(ctx context.Context, in *storage.AbortMultipartUploadInput) error {
	b.record("AbortMultipartUpload")
	if b.AbortErr != nil {
		return b.AbortErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.uploads[in.UploadID]; !ok {
		return notFound("NoSuchUpload", in.UploadID)
	}
	delete(b.uploads, in.UploadID)
	return nil
}

// PresignGetObject ...
func (b *Backend) PresignGetObject(_ context.Context, bucket, key string, expires time.Duration) (string, error) {
	b.record("PresignGetObject")
	return fmt.Sprintf("%s/%s/%s?expires=%d", b.BaseURL, bucket, key, int(expires.Seconds())), nil
}

func readBody(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return io.ReadAll(r)
}
