package storage

import (
	"fmt"
	"io"
	"time"
)

// MaxPartCount is the highest part number a multipart upload accepts.
const MaxPartCount = 10000

// ObjectRef points to an existing object, possibly in another bucket and region.
type ObjectRef struct {
	Bucket    string
	Key       string
	Region    string
	VersionID string
}

func (r ObjectRef) String() string {
	if r.Region != "" {
		return fmt.Sprintf("%s/%s (%s)", r.Bucket, r.Key, r.Region)
	}
	return fmt.Sprintf("%s/%s", r.Bucket, r.Key)
}

// ObjectOptions are the object attributes set on creation.
type ObjectOptions struct {
	ContentType          string
	CacheControl         string
	ContentDisposition   string
	ContentEncoding      string
	ServerSideEncryption string
	StorageClass         string
	Metadata             map[string]string
}

// ByteRange is an inclusive byte range of an object.
type ByteRange struct {
	Start int64
	End   int64
}

// Len ...
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// String returns the HTTP range form, e.g. "bytes=0-1023".
func (r ByteRange) String() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// PutObjectInput is a single-shot upload. Body may be nil for an empty object; it is an
// io.ReadSeeker so transports can resend it.
type PutObjectInput struct {
	Bucket        string
	Key           string
	Body          io.ReadSeeker
	ContentLength int64
	// ContentMD5 is the base64 MD5 of the body, sent for server-side verification.
	ContentMD5 string
	Options    ObjectOptions
}

// PutObjectOutput ...
type PutObjectOutput struct {
	ETag                 string
	VersionID            string
	ServerSideEncryption string
}

// HeadObjectOutput ...
type HeadObjectOutput struct {
	// ContentLength is -1 when the service did not report a length.
	ContentLength int64
	ETag          string
	ContentType   string
	VersionID     string
	LastModified  time.Time
}

// CopyObjectInput is a server-side copy in one request.
type CopyObjectInput struct {
	Bucket  string
	Key     string
	Source  ObjectRef
	Options ObjectOptions
	// ReplaceMetadata replaces the source's metadata with Options instead of copying it.
	ReplaceMetadata bool
}

// CopyObjectOutput ...
type CopyObjectOutput struct {
	ETag      string
	VersionID string
}

// CreateMultipartUploadInput ...
type CreateMultipartUploadInput struct {
	Bucket  string
	Key     string
	Options ObjectOptions
}

// CreateMultipartUploadOutput ...
type CreateMultipartUploadOutput struct {
	UploadID string
}

// UploadPartInput ...
type UploadPartInput struct {
	Bucket        string
	Key           string
	UploadID      string
	PartNumber    int
	Body          io.ReadSeeker
	ContentLength int64
	ContentMD5    string
}

// UploadPartCopyInput copies a byte range of Source into a part.
type UploadPartCopyInput struct {
	Bucket     string
	Key        string
	UploadID   string
	PartNumber int
	Source     ObjectRef
	Range      ByteRange
}

// UploadPartOutput ...
type UploadPartOutput struct {
	ETag string
}

// Part is a part already stored for an upload.
type Part struct {
	PartNumber   int
	ETag         string
	Size         int64
	LastModified time.Time
}

// ListPartsInput ...
type ListPartsInput struct {
	Bucket           string
	Key              string
	UploadID         string
	PartNumberMarker int
	MaxParts         int
}

// ListPartsOutput ...
type ListPartsOutput struct {
	Parts                []Part
	IsTruncated          bool
	NextPartNumberMarker int
}

// CompletedPart ...
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// CompleteMultipartUploadInput lists the parts in ascending part number order.
type CompleteMultipartUploadInput struct {
	Bucket   string
	Key      string
	UploadID string
	Parts    []CompletedPart
}

// CompleteMultipartUploadOutput ...
type CompleteMultipartUploadOutput struct {
	ETag      string
	Location  string
	VersionID string
}

// AbortMultipartUploadInput ...
type AbortMultipartUploadInput struct {
	Bucket   string
	Key      string
	UploadID string
}
