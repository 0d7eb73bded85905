// Package storage defines the boundary between the transfer engine and a storage service
// dialect. Implementations translate the typed inputs below into signed service requests and
// validate the responses into typed outputs, so the engine never handles raw response maps.
package storage

import (
	"context"
	"time"
)

// Backend is the set of service calls the transfer engine drives.
//
// Every method returns a *errors.TransportError (possibly wrapped) when the service answers
// with a non-success status.
type Backend interface {
	// Region is the region requests are sent to.
	Region() string

	PutObject(ctx context.Context, in *PutObjectInput) (*PutObjectOutput, error)
	HeadObject(ctx context.Context, ref ObjectRef) (*HeadObjectOutput, error)
	CopyObject(ctx context.Context, in *CopyObjectInput) (*CopyObjectOutput, error)

	CreateMultipartUpload(ctx context.Context, in *CreateMultipartUploadInput) (*CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *UploadPartInput) (*UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, in *UploadPartCopyInput) (*UploadPartOutput, error)
	ListParts(ctx context.Context, in *ListPartsInput) (*ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *CompleteMultipartUploadInput) (*CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *AbortMultipartUploadInput) error

	// PresignGetObject returns a URL that allows an unauthenticated GET of the object
	// for the given duration.
	PresignGetObject(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}
