// Package s3 implements storage.Backend with the AWS SDK, for S3 and S3-compatible endpoints.
package s3

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/bitrise-io/go-objectstorage/storage"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Options ...
type Options struct {
	Region string
	// Endpoint overrides the AWS endpoint, for S3-compatible services.
	Endpoint         string
	UsePathStyle     bool
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	RetryMaxAttempts int
}

// Backend ...
type Backend struct {
	api       API
	presigner Presigner
	region    string
	logger    log.Logger
}

var _ storage.Backend = (*Backend)(nil)

// New wraps an existing client.
func New(api API, presigner Presigner, region string, logger log.Logger) *Backend {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Backend{
		api:       api,
		presigner: presigner,
		region:    region,
		logger:    logger,
	}
}

// NewFromOptions loads the AWS configuration and creates a backend.
func NewFromOptions(ctx context.Context, opts Options, logger log.Logger) (*Backend, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	cfg, err := loadAWSCredentials(ctx, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
		if opts.RetryMaxAttempts > 0 {
			o.RetryMaxAttempts = opts.RetryMaxAttempts
		}
	})
	return New(client, s3.NewPresignClient(client), opts.Region, logger), nil
}

func loadAWSCredentials(ctx context.Context, opts Options, logger log.Logger) (*aws.Config, error) {
	if opts.Region == "" {
		return nil, &errors.ConfigurationError{Field: "Region", Reason: "region must not be empty"}
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		loadOpts = append(loadOpts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken)))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %w", err)
	}

	return &cfg, nil
}

// Region ...
func (b *Backend) Region() string {
	return b.region
}

// BucketRegion looks up the region a bucket lives in.
func (b *Backend) BucketRegion(ctx context.Context, bucket string) (string, error) {
	region, err := manager.GetBucketRegion(ctx, b.api, bucket)
	if err != nil {
		return "", unwrapError("get bucket region", bucket, err)
	}
	return region, nil
}

func withRegion(region string) func(*s3.Options) {
	return func(o *s3.Options) {
		if region != "" {
			o.Region = region
		}
	}
}

func stringOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func resource(bucket, key string) string {
	return bucket + "/" + key
}

// copySource is the CopySource value of ref: bucket and URL-encoded key.
func copySource(ref storage.ObjectRef) string {
	segments := strings.Split(ref.Key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	src := ref.Bucket + "/" + strings.Join(segments, "/")
	if ref.VersionID != "" {
		src += "?versionId=" + url.QueryEscape(ref.VersionID)
	}
	return src
}

// PutObject ...
func (b *Backend) PutObject(ctx context.Context, in *storage.PutObjectInput) (*storage.PutObjectOutput, error) {
	input := &s3.PutObjectInput{
		Bucket:             aws.String(in.Bucket),
		Key:                aws.String(in.Key),
		ContentLength:      aws.Int64(in.ContentLength),
		ContentMD5:         stringOrNil(in.ContentMD5),
		ContentType:        stringOrNil(in.Options.ContentType),
		CacheControl:       stringOrNil(in.Options.CacheControl),
		ContentDisposition: stringOrNil(in.Options.ContentDisposition),
		ContentEncoding:    stringOrNil(in.Options.ContentEncoding),
		Metadata:           in.Options.Metadata,
	}
	if in.Body != nil {
		input.Body = in.Body
	}
	if in.Options.ServerSideEncryption != "" {
		input.ServerSideEncryption = types.ServerSideEncryption(in.Options.ServerSideEncryption)
	}
	if in.Options.StorageClass != "" {
		input.StorageClass = types.StorageClass(in.Options.StorageClass)
	}

	out, err := b.api.PutObject(ctx, input)
	if err != nil {
		return nil, unwrapError("put object", resource(in.Bucket, in.Key), err)
	}
	if aws.ToString(out.ETag) == "" {
		return nil, errors.ErrNoETag
	}
	return &storage.PutObjectOutput{
		ETag:                 aws.ToString(out.ETag),
		VersionID:            aws.ToString(out.VersionId),
		ServerSideEncryption: string(out.ServerSideEncryption),
	}, nil
}

// HeadObject ...
func (b *Backend) HeadObject(ctx context.Context, ref storage.ObjectRef) (*storage.HeadObjectOutput, error) {
	out, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:    aws.String(ref.Bucket),
		Key:       aws.String(ref.Key),
		VersionId: stringOrNil(ref.VersionID),
	}, withRegion(ref.Region))
	if err != nil {
		return nil, unwrapError("head object", resource(ref.Bucket, ref.Key), err)
	}

	head := &storage.HeadObjectOutput{
		ContentLength: -1,
		ETag:          aws.ToString(out.ETag),
		ContentType:   aws.ToString(out.ContentType),
		VersionID:     aws.ToString(out.VersionId),
		LastModified:  aws.ToTime(out.LastModified),
	}
	if out.ContentLength != nil {
		head.ContentLength = *out.ContentLength
	}
	return head, nil
}

// CopyObject ...
func (b *Backend) CopyObject(ctx context.Context, in *storage.CopyObjectInput) (*storage.CopyObjectOutput, error) {
	input := &s3.CopyObjectInput{
		Bucket:            aws.String(in.Bucket),
		Key:               aws.String(in.Key),
		CopySource:        aws.String(copySource(in.Source)),
		MetadataDirective: types.MetadataDirectiveCopy,
	}
	if in.ReplaceMetadata {
		input.MetadataDirective = types.MetadataDirectiveReplace
		input.ContentType = stringOrNil(in.Options.ContentType)
		input.CacheControl = stringOrNil(in.Options.CacheControl)
		input.ContentDisposition = stringOrNil(in.Options.ContentDisposition)
		input.ContentEncoding = stringOrNil(in.Options.ContentEncoding)
		input.Metadata = in.Options.Metadata
	}
	if in.Options.StorageClass != "" {
		input.StorageClass = types.StorageClass(in.Options.StorageClass)
	}
	if in.Options.ServerSideEncryption != "" {
		input.ServerSideEncryption = types.ServerSideEncryption(in.Options.ServerSideEncryption)
	}

	out, err := b.api.CopyObject(ctx, input)
	if err != nil {
		return nil, unwrapError("copy object", resource(in.Bucket, in.Key), err)
	}
	if out.CopyObjectResult == nil || aws.ToString(out.CopyObjectResult.ETag) == "" {
		return nil, errors.ErrNoETag
	}
	return &storage.CopyObjectOutput{
		ETag:      aws.ToString(out.CopyObjectResult.ETag),
		VersionID: aws.ToString(out.VersionId),
	}, nil
}

// CreateMultipartUpload ...
func (b *Backend) CreateMultipartUpload(ctx context.Context, in *storage.CreateMultipartUploadInput) (*storage.CreateMultipartUploadOutput, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket:             aws.String(in.Bucket),
		Key:                aws.String(in.Key),
		ContentType:        stringOrNil(in.Options.ContentType),
		CacheControl:       stringOrNil(in.Options.CacheControl),
		ContentDisposition: stringOrNil(in.Options.ContentDisposition),
		ContentEncoding:    stringOrNil(in.Options.ContentEncoding),
		Metadata:           in.Options.Metadata,
	}
	if in.Options.ServerSideEncryption != "" {
		input.ServerSideEncryption = types.ServerSideEncryption(in.Options.ServerSideEncryption)
	}
	if in.Options.StorageClass != "" {
		input.StorageClass = types.StorageClass(in.Options.StorageClass)
	}

	out, err := b.api.CreateMultipartUpload(ctx, input)
	if err != nil {
		return nil, unwrapError("create multipart upload", resource(in.Bucket, in.Key), err)
	}
	if aws.ToString(out.UploadId) == "" {
		return nil, fmt.Errorf("create multipart upload: response has no upload id")
	}
	return &storage.CreateMultipartUploadOutput{UploadID: aws.ToString(out.UploadId)}, nil
}

// UploadPart ...
func (b *Backend) UploadPart(ctx context.Context, in *storage.UploadPartInput) (*storage.UploadPartOutput, error) {
	input := &s3.UploadPartInput{
		Bucket:        aws.String(in.Bucket),
		Key:           aws.String(in.Key),
		UploadId:      aws.String(in.UploadID),
		PartNumber:    aws.Int32(int32(in.PartNumber)),
		ContentLength: aws.Int64(in.ContentLength),
		ContentMD5:    stringOrNil(in.ContentMD5),
	}
	if in.Body != nil {
		input.Body = in.Body
	}

	out, err := b.api.UploadPart(ctx, input)
	if err != nil {
		return nil, unwrapError("upload part", resource(in.Bucket, in.Key), err)
	}
	if aws.ToString(out.ETag) == "" {
		return nil, fmt.Errorf("part %d: %w", in.PartNumber, errors.ErrNoETag)
	}
	return &storage.UploadPartOutput{ETag: aws.ToString(out.ETag)}, nil
}

// UploadPartCopy ...
func (b *Backend) UploadPartCopy(ctx context.Context, in *storage.UploadPartCopyInput) (*storage.UploadPartOutput, error) {
	out, err := b.api.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
		Bucket:          aws.String(in.Bucket),
		Key:             aws.String(in.Key),
		UploadId:        aws.String(in.UploadID),
		PartNumber:      aws.Int32(int32(in.PartNumber)),
		CopySource:      aws.String(copySource(in.Source)),
		CopySourceRange: aws.String(in.Range.String()),
	})
	if err != nil {
		return nil, unwrapError("upload part copy", resource(in.Bucket, in.Key), err)
	}
	if out.CopyPartResult == nil || aws.ToString(out.CopyPartResult.ETag) == "" {
		return nil, fmt.Errorf("part %d: %w", in.PartNumber, errors.ErrNoETag)
	}
	return &storage.UploadPartOutput{ETag: aws.ToString(out.CopyPartResult.ETag)}, nil
}

// ListParts ...
func (b *Backend) ListParts(ctx context.Context, in *storage.ListPartsInput) (*storage.ListPartsOutput, error) {
	input := &s3.ListPartsInput{
		Bucket:   aws.String(in.Bucket),
		Key:      aws.String(in.Key),
		UploadId: aws.String(in.UploadID),
	}
	if in.PartNumberMarker > 0 {
		input.PartNumberMarker = aws.String(strconv.Itoa(in.PartNumberMarker))
	}
	if in.MaxParts > 0 {
		input.MaxParts = aws.Int32(int32(in.MaxParts))
	}

	out, err := b.api.ListParts(ctx, input)
	if err != nil {
		return nil, unwrapError("list parts", resource(in.Bucket, in.Key), err)
	}

	result := &storage.ListPartsOutput{
		IsTruncated: aws.ToBool(out.IsTruncated),
		Parts:       make([]storage.Part, 0, len(out.Parts)),
	}
	if marker := aws.ToString(out.NextPartNumberMarker); marker != "" {
		n, err := strconv.Atoi(marker)
		if err != nil {
			return nil, fmt.Errorf("invalid next part number marker %q: %w", marker, err)
		}
		result.NextPartNumberMarker = n
	}
	for _, p := range out.Parts {
		result.Parts = append(result.Parts, storage.Part{
			PartNumber:   int(aws.ToInt32(p.PartNumber)),
			ETag:         aws.ToString(p.ETag),
			Size:         aws.ToInt64(p.Size),
			LastModified: aws.ToTime(p.LastModified),
		})
	}
	return result, nil
}

// CompleteMultipartUpload ...
func (b *Backend) CompleteMultipartUpload(ctx context.Context, in *storage.CompleteMultipartUploadInput) (*storage.CompleteMultipartUploadOutput, error) {
	parts := make([]types.CompletedPart, 0, len(in.Parts))
	for _, p := range in.Parts {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}

	out, err := b.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(in.Bucket),
		Key:             aws.String(in.Key),
		UploadId:        aws.String(in.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return nil, unwrapError("complete multipart upload", resource(in.Bucket, in.Key), err)
	}
	return &storage.CompleteMultipartUploadOutput{
		ETag:      aws.ToString(out.ETag),
		Location:  aws.ToString(out.Location),
		VersionID: aws.ToString(out.VersionId),
	}, nil
}

// AbortMultipartUpload ...
func (b *Backend) AbortMultipartUpload(ctx context.Context, in *storage.AbortMultipartUploadInput) error {
	_, err := b.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(in.Bucket),
		Key:      aws.String(in.Key),
		UploadId: aws.String(in.UploadID),
	})
	return unwrapError("abort multipart upload", resource(in.Bucket, in.Key), err)
}

// PresignGetObject ...
func (b *Backend) PresignGetObject(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	if b.presigner == nil {
		return "", &errors.ConfigurationError{Field: "Presigner", Reason: "no presign client configured"}
	}
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign get object: %w", err)
	}
	return req.URL, nil
}
