package cos

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/bitrise-io/go-objectstorage/storage"
	"github.com/bitrise-io/go-objectstorage/transport"
)

func partQuery(uploadID string, partNumber int) url.Values {
	return url.Values{
		"partNumber": {strconv.Itoa(partNumber)},
		"uploadId":   {uploadID},
	}
}

// CreateMultipartUpload starts a multipart upload and returns its id.
func (c *Client) CreateMultipartUpload(ctx context.Context, in *storage.CreateMultipartUploadInput) (*storage.CreateMultipartUploadOutput, error) {
	header := http.Header{}
	setObjectOptions(header, in.Options)

	var result initiateMultipartUploadResult
	if _, err := c.sendXML(ctx, &transport.Request{
		Method: http.MethodPost,
		Host:   c.Host(in.Bucket, ""),
		Path:   objectPath(in.Key),
		Query:  url.Values{"uploads": {""}},
		Header: header,
	}, nil, &result); err != nil {
		return nil, err
	}
	if result.UploadID == "" {
		return nil, fmt.Errorf("initiate multipart upload: response has no upload id")
	}
	return &storage.CreateMultipartUploadOutput{UploadID: result.UploadID}, nil
}

// UploadPart uploads one part of a multipart upload.
func (c *Client) UploadPart(ctx context.Context, in *storage.UploadPartInput) (*storage.UploadPartOutput, error) {
	header := http.Header{}
	if in.ContentMD5 != "" {
		header.Set("Content-MD5", in.ContentMD5)
	}

	resp, err := c.send(ctx, &transport.Request{
		Method:        http.MethodPut,
		Host:          c.Host(in.Bucket, ""),
		Path:          objectPath(in.Key),
		Query:         partQuery(in.UploadID, in.PartNumber),
		Header:        header,
		Body:          in.Body,
		ContentLength: in.ContentLength,
	})
	if err != nil {
		return nil, err
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return nil, fmt.Errorf("part %d: %w", in.PartNumber, errors.ErrNoETag)
	}
	return &storage.UploadPartOutput{ETag: etag}, nil
}

// UploadPartCopy fills a part with a byte range of an existing object.
func (c *Client) UploadPartCopy(ctx context.Context, in *storage.UploadPartCopyInput) (*storage.UploadPartOutput, error) {
	header := http.Header{}
	header.Set("x-cos-copy-source", c.copySource(in.Source))
	header.Set("x-cos-copy-source-range", in.Range.String())

	var result copyPartResult
	if _, err := c.sendXML(ctx, &transport.Request{
		Method: http.MethodPut,
		Host:   c.Host(in.Bucket, ""),
		Path:   objectPath(in.Key),
		Query:  partQuery(in.UploadID, in.PartNumber),
		Header: header,
	}, nil, &result); err != nil {
		return nil, err
	}
	if result.ETag == "" {
		return nil, fmt.Errorf("part %d: %w", in.PartNumber, errors.ErrNoETag)
	}
	return &storage.UploadPartOutput{ETag: result.ETag}, nil
}

// ListParts returns one page of the parts stored for an upload.
func (c *Client) ListParts(ctx context.Context, in *storage.ListPartsInput) (*storage.ListPartsOutput, error) {
	query := url.Values{"uploadId": {in.UploadID}}
	if in.PartNumberMarker > 0 {
		query.Set("part-number-marker", strconv.Itoa(in.PartNumberMarker))
	}
	if in.MaxParts > 0 {
		query.Set("max-parts", strconv.Itoa(in.MaxParts))
	}

	var result listPartsResult
	if _, err := c.sendXML(ctx, &transport.Request{
		Method: http.MethodGet,
		Host:   c.Host(in.Bucket, ""),
		Path:   objectPath(in.Key),
		Query:  query,
	}, nil, &result); err != nil {
		return nil, err
	}

	out := &storage.ListPartsOutput{
		IsTruncated:          result.IsTruncated,
		NextPartNumberMarker: result.NextPartNumberMarker,
		Parts:                make([]storage.Part, 0, len(result.Parts)),
	}
	for _, p := range result.Parts {
		out.Parts = append(out.Parts, storage.Part{
			PartNumber:   p.PartNumber,
			ETag:         p.ETag,
			Size:         p.Size,
			LastModified: parseTime(p.LastModified),
		})
	}
	return out, nil
}

// CompleteMultipartUpload assembles the listed parts into the final object.
func (c *Client) CompleteMultipartUpload(ctx context.Context, in *storage.CompleteMultipartUploadInput) (*storage.CompleteMultipartUploadOutput, error) {
	body := completeMultipartUpload{Parts: make([]completedPart, 0, len(in.Parts))}
	for _, p := range in.Parts {
		body.Parts = append(body.Parts, completedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	var result completeMultipartUploadResult
	resp, err := c.sendXML(ctx, &transport.Request{
		Method: http.MethodPost,
		Host:   c.Host(in.Bucket, ""),
		Path:   objectPath(in.Key),
		Query:  url.Values{"uploadId": {in.UploadID}},
	}, body, &result)
	if err != nil {
		return nil, err
	}
	return &storage.CompleteMultipartUploadOutput{
		ETag:      result.ETag,
		Location:  result.Location,
		VersionID: resp.Header.Get("x-cos-version-id"),
	}, nil
}

// AbortMultipartUpload discards an upload and its stored parts.
func (c *Client) AbortMultipartUpload(ctx context.Context, in *storage.AbortMultipartUploadInput) error {
	_, err := c.send(ctx, &transport.Request{
		Method: http.MethodDelete,
		Host:   c.Host(in.Bucket, ""),
		Path:   objectPath(in.Key),
		Query:  url.Values{"uploadId": {in.UploadID}},
	})
	return err
}

// MultipartUpload is an upload that was started but not yet completed or aborted.
type MultipartUpload struct {
	Key          string
	UploadID     string
	StorageClass string
	Initiated    time.Time
}

// ListMultipartUploadsInput ...
type ListMultipartUploadsInput struct {
	Prefix         string
	KeyMarker      string
	UploadIDMarker string
	MaxUploads     int
}

// ListMultipartUploadsOutput ...
type ListMultipartUploadsOutput struct {
	Uploads            []MultipartUpload
	IsTruncated        bool
	NextKeyMarker      string
	NextUploadIDMarker string
}

// ListMultipartUploads returns one page of the in-progress uploads of a bucket.
func (c *Client) ListMultipartUploads(ctx context.Context, bucket string, in ListMultipartUploadsInput) (*ListMultipartUploadsOutput, error) {
	query := url.Values{"uploads": {""}}
	if in.Prefix != "" {
		query.Set("prefix", in.Prefix)
	}
	if in.KeyMarker != "" {
		query.Set("key-marker", in.KeyMarker)
	}
	if in.UploadIDMarker != "" {
		query.Set("upload-id-marker", in.UploadIDMarker)
	}
	if in.MaxUploads > 0 {
		query.Set("max-uploads", strconv.Itoa(in.MaxUploads))
	}

	var result listMultipartUploadsResult
	if _, err := c.sendXML(ctx, &transport.Request{
		Method: http.MethodGet,
		Host:   c.Host(bucket, ""),
		Path:   "/",
		Query:  query,
	}, nil, &result); err != nil {
		return nil, err
	}

	out := &ListMultipartUploadsOutput{
		IsTruncated:        result.IsTruncated,
		NextKeyMarker:      result.NextKeyMarker,
		NextUploadIDMarker: result.NextUploadIDMarker,
	}
	for _, u := range result.Uploads {
		out.Uploads = append(out.Uploads, MultipartUpload{
			Key:          u.Key,
			UploadID:     u.UploadID,
			StorageClass: u.StorageClass,
			Initiated:    parseTime(u.Initiated),
		})
	}
	return out, nil
}
