package cos

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/bitrise-io/go-objectstorage/storage"
	"github.com/bitrise-io/go-objectstorage/transport"
)

// PutObject uploads an object in one request.
func (c *Client) PutObject(ctx context.Context, in *storage.PutObjectInput) (*storage.PutObjectOutput, error) {
	header := http.Header{}
	setObjectOptions(header, in.Options)
	if in.ContentMD5 != "" {
		header.Set("Content-MD5", in.ContentMD5)
	}

	resp, err := c.send(ctx, &transport.Request{
		Method:        http.MethodPut,
		Host:          c.Host(in.Bucket, ""),
		Path:          objectPath(in.Key),
		Header:        header,
		Body:          in.Body,
		ContentLength: in.ContentLength,
	})
	if err != nil {
		return nil, err
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return nil, errors.ErrNoETag
	}
	return &storage.PutObjectOutput{
		ETag:                 etag,
		VersionID:            resp.Header.Get("x-cos-version-id"),
		ServerSideEncryption: resp.Header.Get("x-cos-server-side-encryption"),
	}, nil
}

// HeadObject reads the metadata of an object, which may live in another region.
func (c *Client) HeadObject(ctx context.Context, ref storage.ObjectRef) (*storage.HeadObjectOutput, error) {
	var query url.Values
	if ref.VersionID != "" {
		query = url.Values{"versionId": {ref.VersionID}}
	}

	resp, err := c.send(ctx, &transport.Request{
		Method: http.MethodHead,
		Host:   c.Host(ref.Bucket, ref.Region),
		Path:   objectPath(ref.Key),
		Query:  query,
	})
	if err != nil {
		return nil, err
	}

	out := &storage.HeadObjectOutput{
		ContentLength: -1,
		ETag:          resp.Header.Get("ETag"),
		ContentType:   resp.Header.Get("Content-Type"),
		VersionID:     resp.Header.Get("x-cos-version-id"),
	}
	if v := resp.Header.Get("Content-Length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid Content-Length %q: %w", v, err)
		}
		out.ContentLength = n
	}
	if v := resp.Header.Get("Last-Modified"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			out.LastModified = t
		}
	}
	return out, nil
}

// CopyObject copies an object server side in one request.
func (c *Client) CopyObject(ctx context.Context, in *storage.CopyObjectInput) (*storage.CopyObjectOutput, error) {
	header := http.Header{}
	header.Set("x-cos-copy-source", c.copySource(in.Source))
	if in.ReplaceMetadata {
		header.Set("x-cos-metadata-directive", "Replaced")
		setObjectOptions(header, in.Options)
	} else {
		header.Set("x-cos-metadata-directive", "Copy")
	}

	var result copyObjectResult
	resp, err := c.sendXML(ctx, &transport.Request{
		Method: http.MethodPut,
		Host:   c.Host(in.Bucket, ""),
		Path:   objectPath(in.Key),
		Header: header,
	}, nil, &result)
	if err != nil {
		return nil, err
	}
	if result.ETag == "" {
		return nil, errors.ErrNoETag
	}
	return &storage.CopyObjectOutput{
		ETag:      result.ETag,
		VersionID: resp.Header.Get("x-cos-version-id"),
	}, nil
}
