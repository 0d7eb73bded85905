package cos

import (
	"context"
	"net/http"

	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/bitrise-io/go-objectstorage/transport"
)

// BucketCreation is the outcome of CreateBucket.
type BucketCreation int

const (
	// BucketCreated means a new bucket was created.
	BucketCreated BucketCreation = iota
	// BucketAlreadyOwned means the bucket existed and belongs to the caller.
	BucketAlreadyOwned
)

func (b BucketCreation) String() string {
	switch b {
	case BucketCreated:
		return "created"
	case BucketAlreadyOwned:
		return "already owned"
	default:
		return "unknown"
	}
}

// CreateBucket creates a bucket in the client's region. A bucket the caller already owns is not
// an error, other conflicts are returned as *errors.TransportError.
func (c *Client) CreateBucket(ctx context.Context, bucket string) (BucketCreation, error) {
	_, err := c.send(ctx, &transport.Request{
		Method: http.MethodPut,
		Host:   c.Host(bucket, ""),
		Path:   "/",
	})
	if err == nil {
		c.logger.Debugf("Bucket %s created in %s", bucket, c.opts.Region)
		return BucketCreated, nil
	}
	if te, ok := errors.AsTransportError(err); ok && te.Code == "BucketAlreadyOwnedByYou" {
		return BucketAlreadyOwned, nil
	}
	return BucketCreated, err
}
