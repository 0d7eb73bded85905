package transfer

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/bitrise-io/go-objectstorage/storage"
	"github.com/docker/go-units"
)

// bucketRegionResolver is implemented by backends that can look up the region of a bucket.
type bucketRegionResolver interface {
	BucketRegion(ctx context.Context, bucket string) (string, error)
}

// Copy copies the src object to bucket/key. The source length is probed first; small sources
// are copied with one request, larger ones part by part from byte ranges of the source.
func (m *Manager) Copy(ctx context.Context, src storage.ObjectRef, bucket, key string, opts ...Option) (*ObjectDescriptor, error) {
	desc, err := m.copy(ctx, src, bucket, key, m.callConfig(opts))
	if err != nil {
		return nil, m.fail(ctx, "copy", bucket, key, err)
	}

	m.logger.Debugf("Copied %s to %s/%s (%s, ETag: %s)", src, bucket, key, units.BytesSize(float64(desc.Size)), desc.ETag)
	return desc, nil
}

func (m *Manager) copy(ctx context.Context, src storage.ObjectRef, bucket, key string, cfg callConfig) (*ObjectDescriptor, error) {
	if cfg.uploadID != "" {
		return nil, &errors.PlanningError{Reason: fmt.Sprintf("copies cannot resume upload %s", cfg.uploadID)}
	}
	if src.Region == "" {
		src.Region = m.sourceRegion(ctx, src.Bucket)
	}

	head, err := m.backend.HeadObject(ctx, src)
	if err != nil {
		return nil, &errors.PlanningError{Reason: fmt.Sprintf("probe source %s", src), Err: err}
	}
	if head.ContentLength < 0 {
		return nil, &errors.PlanningError{Reason: fmt.Sprintf("source %s has unknown length", src)}
	}

	sameRegion := src.Region == m.backend.Region()
	plan, err := m.planner.PlanCopy(head.ContentLength, sameRegion)
	if err != nil {
		return nil, err
	}
	m.logger.Debugf("Copying %s (%s, same region: %t) to %s/%s (%s)",
		src, units.BytesSize(float64(head.ContentLength)), sameRegion, bucket, key, plan.Mode)

	if plan.Mode == SingleShot {
		out, err := m.backend.CopyObject(ctx, &storage.CopyObjectInput{
			Bucket:          bucket,
			Key:             key,
			Source:          src,
			Options:         cfg.object,
			ReplaceMetadata: cfg.replaceMetadata,
		})
		if err != nil {
			return nil, err
		}
		return &ObjectDescriptor{
			Bucket:    bucket,
			Key:       key,
			ETag:      out.ETag,
			VersionID: out.VersionID,
			Size:      head.ContentLength,
			PartCount: 1,
		}, nil
	}

	objectOpts := cfg.object
	if !cfg.replaceMetadata && objectOpts.ContentType == "" {
		objectOpts.ContentType = head.ContentType
	}
	return m.copyParts(ctx, src, plan, bucket, key, objectOpts)
}

func (m *Manager) copyParts(ctx context.Context, src storage.ObjectRef, plan Plan, bucket, key string, opts storage.ObjectOptions) (*ObjectDescriptor, error) {
	session, err := OpenSession(ctx, m.backend, bucket, key, opts, m.logger)
	if err != nil {
		return nil, err
	}

	ranges := plan.Ranges()
	tasks := make([]Task, 0, len(ranges))
	for i, r := range ranges {
		partNumber, r := i+1, r
		tasks = append(tasks, Task{
			PartNumber: partNumber,
			Size:       r.Len(),
			Do: func(ctx context.Context) (string, error) {
				out, err := m.backend.UploadPartCopy(ctx, &storage.UploadPartCopyInput{
					Bucket:     bucket,
					Key:        key,
					UploadID:   session.UploadID(),
					PartNumber: partNumber,
					Source:     src,
					Range:      r,
				})
				if err != nil {
					return "", err
				}
				if out.ETag == "" {
					return "", errors.ErrNoETag
				}
				return out.ETag, nil
			},
		})
	}

	if err := m.pool.Run(ctx, &sliceIterator{tasks: tasks}, session.RegisterPart); err != nil {
		return nil, m.abortAfter(ctx, session, err)
	}

	out, err := session.Complete(ctx, plan.PartCount)
	if err != nil {
		return nil, m.abortAfter(ctx, session, err)
	}
	return completedDescriptor(session, out), nil
}

// sourceRegion returns the region of a source bucket when the backend can look it up, and the
// backend's own region otherwise.
func (m *Manager) sourceRegion(ctx context.Context, bucket string) string {
	resolver, ok := m.backend.(bucketRegionResolver)
	if !ok {
		return m.backend.Region()
	}

	region, err := resolver.BucketRegion(ctx, bucket)
	if err != nil || region == "" {
		m.logger.Warnf("Failed to look up the region of bucket %s, assuming %s: %v", bucket, m.backend.Region(), err)
		return m.backend.Region()
	}
	return region
}
