package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/bitrise-io/go-objectstorage/checksum"
	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/bitrise-io/go-objectstorage/storage"
	"github.com/docker/go-units"
)

// Upload stores src as bucket/key, in one request or as a multipart upload depending on its
// size. A failed multipart upload is aborted before Upload returns.
func (m *Manager) Upload(ctx context.Context, src Source, bucket, key string, opts ...Option) (*ObjectDescriptor, error) {
	desc, err := m.upload(ctx, src, bucket, key, m.callConfig(opts))
	if err != nil {
		return nil, m.fail(ctx, "upload", bucket, key, err)
	}

	m.logger.Debugf("Uploaded %s/%s (%s, ETag: %s)", bucket, key, units.BytesSize(float64(desc.Size)), desc.ETag)
	return desc, nil
}

// UploadFile stores the local file at path as bucket/key.
func (m *Manager) UploadFile(ctx context.Context, path, bucket, key string, opts ...Option) (*ObjectDescriptor, error) {
	return m.Upload(ctx, FromFile(path), bucket, key, opts...)
}

func (m *Manager) upload(ctx context.Context, src Source, bucket, key string, cfg callConfig) (*ObjectDescriptor, error) {
	in, err := src.open(m.osProxy)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := in.close(); err != nil {
			m.logger.Warnf("Failed to close upload source: %s", err)
		}
	}()

	plan, err := m.planner.Plan(in.size)
	if err != nil {
		return nil, err
	}
	if cfg.uploadID != "" && plan.Mode == SingleShot {
		return nil, &errors.PlanningError{Reason: fmt.Sprintf("%s fits in one request, upload %s cannot be resumed", units.BytesSize(float64(in.size)), cfg.uploadID)}
	}

	if in.readerAt == nil {
		return m.uploadStream(ctx, in, plan, bucket, key, cfg)
	}

	if m.opts.DetectContentType && cfg.object.ContentType == "" {
		cfg.object.ContentType = detectContentType(in.readerAt, in.size)
	}

	m.logger.Debugf("Uploading %s to %s/%s (%s)", units.BytesSize(float64(in.size)), bucket, key, plan.Mode)
	if plan.Mode == SingleShot {
		return m.putObject(ctx, io.NewSectionReader(in.readerAt, 0, in.size), in.size, bucket, key, cfg)
	}
	return m.uploadParts(ctx, newSectionProvider(in.readerAt, plan), plan.PartCount, bucket, key, cfg)
}

func (m *Manager) uploadStream(ctx context.Context, in *openSource, plan Plan, bucket, key string, cfg callConfig) (*ObjectDescriptor, error) {
	if plan.Mode == SingleShot {
		data, err := io.ReadAll(io.LimitReader(in.reader, in.size))
		if err != nil {
			return nil, fmt.Errorf("read source: %w", err)
		}
		if int64(len(data)) != in.size {
			return nil, fmt.Errorf("source ended after %d of %d bytes", len(data), in.size)
		}
		if m.opts.DetectContentType && cfg.object.ContentType == "" {
			cfg.object.ContentType = detectContentType(bytes.NewReader(data), in.size)
		}
		return m.putObject(ctx, bufferBody(data), in.size, bucket, key, cfg)
	}

	provider := newStreamProvider(in.reader, plan.PartSize, m.opts.MaxPartCount)
	first, last, err := provider.peek()
	if err != nil {
		return nil, err
	}
	if m.opts.DetectContentType && cfg.object.ContentType == "" {
		if ra, ok := first.body.(io.ReaderAt); ok {
			cfg.object.ContentType = detectContentType(ra, first.size)
		}
	}

	if last && plan.Streaming() && cfg.uploadID == "" {
		m.logger.Debugf("Stream to %s/%s ended after %s, uploading in one request", bucket, key, units.BytesSize(float64(first.size)))
		defer first.release()
		return m.putObject(ctx, first.body, first.size, bucket, key, cfg)
	}

	m.logger.Debugf("Streaming to %s/%s in parts of %s", bucket, key, units.BytesSize(float64(plan.PartSize)))
	return m.uploadParts(ctx, provider, plan.PartCount, bucket, key, cfg)
}

// putObject sends body in one request and checks the returned ETag against the content digest.
func (m *Manager) putObject(ctx context.Context, body io.ReadSeeker, size int64, bucket, key string, cfg callConfig) (*ObjectDescriptor, error) {
	in := &storage.PutObjectInput{
		Bucket:        bucket,
		Key:           key,
		ContentLength: size,
		Options:       cfg.object,
	}

	var digest checksum.Digest
	var hasher *checksum.Reader
	if cfg.md5 {
		d, err := checksum.Compute(body)
		if err != nil {
			return nil, err
		}
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind source: %w", err)
		}
		digest = d
		in.ContentMD5 = d.Base64()
		in.Body = body
	} else {
		hasher = checksum.NewReader(body)
		in.Body = hasher
	}

	out, err := m.backend.PutObject(ctx, in)
	if err != nil {
		return nil, err
	}
	if hasher != nil {
		digest = hasher.Digest()
	}

	if verifiable(out.ServerSideEncryption) {
		if match, known := digest.MatchesETag(out.ETag); known && !match {
			return nil, &errors.ChecksumMismatchError{Expected: digest.QuotedHex(), Actual: out.ETag}
		}
	}

	return &ObjectDescriptor{
		Bucket:    bucket,
		Key:       key,
		ETag:      out.ETag,
		VersionID: out.VersionID,
		Size:      size,
		PartCount: 1,
	}, nil
}

// verifiable reports whether objects stored with the given encryption have content hash ETags.
func verifiable(serverSideEncryption string) bool {
	return serverSideEncryption == "" || serverSideEncryption == "AES256"
}

func (m *Manager) uploadParts(ctx context.Context, provider chunkProvider, partCount int, bucket, key string, cfg callConfig) (*ObjectDescriptor, error) {
	session, err := m.openSession(ctx, bucket, key, cfg)
	if err != nil {
		return nil, err
	}

	tasks := &partUploads{provider: provider, backend: m.backend, session: session, md5: cfg.md5, resumed: cfg.uploadID != ""}
	if err := m.pool.Run(ctx, tasks, session.RegisterPart); err != nil {
		return nil, m.release(ctx, session, tasks.resumed, err)
	}

	out, err := session.Complete(ctx, partCount)
	if err != nil {
		return nil, m.release(ctx, session, tasks.resumed, err)
	}
	return completedDescriptor(session, out), nil
}

func (m *Manager) openSession(ctx context.Context, bucket, key string, cfg callConfig) (*Session, error) {
	if cfg.uploadID == "" {
		return OpenSession(ctx, m.backend, bucket, key, cfg.object, m.logger)
	}
	return ResumeSession(ctx, m.backend, bucket, key, cfg.uploadID, m.logger)
}

// release aborts a failed session unless the caller handed it in to be resumed.
func (m *Manager) release(ctx context.Context, s *Session, resumed bool, err error) error {
	if resumed {
		m.logger.Warnf("Multipart upload %s left open after failure: %s", s.UploadID(), err)
		return err
	}
	return m.abortAfter(ctx, s, err)
}

func (m *Manager) abortAfter(ctx context.Context, s *Session, err error) error {
	if abortErr := m.abort(ctx, s); abortErr != nil {
		return &cleanupError{err: err, abortErr: abortErr}
	}
	return err
}

func completedDescriptor(s *Session, out *storage.CompleteMultipartUploadOutput) *ObjectDescriptor {
	var size int64
	parts := s.Parts()
	for _, p := range parts {
		size += p.Size
	}
	return &ObjectDescriptor{
		Bucket:    s.Bucket(),
		Key:       s.Key(),
		ETag:      out.ETag,
		VersionID: out.VersionID,
		Size:      size,
		Multipart: true,
		PartCount: len(parts),
	}
}

// partUploads turns provider chunks into UploadPart tasks.
type partUploads struct {
	provider chunkProvider
	backend  storage.Backend
	session  *Session
	md5      bool
	// resumed skips parts the session already holds with the same size.
	resumed bool
}

func (t *partUploads) Next(context.Context) (Task, bool, error) {
	c, err := t.provider.next()
	for err == nil && t.resumed && t.uploaded(c) {
		c.release()
		c, err = t.provider.next()
	}
	if err == io.EOF {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}

	return Task{
		PartNumber: c.partNumber,
		Size:       c.size,
		Do: func(ctx context.Context) (string, error) {
			defer c.release()
			return t.uploadPart(ctx, c)
		},
	}, true, nil
}

func (t *partUploads) uploaded(c *chunk) bool {
	p, ok := t.session.Part(c.partNumber)
	return ok && p.Size == c.size
}

func (t *partUploads) uploadPart(ctx context.Context, c *chunk) (string, error) {
	in := &storage.UploadPartInput{
		Bucket:        t.session.Bucket(),
		Key:           t.session.Key(),
		UploadID:      t.session.UploadID(),
		PartNumber:    c.partNumber,
		Body:          c.body,
		ContentLength: c.size,
	}

	var digest checksum.Digest
	if t.md5 {
		d, err := checksum.Compute(c.body)
		if err != nil {
			return "", err
		}
		if _, err := c.body.Seek(0, io.SeekStart); err != nil {
			return "", fmt.Errorf("rewind part %d: %w", c.partNumber, err)
		}
		digest = d
		in.ContentMD5 = d.Base64()
	}

	out, err := t.backend.UploadPart(ctx, in)
	if err != nil {
		return "", err
	}
	if out.ETag == "" {
		return "", errors.ErrNoETag
	}
	if !digest.IsZero() {
		if match, known := digest.MatchesETag(out.ETag); known && !match {
			return "", &errors.ChecksumMismatchError{Expected: digest.QuotedHex(), Actual: out.ETag}
		}
	}
	return out.ETag, nil
}
