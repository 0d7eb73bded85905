package transfer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/bitrise-io/go-objectstorage/storage"
	"github.com/bitrise-io/go-utils/v2/log"
)

// State is the lifecycle state of a multipart Session.
type State int

// Session states. Completed and Aborted are terminal.
const (
	Created State = iota
	PartsUploading
	Completing
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case PartsUploading:
		return "parts-uploading"
	case Completing:
		return "completing"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session owns one multipart upload from creation to completion or abort.
type Session struct {
	backend  storage.Backend
	logger   log.Logger
	bucket   string
	key      string
	uploadID string

	// opMu serializes Complete and Abort.
	opMu sync.Mutex

	mu    sync.Mutex
	state State
	parts map[int]PartResult
}

// OpenSession creates a multipart upload. Nothing is tracked locally unless the service call
// succeeds.
func OpenSession(ctx context.Context, backend storage.Backend, bucket, key string, opts storage.ObjectOptions, logger log.Logger) (*Session, error) {
	out, err := backend.CreateMultipartUpload(ctx, &storage.CreateMultipartUploadInput{
		Bucket:  bucket,
		Key:     key,
		Options: opts,
	})
	if err != nil {
		return nil, fmt.Errorf("create multipart upload: %w", err)
	}

	s := newSession(backend, bucket, key, out.UploadID, logger)
	s.logger.Debugf("Opened multipart upload %s for %s/%s", out.UploadID, bucket, key)
	return s, nil
}

// ResumeSession continues an existing multipart upload, registering the parts the service
// already holds.
func ResumeSession(ctx context.Context, backend storage.Backend, bucket, key, uploadID string, logger log.Logger) (*Session, error) {
	s := newSession(backend, bucket, key, uploadID, logger)

	marker := 0
	for {
		out, err := backend.ListParts(ctx, &storage.ListPartsInput{
			Bucket:           bucket,
			Key:              key,
			UploadID:         uploadID,
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, fmt.Errorf("list parts: %w", err)
		}

		for _, p := range out.Parts {
			s.parts[p.PartNumber] = PartResult{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size}
		}
		if !out.IsTruncated || out.NextPartNumberMarker <= marker {
			break
		}
		marker = out.NextPartNumberMarker
	}

	if len(s.parts) > 0 {
		s.state = PartsUploading
	}
	s.logger.Debugf("Resumed multipart upload %s with %d parts", uploadID, len(s.parts))
	return s, nil
}

func newSession(backend storage.Backend, bucket, key, uploadID string, logger log.Logger) *Session {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Session{
		backend:  backend,
		logger:   logger,
		bucket:   bucket,
		key:      key,
		uploadID: uploadID,
		state:    Created,
		parts:    map[int]PartResult{},
	}
}

// UploadID ...
func (s *Session) UploadID() string {
	return s.uploadID
}

// Bucket ...
func (s *Session) Bucket() string {
	return s.bucket
}

// Key ...
func (s *Session) Key() string {
	return s.key
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RegisterPart records a transferred part. Registering a part number twice keeps the latest
// result.
func (s *Session) RegisterPart(r PartResult) error {
	if r.PartNumber < 1 || r.PartNumber > maxPartCount {
		return fmt.Errorf("part number %d outside 1..%d", r.PartNumber, maxPartCount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Completed, Aborted:
		return fmt.Errorf("register part %d: %w", r.PartNumber, errors.ErrSessionClosed)
	case Completing:
		return fmt.Errorf("register part %d: upload %s is completing", r.PartNumber, s.uploadID)
	}

	s.state = PartsUploading
	s.parts[r.PartNumber] = r
	return nil
}

// Parts returns the registered parts ordered by part number.
func (s *Session) Parts() []PartResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedParts()
}

// Part returns the registered part with the given number.
func (s *Session) Part(number int) (PartResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[number]
	return p, ok
}

func (s *Session) sortedParts() []PartResult {
	parts := make([]PartResult, 0, len(s.parts))
	for _, p := range s.parts {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})
	return parts
}

// Complete assembles parts 1..partCount in part number order. A partCount below 1 completes
// with every registered part, which must then be numbered contiguously from 1.
//
// If the service rejects the request the session stays open and can still be aborted.
func (s *Session) Complete(ctx context.Context, partCount int) (*storage.CompleteMultipartUploadOutput, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state == Completed || s.state == Aborted {
		s.mu.Unlock()
		return nil, fmt.Errorf("complete multipart upload: %w", errors.ErrSessionClosed)
	}

	parts := s.sortedParts()
	expected := partCount
	if expected < 1 && len(parts) > 0 {
		expected = parts[len(parts)-1].PartNumber
	}

	var missing []int
	completed := make([]storage.CompletedPart, 0, expected)
	next := 0
	for n := 1; n <= max(expected, 1); n++ {
		for next < len(parts) && parts[next].PartNumber < n {
			next++
		}
		if next == len(parts) || parts[next].PartNumber != n {
			missing = append(missing, n)
			continue
		}
		completed = append(completed, storage.CompletedPart{PartNumber: n, ETag: parts[next].ETag})
	}
	if len(missing) > 0 {
		s.mu.Unlock()
		return nil, &errors.IncompleteUploadError{UploadID: s.uploadID, Missing: missing}
	}

	prev := s.state
	s.state = Completing
	s.mu.Unlock()

	out, err := s.backend.CompleteMultipartUpload(ctx, &storage.CompleteMultipartUploadInput{
		Bucket:   s.bucket,
		Key:      s.key,
		UploadID: s.uploadID,
		Parts:    completed,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = prev
		return nil, fmt.Errorf("complete multipart upload: %w", err)
	}
	s.state = Completed
	s.logger.Debugf("Completed multipart upload %s with %d parts", s.uploadID, len(completed))
	return out, nil
}

// Abort releases the upload on the service. It succeeds when the upload is already aborted,
// completed, or unknown to the service.
func (s *Session) Abort(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == Completed || state == Aborted {
		return nil
	}

	err := s.backend.AbortMultipartUpload(ctx, &storage.AbortMultipartUploadInput{
		Bucket:   s.bucket,
		Key:      s.key,
		UploadID: s.uploadID,
	})
	if err != nil && !errors.IsNoSuchUpload(err) {
		return fmt.Errorf("abort multipart upload: %w", err)
	}

	s.mu.Lock()
	s.state = Aborted
	s.mu.Unlock()
	s.logger.Debugf("Aborted multipart upload %s", s.uploadID)
	return nil
}
