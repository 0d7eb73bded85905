package transfer

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/bitrise-io/go-objectstorage/internal/testutil"
	"github.com/bitrise-io/go-objectstorage/storage"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uploadTestPart(t *testing.T, backend *testutil.Backend, s *Session, partNumber int, data string) PartResult {
	out, err := backend.UploadPart(context.Background(), &storage.UploadPartInput{
		Bucket:        s.Bucket(),
		Key:           s.Key(),
		UploadID:      s.UploadID(),
		PartNumber:    partNumber,
		Body:          stringReader(data),
		ContentLength: int64(len(data)),
	})
	require.NoError(t, err)
	return PartResult{PartNumber: partNumber, ETag: out.ETag, Size: int64(len(data))}
}

func openTestSession(t *testing.T, backend *testutil.Backend) *Session {
	s, err := OpenSession(context.Background(), backend, "bucket", "key", storage.ObjectOptions{}, log.NewLogger())
	require.NoError(t, err)
	return s
}

func TestOpenSession_CreateFails(t *testing.T) {
	backend := testutil.NewBackend()
	backend.CreateErr = &errors.TransportError{StatusCode: http.StatusForbidden, Code: "AccessDenied"}

	s, err := OpenSession(context.Background(), backend, "bucket", "key", storage.ObjectOptions{}, log.NewLogger())

	assert.Nil(t, s)
	te, ok := errors.AsTransportError(err)
	require.True(t, ok)
	assert.Equal(t, "AccessDenied", te.Code)
	assert.Equal(t, 0, backend.OpenUploads())
}

func TestSession_CompleteOrdersParts(t *testing.T) {
	backend := testutil.NewBackend()
	s := openTestSession(t, backend)
	assert.Equal(t, Created, s.State())

	parts := []PartResult{
		uploadTestPart(t, backend, s, 1, "aaa"),
		uploadTestPart(t, backend, s, 2, "bbb"),
		uploadTestPart(t, backend, s, 3, "cc"),
	}

	var wg sync.WaitGroup
	for _, i := range []int{2, 0, 1} {
		wg.Add(1)
		go func(p PartResult) {
			defer wg.Done()
			assert.NoError(t, s.RegisterPart(p))
		}(parts[i])
	}
	wg.Wait()
	assert.Equal(t, PartsUploading, s.State())

	out, err := s.Complete(context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, Completed, s.State())
	assert.NotEmpty(t, out.ETag)
	obj, ok := backend.Object("bucket", "key")
	require.True(t, ok)
	assert.Equal(t, "aaabbbcc", string(obj.Data))
	assert.Equal(t, 3, obj.PartCount)
}

func TestSession_RegisterPartTwiceKeepsLatest(t *testing.T) {
	backend := testutil.NewBackend()
	s := openTestSession(t, backend)

	require.NoError(t, s.RegisterPart(PartResult{PartNumber: 1, ETag: `"stale"`}))
	require.NoError(t, s.RegisterPart(uploadTestPart(t, backend, s, 1, "data")))

	_, err := s.Complete(context.Background(), 1)
	require.NoError(t, err)
}

func TestSession_CompleteMissingParts(t *testing.T) {
	backend := testutil.NewBackend()
	s := openTestSession(t, backend)
	require.NoError(t, s.RegisterPart(uploadTestPart(t, backend, s, 1, "a")))
	require.NoError(t, s.RegisterPart(uploadTestPart(t, backend, s, 3, "c")))

	_, err := s.Complete(context.Background(), 4)

	var incomplete *errors.IncompleteUploadError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []int{2, 4}, incomplete.Missing)
	assert.Equal(t, s.UploadID(), incomplete.UploadID)
	assert.Equal(t, PartsUploading, s.State())
	assert.Equal(t, 0, backend.CallCount("CompleteMultipartUpload"))
}

func TestSession_CompleteWithoutParts(t *testing.T) {
	s := openTestSession(t, testutil.NewBackend())

	_, err := s.Complete(context.Background(), 0)

	var incomplete *errors.IncompleteUploadError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []int{1}, incomplete.Missing)
}

func TestSession_CompleteRejectedStaysAbortable(t *testing.T) {
	backend := testutil.NewBackend()
	s := openTestSession(t, backend)
	require.NoError(t, s.RegisterPart(uploadTestPart(t, backend, s, 1, "a")))
	backend.CompleteErr = &errors.TransportError{StatusCode: http.StatusBadRequest, Code: "EntityTooSmall"}

	_, err := s.Complete(context.Background(), 1)

	te, ok := errors.AsTransportError(err)
	require.True(t, ok)
	assert.Equal(t, "EntityTooSmall", te.Code)
	assert.Equal(t, PartsUploading, s.State())

	require.NoError(t, s.Abort(context.Background()))
	assert.Equal(t, Aborted, s.State())
	assert.Equal(t, 0, backend.OpenUploads())
}

func TestSession_AbortIsIdempotent(t *testing.T) {
	backend := testutil.NewBackend()
	s := openTestSession(t, backend)

	require.NoError(t, s.Abort(context.Background()))
	require.NoError(t, s.Abort(context.Background()))

	assert.Equal(t, Aborted, s.State())
	assert.Equal(t, 1, backend.CallCount("AbortMultipartUpload"))
}

func TestSession_AbortAfterComplete(t *testing.T) {
	backend := testutil.NewBackend()
	s := openTestSession(t, backend)
	require.NoError(t, s.RegisterPart(uploadTestPart(t, backend, s, 1, "a")))
	_, err := s.Complete(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, s.Abort(context.Background()))
	require.NoError(t, s.Abort(context.Background()))

	assert.Equal(t, Completed, s.State())
}

func TestSession_AbortToleratesNoSuchUpload(t *testing.T) {
	backend := testutil.NewBackend()
	s := newSession(backend, "bucket", "key", "completed-elsewhere", log.NewLogger())

	require.NoError(t, s.Abort(context.Background()))
	assert.Equal(t, Aborted, s.State())
}

func TestSession_AbortFailureKeepsSessionOpen(t *testing.T) {
	backend := testutil.NewBackend()
	s := openTestSession(t, backend)
	backend.AbortErr = &errors.TransportError{StatusCode: http.StatusInternalServerError, Code: "InternalError"}

	err := s.Abort(context.Background())

	require.Error(t, err)
	assert.Equal(t, Created, s.State())
}

func TestSession_ClosedSessionRejectsParts(t *testing.T) {
	backend := testutil.NewBackend()
	s := openTestSession(t, backend)
	require.NoError(t, s.Abort(context.Background()))

	err := s.RegisterPart(PartResult{PartNumber: 1, ETag: `"etag"`})
	require.ErrorIs(t, err, errors.ErrSessionClosed)

	_, err = s.Complete(context.Background(), 1)
	require.ErrorIs(t, err, errors.ErrSessionClosed)
}

func TestSession_RegisterPartNumberBounds(t *testing.T) {
	s := openTestSession(t, testutil.NewBackend())

	require.Error(t, s.RegisterPart(PartResult{PartNumber: 0}))
	require.Error(t, s.RegisterPart(PartResult{PartNumber: storage.MaxPartCount + 1}))
}

func TestResumeSession(t *testing.T) {
	backend := testutil.NewBackend()
	s := openTestSession(t, backend)
	for i := 1; i <= 3; i++ {
		uploadTestPart(t, backend, s, i, fmt.Sprintf("part-%d", i))
	}

	resumed, err := ResumeSession(context.Background(), backend, "bucket", "key", s.UploadID(), log.NewLogger())
	require.NoError(t, err)

	assert.Equal(t, PartsUploading, resumed.State())
	require.Len(t, resumed.Parts(), 3)
	require.NoError(t, resumed.RegisterPart(uploadTestPart(t, backend, resumed, 4, "part-4")))

	_, err = resumed.Complete(context.Background(), 4)
	require.NoError(t, err)
	obj, _ := backend.Object("bucket", "key")
	assert.Equal(t, "part-1part-2part-3part-4", string(obj.Data))
}

func TestResumeSession_UnknownUpload(t *testing.T) {
	_, err := ResumeSession(context.Background(), testutil.NewBackend(), "bucket", "key", "missing", log.NewLogger())

	assert.True(t, errors.IsNoSuchUpload(err))
}
