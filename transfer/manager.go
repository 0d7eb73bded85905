// Package transfer moves objects in and out of object storage. A Manager plans every transfer,
// runs multipart uploads and copies on a bounded worker pool and cleans up failed uploads.
package transfer

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/bitrise-io/go-objectstorage/internal"
	"github.com/bitrise-io/go-objectstorage/storage"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
)

// Manager runs uploads, copies and downloads against one storage backend.
type Manager struct {
	backend    storage.Backend
	planner    *Planner
	pool       *Pool
	logger     log.Logger
	httpClient *http.Client
	osProxy    internal.OsProxy
	opts       Options
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger ...
func WithLogger(logger log.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithPool runs part transfers on a shared pool instead of one sized by Options.Concurrency.
func WithPool(pool *Pool) ManagerOption {
	return func(m *Manager) {
		m.pool = pool
	}
}

// WithOptions replaces the default options. Zero-valued sizes, counts and durations take their
// defaults.
func WithOptions(opts Options) ManagerOption {
	return func(m *Manager) {
		m.opts = opts
	}
}

// WithHTTPClient sets the client used for presigned downloads.
func WithHTTPClient(client *http.Client) ManagerOption {
	return func(m *Manager) {
		m.httpClient = client
	}
}

// WithOsProxy ...
func WithOsProxy(osProxy internal.OsProxy) ManagerOption {
	return func(m *Manager) {
		m.osProxy = osProxy
	}
}

// NewManager ...
func NewManager(backend storage.Backend, opts ...ManagerOption) *Manager {
	m := &Manager{
		backend: backend,
		logger:  log.NewLogger(),
		osProxy: internal.RealOS{},
		opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.planner = NewPlanner(m.opts)
	m.opts = m.planner.Options()
	if m.pool == nil {
		m.pool = NewPool(m.opts.Concurrency, m.logger)
	}
	if m.httpClient == nil {
		m.httpClient = retryhttp.NewClient(m.logger).StandardClient()
	}
	return m
}

// Planner returns the planner the Manager uses.
func (m *Manager) Planner() *Planner {
	return m.planner
}

// Pool returns the worker pool the Manager uses.
func (m *Manager) Pool() *Pool {
	return m.pool
}

// Option adjusts a single upload or copy.
type Option func(*callConfig)

type callConfig struct {
	object          storage.ObjectOptions
	replaceMetadata bool
	md5             bool
	uploadID        string
}

// WithObjectOptions sets the headers stored with the object. For copies it replaces the
// metadata of the source.
func WithObjectOptions(opts storage.ObjectOptions) Option {
	return func(c *callConfig) {
		c.object = opts
		c.replaceMetadata = true
	}
}

// WithContentType ...
func WithContentType(contentType string) Option {
	return func(c *callConfig) {
		c.object.ContentType = contentType
	}
}

// WithMD5 overrides Options.EnableMD5 for one transfer.
func WithMD5(enabled bool) Option {
	return func(c *callConfig) {
		c.md5 = enabled
	}
}

// WithUploadID continues the multipart upload uploadID instead of starting a new one. Parts the
// service already holds with the planned size are not sent again. A resumed upload is left open
// when the transfer fails, so it can be resumed once more or aborted by the caller.
func WithUploadID(uploadID string) Option {
	return func(c *callConfig) {
		c.uploadID = uploadID
	}
}

func (m *Manager) callConfig(opts []Option) callConfig {
	c := callConfig{md5: m.opts.EnableMD5}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// cleanupError carries a failure together with the error of the abort that followed it.
type cleanupError struct {
	err      error
	abortErr error
}

func (e *cleanupError) Error() string {
	return e.err.Error()
}

func (e *cleanupError) Unwrap() error {
	return e.err
}

// fail wraps err with the operation context. Failures after the caller cancelled ctx are
// reported as *errors.CancelledError.
func (m *Manager) fail(ctx context.Context, op, bucket, key string, err error) error {
	var abortErr error
	var ce *cleanupError
	if stderrors.As(err, &ce) {
		err, abortErr = ce.err, ce.abortErr
	}

	if ctx.Err() != nil {
		var cancelled *errors.CancelledError
		if !stderrors.As(err, &cancelled) {
			err = &errors.CancelledError{Err: err}
		}
	}

	e := errors.NewObjectError(op, bucket, key, err)
	if abortErr != nil {
		e.WithSuppressed(abortErr)
	}
	return e
}

// abort releases a failed session. It runs detached from ctx so cancelled transfers are still
// cleaned up.
func (m *Manager) abort(ctx context.Context, s *Session) error {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.AbortTimeout)
	defer cancel()

	if err := s.Abort(abortCtx); err != nil {
		m.logger.Warnf("Failed to abort multipart upload %s: %s", s.UploadID(), err)
		return err
	}
	return nil
}
