package transfer

import (
	"runtime"
	"time"
)

// Size units.
const (
	KiB int64 = 1024
	MiB       = 1024 * KiB
	GiB       = 1024 * MiB
)

// Defaults applied to zero-valued Options fields.
const (
	DefaultSingleShotThreshold     = 16 * MiB
	DefaultPartSize                = 8 * MiB
	DefaultMinPartSize             = 5 * MiB
	DefaultStreamPartSize          = 8 * MiB
	DefaultCopySingleShotThreshold = 5 * GiB
	DefaultAbortTimeout            = 30 * time.Second
	DefaultPresignExpiry           = 15 * time.Minute

	// MaxPartSize is the largest part the service accepts.
	MaxPartSize = 5 * GiB
)

// Options holds the planning and concurrency settings of a Manager.
type Options struct {
	// SingleShotThreshold is the largest source sent with one request.
	// Default: 16 MiB
	SingleShotThreshold int64

	// PartSize is the preferred multipart part size. It grows when the source would need more
	// than MaxPartCount parts.
	// Default: 8 MiB
	PartSize int64

	// MinPartSize is the smallest part the service accepts, the last part excepted.
	// Default: 5 MiB
	MinPartSize int64

	// MaxPartCount is the largest number of parts in one upload.
	// Default: storage.MaxPartCount
	MaxPartCount int

	// StreamPartSize is the part size for sources of unknown length. One buffer of this size is
	// held per in-flight part.
	// Default: 8 MiB
	StreamPartSize int64

	// Concurrency is the maximum number of parallel part transfers.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// CopySingleShotThreshold is the largest source copied with one request.
	// Default: 5 GiB
	CopySingleShotThreshold int64

	// SameRegionDirectCopy sends same-region copies as one request regardless of size, the way
	// COS copies within a region. When false, sources above CopySingleShotThreshold are copied
	// in parts wherever they live.
	// Default: false
	SameRegionDirectCopy bool

	// EnableMD5 sends Content-MD5 with every single-shot body and part.
	EnableMD5 bool

	// DetectContentType sniffs the content type of uploads that have none set.
	DetectContentType bool

	// AbortTimeout bounds the cleanup abort issued after a failed multipart transfer.
	// Default: 30 seconds
	AbortTimeout time.Duration
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		SingleShotThreshold:     DefaultSingleShotThreshold,
		PartSize:                DefaultPartSize,
		MinPartSize:             DefaultMinPartSize,
		MaxPartCount:            maxPartCount,
		StreamPartSize:          DefaultStreamPartSize,
		Concurrency:             DefaultConcurrency(),
		CopySingleShotThreshold: DefaultCopySingleShotThreshold,
		DetectContentType:       true,
		AbortTimeout:            DefaultAbortTimeout,
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SingleShotThreshold == 0 {
		o.SingleShotThreshold = d.SingleShotThreshold
	}
	if o.PartSize == 0 {
		o.PartSize = d.PartSize
	}
	if o.MinPartSize == 0 {
		o.MinPartSize = d.MinPartSize
	}
	if o.MaxPartCount == 0 {
		o.MaxPartCount = d.MaxPartCount
	}
	if o.StreamPartSize == 0 {
		o.StreamPartSize = d.StreamPartSize
	}
	if o.Concurrency == 0 {
		o.Concurrency = d.Concurrency
	}
	if o.CopySingleShotThreshold == 0 {
		o.CopySingleShotThreshold = d.CopySingleShotThreshold
	}
	if o.AbortTimeout == 0 {
		o.AbortTimeout = d.AbortTimeout
	}
	return o
}
