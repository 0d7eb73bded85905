package transfer

import (
	"fmt"

	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/bitrise-io/go-objectstorage/storage"
)

const maxPartCount = storage.MaxPartCount

// Mode is the transfer strategy of a Plan.
type Mode int

const (
	// SingleShot sends the whole object with one request.
	SingleShot Mode = iota
	// Multipart sends the object as numbered parts assembled by a completion request.
	Multipart
)

func (m Mode) String() string {
	switch m {
	case SingleShot:
		return "single-shot"
	case Multipart:
		return "multipart"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Plan describes how an object is transferred.
//
// For multipart plans every part but the last is exactly PartSize and the last one is never
// empty. A streaming plan, made for a source of unknown length, has PartCount and TotalSize of -1.
type Plan struct {
	Mode      Mode
	PartSize  int64
	PartCount int
	TotalSize int64
}

// Streaming reports whether the part count is only known once the source is exhausted.
func (p Plan) Streaming() bool {
	return p.PartCount < 0
}

// PartLen returns the length of a 1-based part.
func (p Plan) PartLen(partNumber int) int64 {
	if p.Streaming() || partNumber < 1 || partNumber > p.PartCount {
		return 0
	}
	if partNumber < p.PartCount {
		return p.PartSize
	}
	return p.TotalSize - int64(p.PartCount-1)*p.PartSize
}

// Sizes returns the length of every part.
func (p Plan) Sizes() []int64 {
	if p.Streaming() {
		return nil
	}
	sizes := make([]int64, 0, p.PartCount)
	for n := 1; n <= p.PartCount; n++ {
		sizes = append(sizes, p.PartLen(n))
	}
	return sizes
}

// Ranges returns the inclusive byte range of every part. An empty object has no ranges.
func (p Plan) Ranges() []storage.ByteRange {
	if p.Streaming() || p.TotalSize == 0 {
		return nil
	}
	ranges := make([]storage.ByteRange, 0, p.PartCount)
	var offset int64
	for n := 1; n <= p.PartCount; n++ {
		l := p.PartLen(n)
		ranges = append(ranges, storage.ByteRange{Start: offset, End: offset + l - 1})
		offset += l
	}
	return ranges
}

// Planner chooses between single-shot and multipart transfers.
type Planner struct {
	opts Options
}

// NewPlanner creates a Planner, zero-valued options take their defaults.
func NewPlanner(opts Options) *Planner {
	return &Planner{opts: opts.withDefaults()}
}

// Options returns the effective options.
func (p *Planner) Options() Options {
	return p.opts
}

func (p *Planner) validate() error {
	o := p.opts
	switch {
	case o.SingleShotThreshold < 0:
		return &errors.PlanningError{Reason: fmt.Sprintf("negative single-shot threshold %d", o.SingleShotThreshold)}
	case o.CopySingleShotThreshold < 0:
		return &errors.PlanningError{Reason: fmt.Sprintf("negative copy single-shot threshold %d", o.CopySingleShotThreshold)}
	case o.MinPartSize <= 0:
		return &errors.PlanningError{Reason: fmt.Sprintf("minimum part size must be positive, got %d", o.MinPartSize)}
	case o.PartSize <= 0:
		return &errors.PlanningError{Reason: fmt.Sprintf("part size must be positive, got %d", o.PartSize)}
	case o.StreamPartSize <= 0:
		return &errors.PlanningError{Reason: fmt.Sprintf("stream part size must be positive, got %d", o.StreamPartSize)}
	case o.MinPartSize > MaxPartSize:
		return &errors.PlanningError{Reason: fmt.Sprintf("minimum part size %d exceeds %d", o.MinPartSize, MaxPartSize)}
	case o.MaxPartCount < 1 || o.MaxPartCount > maxPartCount:
		return &errors.PlanningError{Reason: fmt.Sprintf("part count limit %d outside 1..%d", o.MaxPartCount, maxPartCount)}
	}
	return nil
}

// Plan returns the plan for uploading size bytes. A negative size means the length is unknown
// and yields a streaming multipart plan.
func (p *Planner) Plan(size int64) (Plan, error) {
	if err := p.validate(); err != nil {
		return Plan{}, err
	}

	if size < 0 {
		return Plan{
			Mode:      Multipart,
			PartSize:  max(p.opts.StreamPartSize, p.opts.MinPartSize),
			PartCount: -1,
			TotalSize: -1,
		}, nil
	}
	if size <= p.opts.SingleShotThreshold {
		return singleShot(size), nil
	}
	return p.multipart(size)
}

// PlanCopy returns the plan for copying a source object of size bytes. The size must be known.
func (p *Planner) PlanCopy(size int64, sameRegion bool) (Plan, error) {
	if err := p.validate(); err != nil {
		return Plan{}, err
	}

	if size < 0 {
		return Plan{}, &errors.PlanningError{Reason: "source object length is unknown"}
	}
	if size <= p.opts.CopySingleShotThreshold || (sameRegion && p.opts.SameRegionDirectCopy) {
		return singleShot(size), nil
	}
	return p.multipart(size)
}

func singleShot(size int64) Plan {
	return Plan{Mode: SingleShot, PartSize: size, PartCount: 1, TotalSize: size}
}

func (p *Planner) multipart(size int64) (Plan, error) {
	count := int64(p.opts.MaxPartCount)
	partSize := max(p.opts.PartSize, p.opts.MinPartSize, (size+count-1)/count)
	if partSize > MaxPartSize {
		return Plan{}, &errors.PlanningError{Reason: fmt.Sprintf("%d bytes do not fit in %d parts of at most %d bytes", size, count, MaxPartSize)}
	}

	return Plan{
		Mode:      Multipart,
		PartSize:  partSize,
		PartCount: int((size + partSize - 1) / partSize),
		TotalSize: size,
	}, nil
}
