package transfer

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/bitrise-io/go-objectstorage/errors"
)

// chunk is the body of one part.
type chunk struct {
	partNumber int
	body       io.ReadSeeker
	size       int64
	release    func()
}

// chunkProvider yields the parts of an upload in part number order and io.EOF after the last.
type chunkProvider interface {
	next() (*chunk, error)
}

// sectionProvider cuts parts from a random-access source. Parts are read directly from the
// source while they are sent, so nothing is buffered.
type sectionProvider struct {
	r    io.ReaderAt
	plan Plan
	part int
}

func newSectionProvider(r io.ReaderAt, plan Plan) *sectionProvider {
	return &sectionProvider{r: r, plan: plan}
}

func (p *sectionProvider) next() (*chunk, error) {
	if p.part >= p.plan.PartCount {
		return nil, io.EOF
	}
	p.part++

	size := p.plan.PartLen(p.part)
	offset := int64(p.part-1) * p.plan.PartSize
	return &chunk{
		partNumber: p.part,
		body:       io.NewSectionReader(p.r, offset, size),
		size:       size,
		release:    func() {},
	}, nil
}

// streamProvider buffers a sequential source one part at a time. Buffers are recycled once a
// part has been sent, so memory is bounded by the number of parts in flight.
type streamProvider struct {
	r        io.Reader
	partSize int64
	maxParts int
	buffers  sync.Pool
	part     int
	pending  *chunk
	done     bool
}

// newStreamProvider cuts r into parts of partSize bytes. Data beyond maxParts parts is an error.
func newStreamProvider(r io.Reader, partSize int64, maxParts int) *streamProvider {
	p := &streamProvider{r: r, partSize: partSize, maxParts: maxParts}
	p.buffers.New = func() interface{} {
		buf := make([]byte, partSize)
		return &buf
	}
	return p
}

// peek reads the first part without consuming it. The second return value is true when the
// stream ended within that part.
func (p *streamProvider) peek() (*chunk, bool, error) {
	if p.pending == nil {
		c, err := p.read()
		if err == io.EOF {
			return &chunk{partNumber: 1, body: bufferBody(nil), release: func() {}}, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		p.pending = c
	}
	return p.pending, p.done, nil
}

func (p *streamProvider) next() (*chunk, error) {
	if c := p.pending; c != nil {
		p.pending = nil
		return c, nil
	}
	return p.read()
}

func (p *streamProvider) read() (*chunk, error) {
	if p.done {
		return nil, io.EOF
	}

	bufPtr := p.buffers.Get().(*[]byte)
	buf := (*bufPtr)[:p.partSize]

	n, err := io.ReadFull(p.r, buf)
	switch {
	case err == io.EOF:
		p.buffers.Put(bufPtr)
		p.done = true
		return nil, io.EOF
	case err == io.ErrUnexpectedEOF:
		p.done = true
	case err != nil:
		p.buffers.Put(bufPtr)
		return nil, fmt.Errorf("read part %d: %w", p.part+1, err)
	}

	if p.part >= p.maxParts {
		p.buffers.Put(bufPtr)
		p.done = true
		return nil, &errors.PlanningError{Reason: fmt.Sprintf("stream exceeds %d parts of %d bytes", p.maxParts, p.partSize)}
	}

	p.part++
	var once sync.Once
	return &chunk{
		partNumber: p.part,
		body:       bufferBody(buf[:n]),
		size:       int64(n),
		release: func() {
			once.Do(func() { p.buffers.Put(bufPtr) })
		},
	}, nil
}

// bufferBody serves b without exposing a *bytes.Reader, which the HTTP client would copy into a
// buffer of its own.
func bufferBody(b []byte) io.ReadSeeker {
	return io.NewSectionReader(bytes.NewReader(b), 0, int64(len(b)))
}
