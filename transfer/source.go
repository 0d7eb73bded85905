package transfer

import (
	"bytes"
	"fmt"
	"io"

	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/bitrise-io/go-objectstorage/internal"
)

// Source is the content of an upload.
type Source struct {
	readerAt io.ReaderAt
	reader   io.Reader
	path     string
	size     int64
}

// FromBytes uploads an in-memory byte slice.
func FromBytes(b []byte) Source {
	return Source{readerAt: bytes.NewReader(b), size: int64(len(b))}
}

// FromReaderAt uploads size bytes of a random-access source. Parts are read concurrently.
func FromReaderAt(r io.ReaderAt, size int64) Source {
	return Source{readerAt: r, size: size}
}

// FromFile uploads a local file.
func FromFile(path string) Source {
	return Source{path: path, size: -1}
}

// FromReader uploads everything left in r. A reader that can seek reports its length up front;
// any other reader is treated as a stream of unknown length and buffered one part at a time.
func FromReader(r io.Reader) Source {
	seeker, ok := r.(io.Seeker)
	if !ok {
		return Source{reader: r, size: -1}
	}

	size, err := remaining(seeker)
	if err != nil {
		return Source{reader: r, size: -1}
	}
	if ra, ok := r.(io.ReaderAt); ok {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err == nil {
			return Source{readerAt: io.NewSectionReader(ra, pos, size), size: size}
		}
	}
	return Source{reader: r, size: size}
}

func remaining(s io.Seeker) (int64, error) {
	pos, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := s.Seek(pos, io.SeekStart); err != nil {
		return 0, err
	}
	return end - pos, nil
}

// Size returns the source length, -1 when it is unknown before reading.
func (s Source) Size() int64 {
	return s.size
}

type openSource struct {
	readerAt io.ReaderAt
	reader   io.Reader
	size     int64
	close    func() error
}

func (s Source) open(osProxy internal.OsProxy) (*openSource, error) {
	if s.path == "" {
		if s.readerAt == nil && s.reader == nil {
			return nil, &errors.PlanningError{Reason: "empty source"}
		}
		if s.readerAt != nil && s.size < 0 {
			return nil, &errors.PlanningError{Reason: fmt.Sprintf("invalid source length %d", s.size)}
		}
		return &openSource{readerAt: s.readerAt, reader: s.reader, size: s.size, close: func() error { return nil }}, nil
	}

	info, err := osProxy.Stat(s.path)
	if err != nil {
		return nil, &errors.PlanningError{Reason: "determine source length", Err: err}
	}
	if info.IsDir() {
		return nil, &errors.PlanningError{Reason: fmt.Sprintf("%s is a directory", s.path)}
	}

	file, err := osProxy.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return &openSource{readerAt: file, size: info.Size(), close: file.Close}, nil
}
