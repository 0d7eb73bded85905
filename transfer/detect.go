package transfer

import (
	"io"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how much of the content is inspected for its type.
const sniffLen = 3072

func detectContentType(r io.ReaderAt, size int64) string {
	if size <= 0 {
		return ""
	}

	buf := make([]byte, min(size, sniffLen))
	n, err := r.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return ""
	}
	if mt := mimetype.Detect(buf[:n]); mt != nil {
		return mt.String()
	}
	return ""
}
