package testutil

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Handler serves stored objects at /<bucket>/<key>, honouring single byte ranges, so presigned
// URLs returned by PresignGetObject can be downloaded.
func (b *Backend) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket, key, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		o, found := b.Object(bucket, key)
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		size := int64(len(o.Data))

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
			w.Header().Set("ETag", o.ETag)
			_, _ = w.Write(o.Data)
			return
		}

		from, to, err := parseRange(rangeHeader, size)
		if err != nil {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, to, size))
		w.Header().Set("Content-Length", strconv.FormatInt(to-from+1, 10))
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(o.Data[from : to+1])
	})
}

func parseRange(header string, size int64) (int64, int64, error) {
	spec := strings.TrimPrefix(header, "bytes=")
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range %q", header)
	}
	from, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	to := size - 1
	if last != "" {
		if to, err = strconv.ParseInt(last, 10, 64); err != nil {
			return 0, 0, err
		}
	}
	if to >= size {
		to = size - 1
	}
	if from > to {
		return 0, 0, fmt.Errorf("unsatisfiable range %q", header)
	}
	return from, to, nil
}
