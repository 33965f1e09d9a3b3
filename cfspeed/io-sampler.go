package cfspeed

import (
	"io"
	"time"
)

// countingReader tracks how many bytes were read and when the last read returned.
type countingReader struct {
	reader   io.Reader
	size     int64
	lastRead time.Time
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)

	r.size += int64(n)
	if n > 0 || err == io.EOF {
		r.lastRead = time.Now()
	}

	return n, err
}
