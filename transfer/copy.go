package transfer

import (
	"context"
	"errors"
	"io"
)

const bufferSize = 32 * 1024

// Copy streams src into dst, adding every written chunk to status. It checks
// the context and the status cancel flag once per chunk.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, status *Status) (int64, error) {
	buf := make([]byte, bufferSize)
	var written int64
	for {
		if status.Canceled() {
			return written, ErrCanceled
		}
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
				status.AddCurrent(int64(nw))
			}
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
}

// Reader wraps r so that reads are counted into status and fail once the
// status is canceled. Used where a library drives the copy loop itself.
func Reader(r io.Reader, status *Status) io.Reader {
	return &countingReader{r: r, status: status}
}

type countingReader struct {
	r      io.Reader
	status *Status
}

func (c *countingReader) Read(p []byte) (int, error) {
	if c.status.Canceled() {
		return 0, ErrCanceled
	}
	n, err := c.r.Read(p)
	if n > 0 {
		c.status.AddCurrent(int64(n))
	}
	return n, err
}
