package httpdir

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/b1naryth1ef/ferry/internal/metrics"
	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/transfer"
)

type chunk struct {
	Path       string
	Start, End int64
	Target     io.WriterAt
}

// Download fetches file into dst at its absolute offsets. Files whose
// remaining size exceeds the threshold are split into concurrent ranged
// requests.
func (h *Session) Download(ctx context.Context, file *remote.Path, dst io.WriterAt, status *transfer.Status) (err error) {
	defer metrics.Track("http", "download")(&err)

	start := status.StartOffset()
	size := status.Length()
	remaining := size - start

	if remaining <= h.opts.Threshold || h.opts.Concurrency <= 1 || remaining < h.opts.Concurrency {
		resp, err := h.get(ctx, file.Absolute(), start, 0)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		_, err = transfer.Copy(ctx, io.NewOffsetWriter(dst, start), resp.Body, status)
		return err
	}

	chunkSize := remaining / h.opts.Concurrency

	wg, gctx := errgroup.WithContext(ctx)
	for i := int64(0); i < h.opts.Concurrency; i++ {
		chunk := &chunk{
			Path:   file.Absolute(),
			Start:  start + chunkSize*i,
			End:    start + chunkSize*(i+1),
			Target: dst,
		}

		if i == h.opts.Concurrency-1 {
			chunk.End = size
		}

		wg.Go(func() error {
			return h.fetchChunk(gctx, chunk, status)
		})
	}

	return wg.Wait()
}

func (h *Session) fetchChunk(ctx context.Context, chunk *chunk, status *transfer.Status) error {
	resp, err := h.get(ctx, chunk.Path, chunk.Start, chunk.End)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	read := int64(0)
	offset := chunk.Start
	buf := make([]byte, 32*1024)
	for {
		if status.Canceled() {
			return transfer.ErrCanceled
		}
		nr, err := resp.Body.Read(buf)

		if nr > 0 {
			nw, err := chunk.Target.WriteAt(buf[:nr], offset)
			if err != nil {
				return err
			}
			if nr != nw {
				return fmt.Errorf("error writing chunk. written %d, but expected %d", nw, nr)
			}

			read += int64(nr)
			offset += int64(nw)
			status.AddCurrent(int64(nw))
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				if read == chunk.End-chunk.Start {
					return nil
				}
				return fmt.Errorf("short chunk %d-%d: read %d bytes", chunk.Start, chunk.End, read)
			}
			return err
		}
	}
}
