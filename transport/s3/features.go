package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/b1naryth1ef/ferry/internal/logging"
	"github.com/b1naryth1ef/ferry/internal/metrics"
	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
)

func (s *Session) Read(ctx context.Context, file *remote.Path, status *transfer.Status) (_ io.ReadCloser, err error) {
	defer metrics.Track("s3", "get")(&err)
	bucket, key := container(file)
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if start := status.StartOffset(); start > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", start))
	}
	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		return nil, wrap("read", file, err)
	}
	return out.Body, nil
}

// Resumable is false: objects are replaced as a whole.
func (s *Session) Resumable() bool {
	return false
}

// Write spools to a temporary file and uploads it on Close.
func (s *Session) Write(ctx context.Context, file *remote.Path, status *transfer.Status) (io.WriteCloser, error) {
	tmp, err := os.CreateTemp("", "ferry-s3-*")
	if err != nil {
		return nil, err
	}
	return &spool{ctx: ctx, s: s, file: file, status: status, tmp: tmp}, nil
}

type spool struct {
	ctx    context.Context
	s      *Session
	file   *remote.Path
	status *transfer.Status
	tmp    *os.File
	once   sync.Once
	err    error
}

func (w *spool) Write(p []byte) (int, error) {
	return w.tmp.Write(p)
}

func (w *spool) Close() error {
	w.once.Do(func() {
		defer os.Remove(w.tmp.Name())
		defer w.tmp.Close()

		size, err := w.tmp.Seek(0, io.SeekCurrent)
		if err != nil {
			w.err = err
			return
		}
		if _, err := w.tmp.Seek(0, io.SeekStart); err != nil {
			w.err = err
			return
		}
		if w.status.Canceled() {
			w.err = transfer.ErrCanceled
			return
		}
		// the bytes were already counted while spooling
		w.err = w.s.put(w.ctx, w.file, w.tmp, size, nil)
	})
	return w.err
}

// Upload stores src under file. Objects above the multipart threshold are
// sent as parallel parts.
func (s *Session) Upload(ctx context.Context, file *remote.Path, src io.Reader, status *transfer.Status) error {
	size := status.Length()
	if size <= s.opts.MultipartThreshold {
		body, err := seekable(src, size)
		if err != nil {
			return err
		}
		return s.put(ctx, file, &cancelable{body, status}, size, status)
	}
	return s.multipart(ctx, file, src, status)
}

func (s *Session) put(ctx context.Context, file *remote.Path, body io.ReadSeeker, size int64, status *transfer.Status) (err error) {
	defer metrics.Track("s3", "put")(&err)
	bucket, key := container(file)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		if status != nil && status.Canceled() {
			return transfer.ErrCanceled
		}
		return wrap("write", file, err)
	}
	if status != nil {
		status.AddCurrent(size)
	}
	s.Cache().Invalidate(file.Parent())
	return nil
}

func (s *Session) multipart(ctx context.Context, file *remote.Path, src io.Reader, status *transfer.Status) (err error) {
	defer metrics.Track("s3", "multipart")(&err)
	bucket, key := container(file)
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return wrap("write", file, err)
	}
	uploadID := created.UploadId

	abort := func() {
		_, aerr := s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
		if aerr != nil {
			logging.Warn("failed to abort multipart upload", logging.Path(file.Absolute()), zap.Error(aerr))
		}
	}

	var (
		mu    sync.Mutex
		parts []types.CompletedPart
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.PartConcurrency)

	for number := int32(1); ; number++ {
		if status.Canceled() {
			g.Wait()
			abort()
			return transfer.ErrCanceled
		}
		if gctx.Err() != nil {
			break
		}
		buf := make([]byte, s.opts.PartSize)
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			part := buf[:n]
			g.Go(func() error {
				out, err := s.client.UploadPart(gctx, &s3.UploadPartInput{
					Bucket:        aws.String(bucket),
					Key:           aws.String(key),
					UploadId:      uploadID,
					PartNumber:    aws.Int32(number),
					Body:          bytes.NewReader(part),
					ContentLength: aws.Int64(int64(len(part))),
				})
				if err != nil {
					return fmt.Errorf("part %d: %w", number, err)
				}
				status.AddCurrent(int64(len(part)))
				mu.Lock()
				parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(number)})
				mu.Unlock()
				return nil
			})
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			g.Wait()
			abort()
			return rerr
		}
	}
	if err := g.Wait(); err != nil {
		abort()
		if status.Canceled() {
			return transfer.ErrCanceled
		}
		return wrap("write", file, err)
	}

	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		abort()
		return wrap("write", file, err)
	}
	s.Cache().Invalidate(file.Parent())
	return nil
}

// seekable returns src as an io.ReadSeeker, spooling it to memory when it
// is not one already.
func seekable(src io.Reader, size int64) (io.ReadSeeker, error) {
	if rs, ok := src.(io.ReadSeeker); ok {
		return rs, nil
	}
	buf := bytes.NewBuffer(make([]byte, 0, max(size, 0)))
	if _, err := io.Copy(buf, src); err != nil {
		return nil, err
	}
	return bytes.NewReader(buf.Bytes()), nil
}

type cancelable struct {
	io.ReadSeeker
	status *transfer.Status
}

func (c *cancelable) Read(p []byte) (int, error) {
	if c.status.Canceled() {
		return 0, transfer.ErrCanceled
	}
	return c.ReadSeeker.Read(p)
}

// Mkdir creates a bucket at the top level and a placeholder object below.
func (s *Session) Mkdir(ctx context.Context, dir *remote.Path) (err error) {
	defer metrics.Track("s3", "mkdir")(&err)
	bucket, key := container(dir.WithType(remote.TypeDirectory))
	if key == "" {
		input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
		if s.opts.Region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(s.opts.Region),
			}
		}
		_, err = s.client.CreateBucket(ctx, input)
	} else {
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(nil),
			ContentLength: aws.Int64(0),
		})
	}
	if err != nil {
		return wrap("mkdir", dir, err)
	}
	s.Cache().Invalidate(dir.Parent())
	return nil
}

func (s *Session) Touch(ctx context.Context, file *remote.Path) (err error) {
	defer metrics.Track("s3", "touch")(&err)
	bucket, key := container(file)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return wrap("touch", file, err)
	}
	s.Cache().Invalidate(file.Parent())
	return nil
}

func copySource(bucket, key string) string {
	return bucket + "/" + url.PathEscape(key)
}

// Copy is a server side copy. Directories are not expanded.
func (s *Session) Copy(ctx context.Context, src, dst *remote.Path) (err error) {
	defer metrics.Track("s3", "copy")(&err)
	srcBucket, srcKey := container(src)
	dstBucket, dstKey := container(dst)
	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(srcBucket, srcKey)),
	})
	if err != nil {
		return wrap("copy", src, err)
	}
	s.Cache().Invalidate(dst.Parent())
	return nil
}

// Move is a copy followed by a delete of the source.
func (s *Session) Move(ctx context.Context, src, dst *remote.Path) error {
	if err := s.Copy(ctx, src, dst); err != nil {
		return err
	}
	del, ok := session.Get[session.Delete](s, session.FeatureDelete)
	if !ok {
		return fmt.Errorf("move %s: %w", src.Absolute(), session.ErrUnsupported)
	}
	return del.Delete(ctx, []*remote.Path{src})
}

func (s *Session) head(ctx context.Context, file *remote.Path) (_ *s3.HeadObjectOutput, err error) {
	defer metrics.Track("s3", "head")(&err)
	bucket, key := container(file)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrap("stat", file, err)
	}
	return out, nil
}

func (s *Session) Attributes(ctx context.Context, file *remote.Path) (*remote.Attributes, error) {
	if file.IsRoot() || file.IsDirectory() || file.Parent().IsRoot() {
		p, err := session.Stat(ctx, noAttributes{s}, file)
		if err != nil {
			return nil, err
		}
		return p.Attributes().Clone(), nil
	}
	out, err := s.head(ctx, file)
	if err != nil {
		return nil, err
	}
	return &remote.Attributes{
		Size:      aws.ToInt64(out.ContentLength),
		Modified:  modified(out.LastModified),
		ETag:      strings.Trim(aws.ToString(out.ETag), `"`),
		VersionID: aws.ToString(out.VersionId),
		Metadata:  out.Metadata,
	}, nil
}

func (s *Session) Find(ctx context.Context, file *remote.Path) (bool, error) {
	_, err := s.Attributes(ctx, file)
	if errors.Is(err, session.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// noAttributes hides the Attributes capability so session.Stat falls back
// to the parent listing.
type noAttributes struct {
	*Session
}

func (n noAttributes) Feature(id session.Feature) (any, bool) {
	if id == session.FeatureAttributes {
		return nil, false
	}
	return n.Session.Feature(id)
}

type defaultDelete struct {
	s *Session
}

func (d *defaultDelete) Delete(ctx context.Context, files []*remote.Path) (err error) {
	defer metrics.Track("s3", "delete")(&err)
	for _, file := range files {
		bucket, key := container(file)
		var derr error
		if key == "" {
			_, derr = d.s.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
		} else {
			_, derr = d.s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			})
		}
		if derr != nil {
			return wrap("delete", file, derr)
		}
		d.s.Cache().Invalidate(file.Parent())
	}
	return nil
}

// maxDeleteKeys is the limit of a single DeleteObjects request.
const maxDeleteKeys = 1000

type multipleDelete struct {
	s *Session
}

func (d *multipleDelete) Delete(ctx context.Context, files []*remote.Path) (err error) {
	defer metrics.Track("s3", "delete_multiple")(&err)
	byBucket := map[string][]types.ObjectIdentifier{}
	var buckets []*remote.Path
	for _, file := range files {
		bucket, key := container(file)
		if key == "" {
			buckets = append(buckets, file)
			continue
		}
		byBucket[bucket] = append(byBucket[bucket], types.ObjectIdentifier{Key: aws.String(key)})
		d.s.Cache().Invalidate(file.Parent())
	}

	for bucket, objects := range byBucket {
		for start := 0; start < len(objects); start += maxDeleteKeys {
			end := min(start+maxDeleteKeys, len(objects))
			out, err := d.s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(bucket),
				Delete: &types.Delete{Objects: objects[start:end], Quiet: aws.Bool(true)},
			})
			if err != nil {
				return session.Transport("delete", "/"+bucket, err)
			}
			if len(out.Errors) > 0 {
				first := out.Errors[0]
				return fmt.Errorf("delete /%s/%s: %s", bucket, aws.ToString(first.Key), aws.ToString(first.Message))
			}
		}
	}
	if len(buckets) > 0 {
		return (&defaultDelete{d.s}).Delete(ctx, buckets)
	}
	return nil
}
