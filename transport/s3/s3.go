// Package s3 implements the backend for Amazon S3 and S3 compatible object
// stores. Buckets are the top level directories; directories below are
// emulated with key prefixes.
package s3

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/b1naryth1ef/ferry/internal/logging"
	"github.com/b1naryth1ef/ferry/internal/metrics"
	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
)

// DefaultHostname is the canonical AWS endpoint. Bucket level features are
// only offered there.
const DefaultHostname = "s3.amazonaws.com"

type Options struct {
	// Endpoint overrides the URL derived from the host, e.g. for MinIO.
	Endpoint  string
	Region    string
	PathStyle bool

	// Uploads larger than MultipartThreshold are split into PartSize parts.
	MultipartThreshold int64
	PartSize           int64
	PartConcurrency    int
}

func (o Options) withDefaults() Options {
	if o.Region == "" {
		o.Region = "us-east-1"
	}
	if o.MultipartThreshold <= 0 {
		o.MultipartThreshold = 100 << 20
	}
	if o.PartSize < 5<<20 {
		o.PartSize = 5 << 20
	}
	if o.PartConcurrency <= 0 {
		o.PartConcurrency = 4
	}
	return o
}

type Session struct {
	session.Base
	opts   Options
	client *s3.Client
}

func New(host *session.Host, opts Options) *Session {
	s := &Session{Base: session.NewBase(host), opts: opts.withDefaults()}
	s.register()
	return s
}

func (s *Session) isAWS() bool {
	return s.Host().Hostname == DefaultHostname
}

func (s *Session) register() {
	r := s.Registry()
	r.Register(session.FeatureRead, s)
	r.Register(session.FeatureWrite, s)
	r.Register(session.FeatureUpload, s)
	r.Register(session.FeatureDirectory, s)
	r.Register(session.FeatureMove, s)
	r.Register(session.FeatureCopy, s)
	r.Register(session.FeatureTouch, s)
	r.Register(session.FeatureFind, s)
	r.Register(session.FeatureAttributes, s)
	r.RegisterFunc(session.FeatureAclPermission, func() any { return &acl{s} })
	r.RegisterFunc(session.FeatureHeaders, func() any { return &headers{s} })
	r.RegisterFunc(session.FeatureDelete, func() any {
		if s.isAWS() {
			return &multipleDelete{s}
		}
		return &defaultDelete{s}
	})
	r.RegisterIf(session.FeatureLocation, s.isAWS, func() any { return &location{s} })
	r.RegisterIf(session.FeatureVersioning, s.isAWS, func() any { return &versioning{s} })
	r.RegisterIf(session.FeatureLogging, s.isAWS, func() any { return &bucketLogging{s} })
	r.RegisterIf(session.FeatureDistribution, func() bool {
		return strings.HasSuffix(s.Host().Hostname, DefaultHostname)
	}, func() any { return &distribution{s} })
}

func (s *Session) endpoint() string {
	if s.opts.Endpoint != "" {
		return s.opts.Endpoint
	}
	if s.isAWS() || s.Host().Hostname == "" {
		return ""
	}
	return s.Host().Option("scheme", "https") + "://" + s.Host().Address()
}

func (s *Session) Connect(ctx context.Context) error {
	// credentials are bound in Login
	return s.configure(ctx, aws.AnonymousCredentials{})
}

func (s *Session) configure(ctx context.Context, provider aws.CredentialsProvider) error {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(s.opts.Region),
		config.WithCredentialsProvider(provider),
	)
	if err != nil {
		return session.Transport("connect", s.Host().String(), fmt.Errorf("load aws config: %w", err))
	}

	endpoint := s.endpoint()
	s.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = s.opts.PathStyle
	})
	return nil
}

// Login binds the credentials and lists all buckets into the cache. A
// rejected listing is a login failure.
func (s *Session) Login(ctx context.Context, prompt session.LoginCallback) error {
	creds, err := session.ResolveCredentials(ctx, s.Host(), prompt, "Access key and secret required")
	if err != nil {
		return err
	}
	if !creds.IsAnonymous() {
		provider := credentials.NewStaticCredentialsProvider(creds.Username, creds.Password, "")
		if err := s.configure(ctx, provider); err != nil {
			return err
		}
	}

	root := remote.Root()
	list, err := s.List(ctx, root, session.DisabledListProgressListener)
	if err != nil {
		return &session.LoginFailureError{Host: s.Host().String(), Err: err}
	}
	s.Cache().Put(root, list)
	logging.Debug("s3 login", zap.String("host", s.Host().String()), zap.Int("buckets", len(list)))
	return nil
}

func (s *Session) Clone() session.Session {
	return New(s.Host().Clone(), s.opts)
}

func (s *Session) Close() error {
	s.client = nil
	return nil
}

// container splits p into its bucket and object key. Directory keys carry a
// trailing delimiter.
func container(p *remote.Path) (bucket, key string) {
	rel := strings.TrimPrefix(p.Absolute(), "/")
	bucket, key, _ = strings.Cut(rel, "/")
	if key != "" && p.IsDirectory() {
		key += "/"
	}
	return bucket, key
}

func (s *Session) List(ctx context.Context, dir *remote.Path, listener session.ListProgressListener) ([]*remote.Path, error) {
	if listener == nil {
		listener = session.DisabledListProgressListener
	}
	if s.client == nil {
		return nil, session.Transport("list", dir.Absolute(), errors.New("not connected"))
	}
	if dir.IsRoot() {
		return s.listBuckets(ctx, dir, listener)
	}
	return s.listObjects(ctx, dir, listener)
}

func (s *Session) listBuckets(ctx context.Context, root *remote.Path, listener session.ListProgressListener) (list []*remote.Path, err error) {
	defer metrics.Track("s3", "list_buckets")(&err)
	out, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, wrap("list", root, err)
	}
	for _, b := range out.Buckets {
		p, err := remote.NewChild(root, aws.ToString(b.Name), remote.TypeVolume|remote.TypeDirectory)
		if err != nil {
			return nil, err
		}
		attrs := &remote.Attributes{Created: aws.ToTime(b.CreationDate), Region: aws.ToString(b.BucketRegion)}
		list = append(list, p.WithAttributes(attrs))
	}
	if err := listener.Chunk(root, list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Session) listObjects(ctx context.Context, dir *remote.Path, listener session.ListProgressListener) (list []*remote.Path, err error) {
	defer metrics.Track("s3", "list_objects")(&err)
	bucket, prefix := container(dir)

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	found := false
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrap("list", dir, err)
		}
		var batch []*remote.Path
		for _, cp := range page.CommonPrefixes {
			found = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			p, err := remote.NewChild(dir, name, remote.TypeDirectory|remote.TypePlaceholder)
			if err != nil {
				logging.Warn("skipping object with invalid name", zap.String("prefix", aws.ToString(cp.Prefix)), zap.Error(err))
				continue
			}
			batch = append(batch, p)
		}
		for _, obj := range page.Contents {
			found = true
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				// directory placeholder
				continue
			}
			p, err := remote.NewChild(dir, name, remote.TypeFile)
			if err != nil {
				logging.Warn("skipping object with invalid name", zap.String("key", aws.ToString(obj.Key)), zap.Error(err))
				continue
			}
			batch = append(batch, p.WithAttributes(&remote.Attributes{
				Size:     aws.ToInt64(obj.Size),
				Modified: aws.ToTime(obj.LastModified),
				ETag:     strings.Trim(aws.ToString(obj.ETag), `"`),
				Region:   dir.Attributes().Region,
			}))
		}
		if len(batch) > 0 {
			if err := listener.Chunk(dir, batch); err != nil {
				return nil, err
			}
		}
		list = append(list, batch...)
	}
	if !found && prefix != "" {
		return nil, session.NotFound(dir.Absolute())
	}
	return list, nil
}

// wrap maps SDK errors onto session errors.
func wrap(op string, p *remote.Path, err error) error {
	if err == nil {
		return nil
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		switch re.HTTPStatusCode() {
		case http.StatusNotFound:
			return session.NotFound(p.Absolute())
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("%s %s: %w", op, p.Absolute(), err)
		}
	}
	return session.Transport(op, p.Absolute(), err)
}

func modified(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
