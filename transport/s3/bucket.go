package s3

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/b1naryth1ef/ferry/internal/metrics"
	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
)

type acl struct {
	s *Session
}

func grantee(g *types.Grantee) string {
	if g == nil {
		return ""
	}
	switch {
	case g.URI != nil:
		return aws.ToString(g.URI)
	case g.EmailAddress != nil:
		return aws.ToString(g.EmailAddress)
	default:
		return aws.ToString(g.ID)
	}
}

func (a *acl) ACL(ctx context.Context, file *remote.Path) (_ session.ACL, err error) {
	defer metrics.Track("s3", "get_acl")(&err)
	bucket, key := container(file)
	out, err := a.s.client.GetObjectAcl(ctx, &s3.GetObjectAclInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrap("acl", file, err)
	}
	result := make(session.ACL, 0, len(out.Grants))
	for _, g := range out.Grants {
		result = append(result, session.Grant{Grantee: grantee(g.Grantee), Permission: string(g.Permission)})
	}
	return result, nil
}

// toGrantee guesses the grantee type from its form: group URIs, email
// addresses and canonical user ids.
func toGrantee(id string) *types.Grantee {
	switch {
	case strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://"):
		return &types.Grantee{Type: types.TypeGroup, URI: aws.String(id)}
	case strings.Contains(id, "@"):
		return &types.Grantee{Type: types.TypeAmazonCustomerByEmail, EmailAddress: aws.String(id)}
	default:
		return &types.Grantee{Type: types.TypeCanonicalUser, ID: aws.String(id)}
	}
}

func (a *acl) SetACL(ctx context.Context, file *remote.Path, list session.ACL) (err error) {
	defer metrics.Track("s3", "put_acl")(&err)
	bucket, key := container(file)
	current, err := a.s.client.GetObjectAcl(ctx, &s3.GetObjectAclInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return wrap("acl", file, err)
	}
	grants := make([]types.Grant, 0, len(list))
	for _, g := range list {
		grants = append(grants, types.Grant{Grantee: toGrantee(g.Grantee), Permission: types.Permission(g.Permission)})
	}
	_, err = a.s.client.PutObjectAcl(ctx, &s3.PutObjectAclInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		AccessControlPolicy: &types.AccessControlPolicy{
			Grants: grants,
			Owner:  current.Owner,
		},
	})
	if err != nil {
		return wrap("acl", file, err)
	}
	return nil
}

type headers struct {
	s *Session
}

func (h *headers) Metadata(ctx context.Context, file *remote.Path) (map[string]string, error) {
	out, err := h.s.head(ctx, file)
	if err != nil {
		return nil, err
	}
	return maps.Clone(out.Metadata), nil
}

// SetMetadata replaces the user metadata by copying the object onto itself.
func (h *headers) SetMetadata(ctx context.Context, file *remote.Path, metadata map[string]string) (err error) {
	defer metrics.Track("s3", "put_metadata")(&err)
	bucket, key := container(file)
	_, err = h.s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(copySource(bucket, key)),
		Metadata:          metadata,
		MetadataDirective: types.MetadataDirectiveReplace,
	})
	if err != nil {
		return wrap("metadata", file, err)
	}
	return nil
}

func bucketOf(p *remote.Path) string {
	bucket, _ := container(p)
	return bucket
}

type location struct {
	s *Session
}

// Location reports the region of the bucket holding container.
func (l *location) Location(ctx context.Context, container *remote.Path) (_ string, err error) {
	defer metrics.Track("s3", "get_location")(&err)
	out, err := l.s.client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{
		Bucket: aws.String(bucketOf(container)),
	})
	if err != nil {
		return "", wrap("location", container, err)
	}
	if out.LocationConstraint == "" {
		return "us-east-1", nil
	}
	return string(out.LocationConstraint), nil
}

type versioning struct {
	s *Session
}

func (v *versioning) Versioning(ctx context.Context, container *remote.Path) (_ session.VersioningConfiguration, err error) {
	defer metrics.Track("s3", "get_versioning")(&err)
	out, err := v.s.client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{
		Bucket: aws.String(bucketOf(container)),
	})
	if err != nil {
		return session.VersioningConfiguration{}, wrap("versioning", container, err)
	}
	return session.VersioningConfiguration{
		Enabled:   out.Status == types.BucketVersioningStatusEnabled,
		MFADelete: out.MFADelete == types.MFADeleteStatusEnabled,
	}, nil
}

func (v *versioning) SetVersioning(ctx context.Context, container *remote.Path, enabled bool) (err error) {
	defer metrics.Track("s3", "put_versioning")(&err)
	status := types.BucketVersioningStatusSuspended
	if enabled {
		status = types.BucketVersioningStatusEnabled
	}
	_, err = v.s.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket:                  aws.String(bucketOf(container)),
		VersioningConfiguration: &types.VersioningConfiguration{Status: status},
	})
	if err != nil {
		return wrap("versioning", container, err)
	}
	return nil
}

type bucketLogging struct {
	s *Session
}

func (b *bucketLogging) Logging(ctx context.Context, container *remote.Path) (_ session.LoggingConfiguration, err error) {
	defer metrics.Track("s3", "get_logging")(&err)
	out, err := b.s.client.GetBucketLogging(ctx, &s3.GetBucketLoggingInput{
		Bucket: aws.String(bucketOf(container)),
	})
	if err != nil {
		return session.LoggingConfiguration{}, wrap("logging", container, err)
	}
	if out.LoggingEnabled == nil {
		return session.LoggingConfiguration{}, nil
	}
	return session.LoggingConfiguration{
		Enabled:      true,
		TargetBucket: aws.ToString(out.LoggingEnabled.TargetBucket),
		TargetPrefix: aws.ToString(out.LoggingEnabled.TargetPrefix),
	}, nil
}

type distribution struct {
	s *Session
}

// websiteURL is the static website endpoint of bucket in region.
func websiteURL(bucket, region string) string {
	return fmt.Sprintf("http://%s.s3-website-%s.amazonaws.com", bucket, region)
}

// Distribution reports the static website hosting of the bucket. A bucket
// without a website configuration is reported disabled.
func (d *distribution) Distribution(ctx context.Context, container *remote.Path) (_ session.DistributionConfiguration, err error) {
	defer metrics.Track("s3", "get_website")(&err)
	bucket := bucketOf(container)
	cfg := session.DistributionConfiguration{
		Method: "website",
		Origin: bucket + "." + DefaultHostname,
	}
	out, err := d.s.client.GetBucketWebsite(ctx, &s3.GetBucketWebsiteInput{Bucket: aws.String(bucket)})
	if err != nil {
		werr := wrap("distribution", container, err)
		if errors.Is(werr, session.ErrNotFound) {
			return cfg, nil
		}
		return cfg, werr
	}
	region := d.s.opts.Region
	if loc, ok := session.Get[session.Location](d.s, session.FeatureLocation); ok {
		if r, err := loc.Location(ctx, container); err == nil {
			region = r
		}
	}
	cfg.Enabled = true
	cfg.URL = websiteURL(bucket, region)
	if out.IndexDocument != nil {
		cfg.IndexDocument = aws.ToString(out.IndexDocument.Suffix)
	}
	return cfg, nil
}
