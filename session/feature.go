package session

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/transfer"
)

// Feature identifies a capability a backend may implement.
type Feature uint8

const (
	FeatureRead Feature = iota + 1
	FeatureWrite
	FeatureUpload
	FeatureDownload
	FeatureDelete
	FeatureMove
	FeatureCopy
	FeatureDirectory
	FeatureTimestamp
	FeatureUnixPermission
	FeatureAclPermission
	FeatureVersioning
	FeatureLogging
	FeatureLocation
	FeatureHeaders
	FeatureTouch
	FeatureDistribution
	FeatureFind
	FeatureAttributes
)

var featureNames = map[Feature]string{
	FeatureRead:           "read",
	FeatureWrite:          "write",
	FeatureUpload:         "upload",
	FeatureDownload:       "download",
	FeatureDelete:         "delete",
	FeatureMove:           "move",
	FeatureCopy:           "copy",
	FeatureDirectory:      "directory",
	FeatureTimestamp:      "timestamp",
	FeatureUnixPermission: "unix-permission",
	FeatureAclPermission:  "acl-permission",
	FeatureVersioning:     "versioning",
	FeatureLogging:        "logging",
	FeatureLocation:       "location",
	FeatureHeaders:        "headers",
	FeatureTouch:          "touch",
	FeatureDistribution:   "distribution",
	FeatureFind:           "find",
	FeatureAttributes:     "attributes",
}

func (f Feature) String() string {
	if name, ok := featureNames[f]; ok {
		return name
	}
	return fmt.Sprintf("feature(%d)", uint8(f))
}

// Read opens a file for reading at status.StartOffset().
type Read interface {
	Read(ctx context.Context, file *remote.Path, status *transfer.Status) (io.ReadCloser, error)
}

// Write opens a file for writing. When Resumable reports true and the status
// is resuming, the writer appends at status.StartOffset(); otherwise the file
// is truncated.
type Write interface {
	Write(ctx context.Context, file *remote.Path, status *transfer.Status) (io.WriteCloser, error)
	Resumable() bool
}

// Upload moves a whole stream to file, e.g. as a multipart upload. Backends
// offer it when it beats a plain Write.
type Upload interface {
	Upload(ctx context.Context, file *remote.Path, src io.Reader, status *transfer.Status) error
}

// Download fetches file into dst, possibly in concurrent segments.
type Download interface {
	Download(ctx context.Context, file *remote.Path, dst io.WriterAt, status *transfer.Status) error
}

type Delete interface {
	Delete(ctx context.Context, files []*remote.Path) error
}

type Move interface {
	Move(ctx context.Context, src, dst *remote.Path) error
}

// Copy duplicates a file without moving data through the client.
type Copy interface {
	Copy(ctx context.Context, src, dst *remote.Path) error
}

type Directory interface {
	Mkdir(ctx context.Context, dir *remote.Path) error
}

type Timestamp interface {
	SetTimestamp(ctx context.Context, file *remote.Path, created, modified, accessed time.Time) error
}

type UnixPermission interface {
	SetUnixPermission(ctx context.Context, file *remote.Path, permission remote.Permission) error
}

// Grant gives a grantee one permission, e.g. READ or FULL_CONTROL.
type Grant struct {
	Grantee    string
	Permission string
}

type ACL []Grant

type AclPermission interface {
	ACL(ctx context.Context, file *remote.Path) (ACL, error)
	SetACL(ctx context.Context, file *remote.Path, acl ACL) error
}

type VersioningConfiguration struct {
	Enabled   bool
	MFADelete bool
}

type Versioning interface {
	Versioning(ctx context.Context, container *remote.Path) (VersioningConfiguration, error)
	SetVersioning(ctx context.Context, container *remote.Path, enabled bool) error
}

type LoggingConfiguration struct {
	Enabled      bool
	TargetBucket string
	TargetPrefix string
}

type Logging interface {
	Logging(ctx context.Context, container *remote.Path) (LoggingConfiguration, error)
}

// Location reports the region a container lives in.
type Location interface {
	Location(ctx context.Context, container *remote.Path) (string, error)
}

// Headers reads and replaces user metadata.
type Headers interface {
	Metadata(ctx context.Context, file *remote.Path) (map[string]string, error)
	SetMetadata(ctx context.Context, file *remote.Path, metadata map[string]string) error
}

// Touch creates an empty file.
type Touch interface {
	Touch(ctx context.Context, file *remote.Path) error
}

type DistributionConfiguration struct {
	Method        string
	Origin        string
	URL           string
	IndexDocument string
	Enabled       bool
}

type Distribution interface {
	Distribution(ctx context.Context, container *remote.Path) (DistributionConfiguration, error)
}

// Find reports whether a path exists.
type Find interface {
	Find(ctx context.Context, file *remote.Path) (bool, error)
}

// AttributesFinder fetches the current attributes of a single path. It
// returns an error wrapping ErrNotFound when the path is missing.
type AttributesFinder interface {
	Attributes(ctx context.Context, file *remote.Path) (*remote.Attributes, error)
}
