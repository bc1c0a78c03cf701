// Package session defines the contract every storage backend implements: a
// connection lifecycle, directory listing and a registry of optional
// capabilities the transfer engine negotiates at runtime.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/b1naryth1ef/ferry/remote"
)

// Session owns one backend connection.
type Session interface {
	Host() *Host

	// Connect establishes the underlying transport.
	Connect(ctx context.Context) error

	// Login authenticates, asking prompt for credentials when the host carries
	// none. Failures are reported as *LoginFailureError.
	Login(ctx context.Context, prompt LoginCallback) error

	// List returns the children of dir. Backends that page their listings hand
	// each page to listener as it arrives.
	List(ctx context.Context, dir *remote.Path, listener ListProgressListener) ([]*remote.Path, error)

	// Feature looks up a capability. Absence is reported as (nil, false).
	Feature(id Feature) (any, bool)

	Cache() *Cache

	// Clone returns an unconnected session for the same host.
	Clone() Session

	Close() error
}

// Protocol names a backend kind and doubles as the URL scheme.
type Protocol string

const (
	ProtocolLocal   Protocol = "file"
	ProtocolMemory  Protocol = "mem"
	ProtocolS3      Protocol = "s3"
	ProtocolSFTP    Protocol = "sftp"
	ProtocolFTP     Protocol = "ftp"
	ProtocolWebDAV  Protocol = "dav"
	ProtocolWebDAVS Protocol = "davs"
	ProtocolHTTP    Protocol = "http"
)

// DefaultPort returns the well known port for p, or 0.
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolS3, ProtocolWebDAVS:
		return 443
	case ProtocolSFTP:
		return 22
	case ProtocolFTP:
		return 21
	case ProtocolWebDAV, ProtocolHTTP:
		return 80
	default:
		return 0
	}
}

// Credentials authenticate against a host.
type Credentials struct {
	Username string
	Password string
	KeyFile  string
}

func (c Credentials) IsAnonymous() bool {
	return c.Username == "" || c.Username == "anonymous"
}

// IsEmpty reports whether no secret is available.
func (c Credentials) IsEmpty() bool {
	return c.Password == "" && c.KeyFile == ""
}

// Host describes where a session connects to.
type Host struct {
	Protocol    Protocol
	Hostname    string
	Port        int
	Credentials Credentials
	DefaultPath string
	Region      string

	// Options carries backend specific settings, e.g. the S3 endpoint URL.
	Options map[string]string
}

// Address returns hostname:port.
func (h *Host) Address() string {
	port := h.Port
	if port == 0 {
		port = h.Protocol.DefaultPort()
	}
	return net.JoinHostPort(h.Hostname, strconv.Itoa(port))
}

// Option returns a backend specific setting or fallback.
func (h *Host) Option(key, fallback string) string {
	if v, ok := h.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Clone returns a deep copy.
func (h *Host) Clone() *Host {
	c := *h
	if h.Options != nil {
		c.Options = make(map[string]string, len(h.Options))
		for k, v := range h.Options {
			c.Options[k] = v
		}
	}
	return &c
}

// Equal reports whether both hosts address the same account on the same server.
func (h *Host) Equal(other *Host) bool {
	if h == nil || other == nil {
		return h == other
	}
	return h.Protocol == other.Protocol &&
		h.Hostname == other.Hostname &&
		h.Address() == other.Address() &&
		h.Credentials.Username == other.Credentials.Username
}

func (h *Host) String() string {
	user := ""
	if h.Credentials.Username != "" {
		user = h.Credentials.Username + "@"
	}
	if h.Hostname == "" {
		return fmt.Sprintf("%s://%s", h.Protocol, user)
	}
	return fmt.Sprintf("%s://%s%s", h.Protocol, user, h.Address())
}

// ErrLoginCanceled is returned by a LoginCallback when the user declines to
// supply credentials. It is not a login failure.
var ErrLoginCanceled = errors.New("login canceled")

// LoginCallback supplies credentials on demand.
type LoginCallback interface {
	Prompt(ctx context.Context, host *Host, reason string) (Credentials, error)
}

// LoginFunc adapts a function to LoginCallback.
type LoginFunc func(ctx context.Context, host *Host, reason string) (Credentials, error)

func (f LoginFunc) Prompt(ctx context.Context, host *Host, reason string) (Credentials, error) {
	return f(ctx, host, reason)
}

// DisabledLoginCallback never supplies credentials.
var DisabledLoginCallback LoginCallback = LoginFunc(func(context.Context, *Host, string) (Credentials, error) {
	return Credentials{}, ErrLoginCanceled
})

// ListProgressListener receives listing pages as they arrive. Returning an
// error aborts the listing.
type ListProgressListener interface {
	Chunk(dir *remote.Path, batch []*remote.Path) error
}

// ListFunc adapts a function to ListProgressListener.
type ListFunc func(dir *remote.Path, batch []*remote.Path) error

func (f ListFunc) Chunk(dir *remote.Path, batch []*remote.Path) error {
	return f(dir, batch)
}

// DisabledListProgressListener ignores every page.
var DisabledListProgressListener ListProgressListener = ListFunc(func(*remote.Path, []*remote.Path) error {
	return nil
})

// ResolveCredentials returns the host credentials, prompting when no secret is
// present and the account is not anonymous.
func ResolveCredentials(ctx context.Context, host *Host, prompt LoginCallback, reason string) (Credentials, error) {
	creds := host.Credentials
	if !creds.IsEmpty() || creds.IsAnonymous() {
		return creds, nil
	}
	if prompt == nil {
		prompt = DisabledLoginCallback
	}
	supplied, err := prompt.Prompt(ctx, host, reason)
	if err != nil {
		return Credentials{}, err
	}
	if supplied.Username == "" {
		supplied.Username = creds.Username
	}
	host.Credentials = supplied
	return supplied, nil
}
