// Package transport opens backend sessions from URLs.
package transport

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transport/ftp"
	"github.com/b1naryth1ef/ferry/transport/httpdir"
	"github.com/b1naryth1ef/ferry/transport/local"
	"github.com/b1naryth1ef/ferry/transport/memory"
	"github.com/b1naryth1ef/ferry/transport/s3"
	"github.com/b1naryth1ef/ferry/transport/sftp"
	"github.com/b1naryth1ef/ferry/transport/webdav"
)

// Options carries backend tuning that does not belong to a host.
type Options struct {
	S3       s3.Options
	Segments httpdir.ConcurrentTransferOpts
}

// Open returns an unconnected session for host.
func Open(host *session.Host, opts Options) (session.Session, error) {
	switch host.Protocol {
	case session.ProtocolLocal:
		s, err := local.New(host)
		if err != nil {
			return nil, err
		}
		return s, nil
	case session.ProtocolMemory:
		return memory.New(host), nil
	case session.ProtocolS3:
		s3opts := opts.S3
		if endpoint := host.Option("endpoint", ""); endpoint != "" {
			s3opts.Endpoint = endpoint
		}
		if host.Region != "" {
			s3opts.Region = host.Region
		}
		if host.Option("path_style", "") == "true" {
			s3opts.PathStyle = true
		}
		return s3.New(host, s3opts), nil
	case session.ProtocolSFTP:
		return sftp.New(host), nil
	case session.ProtocolFTP:
		return ftp.New(host), nil
	case session.ProtocolWebDAV, session.ProtocolWebDAVS:
		return webdav.New(host), nil
	case session.ProtocolHTTP:
		return httpdir.New(host, opts.Segments), nil
	default:
		return nil, fmt.Errorf("unsupported protocol %q", host.Protocol)
	}
}

// ParseURL splits raw into a host and the absolute path it points at. Query
// parameters become host options. Plain filesystem paths map to file://.
func ParseURL(raw string) (*session.Host, string, error) {
	if !strings.Contains(raw, "://") {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return nil, "", err
		}
		return &session.Host{Protocol: session.ProtocolLocal}, filepath.ToSlash(abs), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse %q: %w", raw, err)
	}
	protocol := session.Protocol(strings.ToLower(u.Scheme))
	switch protocol {
	case session.ProtocolLocal, session.ProtocolMemory, session.ProtocolS3, session.ProtocolSFTP,
		session.ProtocolFTP, session.ProtocolWebDAV, session.ProtocolWebDAVS, session.ProtocolHTTP:
	default:
		return nil, "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := &session.Host{
		Protocol: protocol,
		Hostname: u.Hostname(),
		Options:  map[string]string{},
	}
	if p := u.Port(); p != "" {
		host.Port, err = strconv.Atoi(p)
		if err != nil {
			return nil, "", fmt.Errorf("parse port %q: %w", p, err)
		}
	}
	if u.User != nil {
		host.Credentials.Username = u.User.Username()
		host.Credentials.Password, _ = u.User.Password()
	}
	for key, values := range u.Query() {
		if len(values) > 0 {
			host.Options[key] = values[len(values)-1]
		}
	}
	host.Region = host.Option("region", "")
	if key := host.Option("key", ""); key != "" {
		host.Credentials.KeyFile = key
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	host.DefaultPath = path
	return host, path, nil
}
