package httpdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/b1naryth1ef/ferry/internal/metrics"
	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
)

type ConcurrentTransferOpts struct {
	// Threshold is the remaining size above which a download is split.
	Threshold int64
	// Concurrency is the number of ranged requests per split download.
	Concurrency int64
}

// Session reads from a directory served by Server.
type Session struct {
	session.Base
	target string
	opts   ConcurrentTransferOpts
	client *http.Client
}

func New(host *session.Host, opts ConcurrentTransferOpts) *Session {
	scheme := host.Option("scheme", "http")
	s := &Session{
		Base:   session.NewBase(host),
		target: scheme + "://" + host.Address(),
		opts:   opts,
		client: &http.Client{},
	}
	s.register()
	return s
}

func (h *Session) register() {
	r := h.Registry()
	r.Register(session.FeatureRead, h)
	r.Register(session.FeatureDownload, h)
	r.Register(session.FeatureFind, h)
}

func (h *Session) Connect(ctx context.Context) error {
	_, err := h.list(ctx, "/")
	return err
}

func (h *Session) Login(context.Context, session.LoginCallback) error {
	return nil
}

func (h *Session) Clone() session.Session {
	return New(h.Host().Clone(), h.opts)
}

func (h *Session) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func (h *Session) url(endpoint, path string) string {
	return h.target + "/" + endpoint + "?path=" + url.QueryEscape(path)
}

func (h *Session) list(ctx context.Context, path string) (entries []DirEntry, err error) {
	defer metrics.Track("http", "list")(&err)
	u := h.url("ls", path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, session.Transport("list", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, session.NotFound(path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, session.Transport("list", path, fmt.Errorf("bad status code: %v (%v)", resp.StatusCode, u))
	}

	var result ListDirectoryResponse
	err = json.NewDecoder(resp.Body).Decode(&result)
	if err != nil {
		return nil, session.Transport("list", path, fmt.Errorf("failed to decode json response: %w", err))
	}

	return result.Entries, nil
}

func (h *Session) List(ctx context.Context, dir *remote.Path, listener session.ListProgressListener) ([]*remote.Path, error) {
	if listener == nil {
		listener = session.DisabledListProgressListener
	}
	entries, err := h.list(ctx, dir.Absolute())
	if err != nil {
		return nil, err
	}
	list := make([]*remote.Path, 0, len(entries))
	for _, entry := range entries {
		t := remote.TypeFile
		if entry.IsDir {
			t = remote.TypeDirectory
		}
		p, err := remote.NewChild(dir, entry.Name, t)
		if err != nil {
			return nil, err
		}
		attrs := &remote.Attributes{
			Modified:   entry.ModTime,
			Permission: remote.Permission(entry.Mode.Perm()),
		}
		if !entry.IsDir {
			attrs.Size = entry.Size
		}
		list = append(list, p.WithAttributes(attrs))
	}
	if err := listener.Chunk(dir, list); err != nil {
		return nil, err
	}
	return list, nil
}

func (h *Session) Find(ctx context.Context, file *remote.Path) (bool, error) {
	if file.IsRoot() {
		return true, nil
	}
	entries, err := h.list(ctx, file.Parent().Absolute())
	if errors.Is(err, session.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.Name == file.Name() {
			return true, nil
		}
	}
	return false, nil
}

func (h *Session) get(ctx context.Context, path string, start, end int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url("fetch", path), nil)
	if err != nil {
		return nil, err
	}
	if start > 0 || end > 0 {
		rng := fmt.Sprintf("bytes=%d-", start)
		if end > 0 {
			rng += fmt.Sprintf("%d", end-1)
		}
		req.Header.Set("Range", rng)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, session.Transport("fetch", path, err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return resp, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, session.NotFound(path)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, session.Transport("fetch", path, fmt.Errorf("bad response %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
}

// Read streams file from the start offset of status.
func (h *Session) Read(ctx context.Context, file *remote.Path, status *transfer.Status) (io.ReadCloser, error) {
	resp, err := h.get(ctx, file.Absolute(), status.StartOffset(), 0)
	if err != nil {
		return nil, err
	}
	if status.StartOffset() > 0 && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, session.Transport("fetch", file.Absolute(), fmt.Errorf("server ignored range request"))
	}
	return resp.Body, nil
}
