package ferry

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
	"github.com/b1naryth1ef/ferry/transport/httpdir"
	"github.com/b1naryth1ef/ferry/transport/local"
)

func TestServerMetrics(t *testing.T) {
	srv := httptest.NewServer(NewServer(ServerOpts{Path: t.TempDir(), Metrics: true}).Handler())
	defer srv.Close()

	for _, path := range []string{"/metrics", "/ls?path=/"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}
}

// TestDownloadFromServer moves a served tree into a local directory through
// segmented downloads.
func TestDownloadFromServer(t *testing.T) {
	served := t.TempDir()
	os.MkdirAll(filepath.Join(served, "tree", "nested"), 0o755)
	big := bytes.Repeat([]byte("0123456789"), 10_000)
	os.WriteFile(filepath.Join(served, "tree", "big.bin"), big, 0o644)
	os.WriteFile(filepath.Join(served, "tree", "nested", "small.txt"), []byte("hello"), 0o644)

	srv := httptest.NewServer(NewServer(ServerOpts{Path: served}).Handler())
	defer srv.Close()
	u, _ := url.Parse(srv.URL)
	hostname, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	src := httpdir.New(&session.Host{Protocol: session.ProtocolHTTP, Hostname: hostname, Port: port},
		httpdir.ConcurrentTransferOpts{Threshold: 1024, Concurrency: 4})
	out := t.TempDir()
	dst, err := local.New(&session.Host{Protocol: session.ProtocolLocal, Options: map[string]string{"root": out}})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}

	q := NewQueue(Options{
		Kind:            transfer.KindDownload,
		Source:          src,
		SourceRoot:      remote.MustPath("/tree", remote.TypeDirectory),
		Destination:     dst,
		DestinationRoot: remote.MustPath("/copy", remote.TypeDirectory),
	})
	if err := runQueue(t, q, false); err != nil {
		t.Fatalf("run: %v", err)
	}
	if q.Completed() != 4 || q.Size() != int64(len(big)+5) {
		t.Errorf("completed = %d, size = %d", q.Completed(), q.Size())
	}
	if got, _ := os.ReadFile(filepath.Join(out, "copy", "big.bin")); !bytes.Equal(got, big) {
		t.Errorf("big.bin = %d bytes", len(got))
	}
	if got, _ := os.ReadFile(filepath.Join(out, "copy", "nested", "small.txt")); string(got) != "hello" {
		t.Errorf("small.txt = %q", got)
	}
	if err := q.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
