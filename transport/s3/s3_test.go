package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
)

func TestContainer(t *testing.T) {
	cases := []struct {
		path   *remote.Path
		bucket string
		key    string
	}{
		{remote.MustPath("/media", remote.TypeDirectory|remote.TypeVolume), "media", ""},
		{remote.MustPath("/media/a.txt", remote.TypeFile), "media", "a.txt"},
		{remote.MustPath("/media/docs/sub", remote.TypeDirectory), "media", "docs/sub/"},
	}
	for _, c := range cases {
		bucket, key := container(c.path)
		if bucket != c.bucket || key != c.key {
			t.Errorf("container(%s) = (%q, %q), want (%q, %q)", c.path, bucket, key, c.bucket, c.key)
		}
	}
}

func TestFeaturesDependOnHostname(t *testing.T) {
	aws := New(&session.Host{Protocol: session.ProtocolS3, Hostname: DefaultHostname}, Options{})
	minio := New(&session.Host{Protocol: session.ProtocolS3, Hostname: "minio.local", Port: 9000}, Options{})

	for _, id := range []session.Feature{session.FeatureLocation, session.FeatureVersioning, session.FeatureLogging, session.FeatureDistribution} {
		if _, ok := aws.Feature(id); !ok {
			t.Errorf("%s missing on %s", id, DefaultHostname)
		}
		if _, ok := minio.Feature(id); ok {
			t.Errorf("%s offered on minio", id)
		}
	}

	if d, _ := aws.Feature(session.FeatureDelete); fmt.Sprintf("%T", d) != "*s3.multipleDelete" {
		t.Errorf("aws delete = %T", d)
	}
	if d, _ := minio.Feature(session.FeatureDelete); fmt.Sprintf("%T", d) != "*s3.defaultDelete" {
		t.Errorf("minio delete = %T", d)
	}
	if _, ok := session.Get[session.Upload](minio, session.FeatureUpload); !ok {
		t.Error("upload missing")
	}
	if w, ok := session.Get[session.Write](minio, session.FeatureWrite); !ok || w.Resumable() {
		t.Errorf("write = (%v, %v), want non-resumable", w, ok)
	}
}

func TestDistributionOnRegionalHost(t *testing.T) {
	s := New(&session.Host{Protocol: session.ProtocolS3, Hostname: "eu-west-1.s3.amazonaws.com"}, Options{})
	if _, ok := s.Feature(session.FeatureDistribution); !ok {
		t.Error("distribution missing on regional AWS host")
	}
	if _, ok := s.Feature(session.FeatureLocation); ok {
		t.Error("location offered on regional host")
	}
}

func TestToGrantee(t *testing.T) {
	if g := toGrantee("http://acs.amazonaws.com/groups/global/AllUsers"); g.URI == nil {
		t.Errorf("group grantee = %+v", g)
	}
	if g := toGrantee("ops@example.com"); g.EmailAddress == nil {
		t.Errorf("email grantee = %+v", g)
	}
	if g := toGrantee("79a59df900b949e5"); g.ID == nil {
		t.Errorf("canonical grantee = %+v", g)
	}
}

const (
	bucketsXML = `<?xml version="1.0" encoding="UTF-8"?>
<ListAllMyBucketsResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
<Owner><ID>owner</ID></Owner>
<Buckets><Bucket><Name>media</Name><CreationDate>2024-01-02T03:04:05.000Z</CreationDate></Bucket></Buckets>
</ListAllMyBucketsResult>`

	objectsXML = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
<Name>media</Name><Prefix>docs/</Prefix><KeyCount>3</KeyCount><MaxKeys>1000</MaxKeys><Delimiter>/</Delimiter><IsTruncated>false</IsTruncated>
<Contents><Key>docs/</Key><LastModified>2024-01-02T03:04:05.000Z</LastModified><ETag>&quot;d41d8cd9&quot;</ETag><Size>0</Size><StorageClass>STANDARD</StorageClass></Contents>
<Contents><Key>docs/a.txt</Key><LastModified>2024-01-02T03:04:05.000Z</LastModified><ETag>&quot;abc123&quot;</ETag><Size>10</Size><StorageClass>STANDARD</StorageClass></Contents>
<CommonPrefixes><Prefix>docs/sub/</Prefix></CommonPrefixes>
</ListBucketResult>`
)

func newFakeS3(t *testing.T) *Session {
	t.Helper()
	content := "0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			w.Header().Set("Content-Type", "application/xml")
			io.WriteString(w, bucketsXML)
		case r.URL.Path == "/media" || r.URL.Path == "/media/":
			w.Header().Set("Content-Type", "application/xml")
			io.WriteString(w, objectsXML)
		case r.URL.Path == "/media/docs/a.txt":
			w.Header().Set("Last-Modified", "Tue, 02 Jan 2024 03:04:05 GMT")
			w.Header().Set("ETag", `"abc123"`)
			w.Header().Set("x-amz-meta-owner", "ops")
			body := content
			status := http.StatusOK
			if rng := r.Header.Get("Range"); rng != "" {
				var start int
				fmt.Sscanf(rng, "bytes=%d-", &start)
				body = content[start:]
				status = http.StatusPartialContent
				w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(content)-1, len(content)))
			}
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
			w.WriteHeader(status)
			if r.Method != http.MethodHead {
				io.WriteString(w, body)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	s := New(&session.Host{
		Protocol:    session.ProtocolS3,
		Hostname:    "127.0.0.1",
		Credentials: session.Credentials{Username: "key", Password: "secret"},
	}, Options{Endpoint: srv.URL, PathStyle: true})
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Login(ctx, nil); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return s
}

func TestLoginCachesBuckets(t *testing.T) {
	s := newFakeS3(t)
	list, ok := s.Cache().Get(remote.Root())
	if !ok || len(list) != 1 || list[0].Name() != "media" || !list[0].IsVolume() {
		t.Fatalf("cached root = %v (%v)", list, ok)
	}
}

func TestListObjects(t *testing.T) {
	s := newFakeS3(t)
	var chunks int
	listener := session.ListFunc(func(*remote.Path, []*remote.Path) error {
		chunks++
		return nil
	})
	list, err := s.List(context.Background(), remote.MustPath("/media/docs", remote.TypeDirectory), listener)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if chunks != 1 || len(list) != 2 {
		t.Fatalf("chunks=%d list=%v", chunks, list)
	}
	for _, p := range list {
		switch p.Name() {
		case "sub":
			if !p.IsDirectory() || !p.IsPlaceholder() {
				t.Errorf("sub = %v", p.Type())
			}
		case "a.txt":
			if p.Attributes().Size != 10 || p.Attributes().ETag != "abc123" {
				t.Errorf("a.txt attrs = %+v", p.Attributes())
			}
		default:
			t.Errorf("unexpected %v", p)
		}
	}
}

func TestReadAndAttributes(t *testing.T) {
	s := newFakeS3(t)
	ctx := context.Background()
	file := remote.MustPath("/media/docs/a.txt", remote.TypeFile)

	status := transfer.NewStatus(10)
	status.SetOffset(4)
	status.SetResume(true)
	r, err := s.Read(ctx, file, status)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	data, _ := io.ReadAll(r)
	r.Close()
	if string(data) != "456789" {
		t.Errorf("read %q", data)
	}

	attrs, err := s.Attributes(ctx, file)
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	if attrs.Size != 10 || attrs.ETag != "abc123" || attrs.Metadata["owner"] != "ops" {
		t.Errorf("attrs = %+v", attrs)
	}

	ok, err := s.Find(ctx, remote.MustPath("/media/docs/missing.txt", remote.TypeFile))
	if err != nil || ok {
		t.Errorf("Find missing = (%v, %v)", ok, err)
	}
	_, err = s.Attributes(ctx, remote.MustPath("/media/docs/missing.txt", remote.TypeFile))
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}

func TestWebsiteURL(t *testing.T) {
	got := websiteURL("site", "eu-west-1")
	if !strings.HasPrefix(got, "http://site.s3-website-eu-west-1") {
		t.Errorf("websiteURL = %s", got)
	}
}
