package publish

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"og-image-service/internal/config"
)

func TestObjectURL(t *testing.T) {
	key := "og_images/abc.png"
	cases := []struct {
		opts S3Options
		want string
	}{
		{S3Options{Bucket: "b", CDNURL: "https://cdn.example.com/", Endpoint: "https://minio:9000"}, "https://cdn.example.com/og_images/abc.png"},
		{S3Options{Bucket: "b", Endpoint: "https://minio:9000/"}, "https://minio:9000/b/og_images/abc.png"},
		{S3Options{Bucket: "b"}, "https://b.s3.amazonaws.com/og_images/abc.png"},
	}
	for _, c := range cases {
		if got := ObjectURL(c.opts, key); got != c.want {
			t.Fatalf("got %q want %q", got, c.want)
		}
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"og_images/a.png":         "og_images/a.png",
		"/og_images/a.png":        "og_images/a.png",
		"../../etc/passwd":        "etc/passwd",
		"og_images/../../x.png":   "x.png",
		"./og_images//b/../a.png": "og_images/a.png",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}

func TestLocalPublish(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(dir, "http://localhost:8080/files/", zerolog.Nop())
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	url, err := l.Publish(context.Background(), []byte("png-bytes"), "og_images/rec.png")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if url != "http://localhost:8080/files/og_images/rec.png" {
		t.Fatalf("url %q", url)
	}
	data, err := os.ReadFile(filepath.Join(dir, "og_images", "rec.png"))
	if err != nil || string(data) != "png-bytes" {
		t.Fatalf("file %q %v", data, err)
	}

	srv := httptest.NewServer(http.StripPrefix("/files", l.Handler()))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/files/og_images/rec.png")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "png-bytes" {
		t.Fatalf("served %d %q", resp.StatusCode, body)
	}
}

func newTestS3(t *testing.T, handler http.HandlerFunc, publicRead bool) *S3 {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	s, err := NewS3(context.Background(), S3Options{
		Bucket:     "previews",
		Region:     "us-east-1",
		Endpoint:   srv.URL,
		AccessKey:  "test",
		SecretKey:  "secret",
		PathStyle:  true,
		PublicRead: publicRead,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new s3: %v", err)
	}
	return s
}

func TestS3Publish(t *testing.T) {
	var path, acl, contentType string
	s := newTestS3(t, func(w http.ResponseWriter, r *http.Request) {
		path, acl, contentType = r.URL.Path, r.Header.Get("X-Amz-Acl"), r.Header.Get("Content-Type")
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}, true)

	url, err := s.Publish(context.Background(), []byte("png"), "og_images/rec.png")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if path != "/previews/og_images/rec.png" {
		t.Fatalf("request path %q", path)
	}
	if acl != "public-read" || contentType != ContentType {
		t.Fatalf("acl %q content type %q", acl, contentType)
	}
	if want := s.opts.Endpoint + "/previews/og_images/rec.png"; url != want {
		t.Fatalf("url %q want %q", url, want)
	}
}

func TestS3PublishAccessDenied(t *testing.T) {
	s := newTestS3(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
	}, false)

	_, err := s.Publish(context.Background(), []byte("png"), "og_images/rec.png")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Config{Publisher: "local", OutputDir: t.TempDir(), PublicBaseURL: "http://localhost:8080/files"}
	pub, files, err := FromConfig(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	if _, ok := pub.(*Local); !ok || files == nil {
		t.Fatalf("expected local publisher with file handler, got %T", pub)
	}

	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	cfg = config.Config{Publisher: "s3", S3Bucket: "previews", S3Region: "eu-west-1", S3AccessKey: "k", S3SecretKey: "s"}
	pub, files, err = FromConfig(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("s3: %v", err)
	}
	if _, ok := pub.(*S3); !ok || files != nil {
		t.Fatalf("expected s3 publisher without file handler, got %T", pub)
	}
}
