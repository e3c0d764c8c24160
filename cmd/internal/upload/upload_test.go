package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"murmur/cmd/security/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.UnixMilli(1760000000123).UTC() }
}

func TestDirStore_Upload(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := NewDirStore(root, "http://files.test/files/", WithClock(fixedClock()))
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}

	att, err := s.Upload(context.Background(), "alice", "Holiday Photo.PNG", "image/png", strings.NewReader("not really a png"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if !strings.HasPrefix(att.URL, "http://files.test/files/alice/1760000000123-") || !strings.HasSuffix(att.URL, ".png") {
		t.Fatalf("unexpected url: %s", att.URL)
	}
	if att.Name != "Holiday Photo.PNG" || att.MimeType != "image/png" || att.SizeBytes != 16 {
		t.Fatalf("unexpected attachment: %+v", att)
	}
	if !strings.HasPrefix(att.Checksum, "blake3:") || len(att.Checksum) != len("blake3:")+64 {
		t.Fatalf("unexpected checksum: %s", att.Checksum)
	}

	rel := strings.TrimPrefix(att.URL, "http://files.test/files/")
	b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if string(b) != "not really a png" {
		t.Fatalf("stored bytes differ: %q", b)
	}
}

func TestDirStore_SameBytesSameHash(t *testing.T) {
	t.Parallel()

	s, err := NewDirStore(t.TempDir(), "", WithClock(fixedClock()))
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	a, err := s.Upload(context.Background(), "alice", "a.txt", "", strings.NewReader("same"))
	if err != nil {
		t.Fatalf("upload a: %v", err)
	}
	b, err := s.Upload(context.Background(), "bob", "b.txt", "", strings.NewReader("same"))
	if err != nil {
		t.Fatalf("upload b: %v", err)
	}
	if a.Checksum != b.Checksum {
		t.Fatalf("checksums differ: %s vs %s", a.Checksum, b.Checksum)
	}
	if !strings.HasPrefix(a.MimeType, "text/plain") {
		t.Fatalf("expected sniffed text/plain got=%s", a.MimeType)
	}
}

func TestDirStore_Rejects(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := NewDirStore(root, "", WithMaxBytes(8))
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}

	cases := []struct {
		name  string
		owner string
		file  string
		body  string
		want  error
	}{
		{name: "too large", owner: "alice", file: "big.bin", body: "123456789", want: ErrTooLarge},
		{name: "traversal owner", owner: "..", file: "x.txt", body: "x", want: ErrInvalidInput},
		{name: "slash owner", owner: "a/b", file: "x.txt", body: "x", want: ErrInvalidInput},
		{name: "empty name", owner: "alice", file: "  ", body: "x", want: ErrInvalidInput},
	}
	for _, tc := range cases {
		_, err := s.Upload(context.Background(), tc.owner, tc.file, "", strings.NewReader(tc.body))
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v got=%v", tc.name, tc.want, err)
		}
	}

	// A rejected upload leaves nothing behind.
	entries, err := os.ReadDir(filepath.Join(root, "alice"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files, found %d", len(entries))
	}
}

func TestExtension(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, mime, want string
	}{
		{name: "report.PDF", mime: "", want: ".pdf"},
		{name: "noext", mime: "image/png", want: ".png"},
		{name: "weird.t!t", mime: "", want: ".bin"},
		{name: "archive.tar.gz", mime: "", want: ".gz"},
		{name: "noext", mime: "", want: ".bin"},
	}
	for _, tc := range cases {
		if got := extension(tc.name, tc.mime); got != tc.want {
			t.Fatalf("extension(%q, %q)=%q want %q", tc.name, tc.mime, got, tc.want)
		}
	}
}

func newUploadServer(t *testing.T, tokens token.Verifier) (*httptest.Server, *DirStore) {
	t.Helper()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	s, err := NewDirStore(t.TempDir(), srv.URL+"/files", WithMaxBytes(1<<10))
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	NewHandler(testLogger(), s, tokens).Register(mux)
	return srv, s
}

func TestHandler_UploadAndServe(t *testing.T) {
	t.Parallel()

	tcfg := token.DefaultConfig()
	tcfg.SecretKeyHex = token.GenerateSecretKeyHex()
	tokens, err := token.NewManager(tcfg)
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	tok, _, err := tokens.Issue("alice", time.Now().UTC())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	srv, _ := newUploadServer(t, tokens)
	ctx := context.Background()

	up := NewHTTPUploader(srv.URL+"/uploads", tok)
	att, err := up.Upload(ctx, "alice", "notes.txt", "text/plain", strings.NewReader("meeting at noon"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(att.URL, srv.URL+"/files/alice/") {
		t.Fatalf("unexpected url: %s", att.URL)
	}

	resp, err := http.Get(att.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "meeting at noon" {
		t.Fatalf("GET status=%d body=%q", resp.StatusCode, body)
	}

	// Directory listings are not served.
	resp, err = http.Get(srv.URL + "/files/alice/")
	if err != nil {
		t.Fatalf("GET dir: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for directory got=%d", resp.StatusCode)
	}

	_, err = NewHTTPUploader(srv.URL+"/uploads", tok).Upload(ctx, "alice", "big.bin", "", bytes.NewReader(make([]byte, 2<<10)))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge got=%v", err)
	}

	_, err = NewHTTPUploader(srv.URL+"/uploads", "forged").Upload(ctx, "alice", "x.txt", "", strings.NewReader("x"))
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 got=%v", err)
	}
}

func TestHandler_DevIdentityAndMethod(t *testing.T) {
	t.Parallel()

	srv, _ := newUploadServer(t, nil)

	att, err := NewHTTPUploader(srv.URL+"/uploads", "bob").Upload(context.Background(), "bob", "a.txt", "", strings.NewReader("hi"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.Contains(att.URL, "/files/bob/") {
		t.Fatalf("expected bob's directory: %s", att.URL)
	}

	resp, err := http.Get(srv.URL + "/uploads")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got=%d", resp.StatusCode)
	}
}
