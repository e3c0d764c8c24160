// Package upload stores message attachments and serves them back by URL.
//
// Files are content-addressed under their owner:
//
//	<root>/<owner>/<unix ms>-<blake3 prefix>.<ext>
//
// The bytes are whatever the client sent; murmur does not encrypt attachments.
package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	v1 "murmur/shared/contracts/feed/v1"

	"github.com/zeebo/blake3"
)

const (
	// DefaultMaxBytes bounds one attachment.
	DefaultMaxBytes = 25 << 20

	hashPrefixLen = 16
	maxExtLen     = 10
	maxNameLen    = 255
	sniffLen      = 512
)

var (
	ErrTooLarge     = errors.New("upload: file too large")
	ErrInvalidInput = errors.New("upload: invalid input")
)

// Uploader stores one attachment and returns its public metadata.
type Uploader interface {
	Upload(ctx context.Context, owner, name, mimeType string, r io.Reader) (v1.Attachment, error)
}

// DirStore keeps attachments on the local filesystem.
type DirStore struct {
	root     string
	baseURL  string
	maxBytes int64
	now      func() time.Time
}

// DirOption configures a DirStore.
type DirOption func(*DirStore)

// WithMaxBytes overrides DefaultMaxBytes.
func WithMaxBytes(n int64) DirOption {
	return func(s *DirStore) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithClock overrides the time used in file names.
func WithClock(now func() time.Time) DirOption {
	return func(s *DirStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewDirStore creates root if needed. baseURL is the public prefix files are served under,
// e.g. "http://localhost:8080/files".
func NewDirStore(root, baseURL string, opts ...DirOption) (*DirStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("%w: empty root", ErrInvalidInput)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("upload: create root: %w", err)
	}
	s := &DirStore{
		root:     root,
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		maxBytes: DefaultMaxBytes,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Root returns the directory files are written under.
func (s *DirStore) Root() string { return s.root }

// MaxBytes returns the per-file size limit.
func (s *DirStore) MaxBytes() int64 { return s.maxBytes }

// Upload streams r to disk while hashing it. A file over the limit leaves nothing behind.
func (s *DirStore) Upload(ctx context.Context, owner, name, mimeType string, r io.Reader) (v1.Attachment, error) {
	if !v1.ValidUserID(owner) || strings.ContainsAny(owner, `/\.`) {
		return v1.Attachment{}, fmt.Errorf("%w: owner", ErrInvalidInput)
	}
	name = cleanName(name)
	if name == "" {
		return v1.Attachment{}, fmt.Errorf("%w: name", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return v1.Attachment{}, err
	}

	dir := filepath.Join(s.root, owner)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return v1.Attachment{}, fmt.Errorf("upload: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return v1.Attachment{}, fmt.Errorf("upload: temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	h := blake3.New()
	sniff := &headBuffer{limit: sniffLen}
	n, err := io.Copy(io.MultiWriter(tmp, h, sniff), io.LimitReader(&ctxReader{ctx: ctx, r: r}, s.maxBytes+1))
	if err != nil {
		return v1.Attachment{}, fmt.Errorf("upload: write: %w", err)
	}
	if n > s.maxBytes {
		return v1.Attachment{}, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}
	if err := tmp.Sync(); err != nil {
		return v1.Attachment{}, fmt.Errorf("upload: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return v1.Attachment{}, fmt.Errorf("upload: close: %w", err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(sniff.buf)
	}
	ext := extension(name, mimeType)

	file := fmt.Sprintf("%d-%s%s", s.now().UnixMilli(), sum[:hashPrefixLen], ext)
	if err := os.Rename(tmp.Name(), filepath.Join(dir, file)); err != nil {
		return v1.Attachment{}, fmt.Errorf("upload: commit: %w", err)
	}
	committed = true

	return v1.Attachment{
		URL:       s.baseURL + "/" + path.Join(owner, file),
		Name:      name,
		MimeType:  mimeType,
		SizeBytes: n,
		Checksum:  "blake3:" + sum,
	}, nil
}

func cleanName(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, `\`, "/")))
	if name == "." || name == "/" {
		return ""
	}
	if len(name) > maxNameLen {
		name = name[len(name)-maxNameLen:]
	}
	return name
}

// extension picks a safe lowercase extension from the name, else from the mime type.
func extension(name, mimeType string) string {
	if ext := strings.ToLower(filepath.Ext(name)); safeExt(ext) {
		return ext
	}
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 && safeExt(exts[0]) {
			return exts[0]
		}
	}
	return ".bin"
}

func safeExt(ext string) bool {
	if len(ext) < 2 || len(ext) > maxExtLen || ext[0] != '.' {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// headBuffer keeps the first limit bytes written to it.
type headBuffer struct {
	buf   []byte
	limit int
}

func (b *headBuffer) Write(p []byte) (int, error) {
	if room := b.limit - len(b.buf); room > 0 {
		b.buf = append(b.buf, p[:min(room, len(p))]...)
	}
	return len(p), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
