package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LocalStore keeps objects under <root>/<bucket> and signs download URLs
// with HMAC-SHA256.
type LocalStore struct {
	root    string
	bucket  string
	key     []byte
	baseURL string
	now     func() time.Time
}

// LocalOption configures a LocalStore.
type LocalOption func(*LocalStore)

// WithClock overrides the time source used for URL expiry.
func WithClock(now func() time.Time) LocalOption {
	return func(s *LocalStore) {
		s.now = now
	}
}

// NewLocalStore creates a LocalStore. baseURL is the externally reachable
// prefix the download route is mounted under, e.g. "https://host/blobs".
func NewLocalStore(root, bucket string, signingKey []byte, baseURL string, opts ...LocalOption) (*LocalStore, error) {
	if root == "" || bucket == "" {
		return nil, errors.New("blob root and bucket are required")
	}
	if len(signingKey) == 0 {
		return nil, errors.New("blob signing key is required")
	}
	s := &LocalStore{
		root:    root,
		bucket:  bucket,
		key:     signingKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Bucket returns the bucket name.
func (s *LocalStore) Bucket() string { return s.bucket }

// EnsureBucket creates the bucket directory.
func (s *LocalStore) EnsureBucket() error {
	return os.MkdirAll(s.bucketDir(), 0o755)
}

func (s *LocalStore) bucketDir() string {
	return filepath.Join(s.root, s.bucket)
}

func (s *LocalStore) resolve(p string) (string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(s.bucketDir())
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %q (create it or point blob.bucket at an existing one)", ErrBucketNotFound, s.bucket)
	}
	return filepath.Join(s.bucketDir(), filepath.FromSlash(clean)), nil
}

// Put writes r to path atomically; readers never see a partial object. An
// existing object is left alone and ErrExists is returned.
func (s *LocalStore) Put(ctx context.Context, p string, r io.Reader, contentType string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Link(tmp.Name(), full); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", p, ErrExists)
		}
		return fmt.Errorf("commit blob: %w", err)
	}
	return nil
}

// Stat reports whether an object exists at path.
func (s *LocalStore) Stat(_ context.Context, p string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return err
}

// Delete removes the object at path. Missing objects are not an error.
func (s *LocalStore) Delete(_ context.Context, p string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Open returns a reader for the object at path.
func (s *LocalStore) Open(p string) (*os.File, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return f, err
}

// SignedURL returns a download URL for path valid for ttl.
func (s *LocalStore) SignedURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	if err := s.Stat(ctx, p); err != nil {
		return "", err
	}
	clean, _ := cleanPath(p)
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(clean, expires))
	return s.baseURL + "/" + url.PathEscape(s.bucket) + "/" + escapePath(clean) + "?" + q.Encode(), nil
}

// Verify checks a download link's signature and expiry.
func (s *LocalStore) Verify(p, expires, sig string) error {
	clean, err := cleanPath(p)
	if err != nil {
		return err
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if s.now().Unix() > exp {
		return ErrBadSignature
	}
	want := s.sign(clean, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

func (s *LocalStore) sign(p string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(s.bucket + "/" + p + "\n" + strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
