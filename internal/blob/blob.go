// Package blob defines the external byte store documents live in and ships a
// local filesystem implementation with expiring signed download URLs.
package blob

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrBucketNotFound means the configured bucket does not exist. It is a
	// configuration problem the operator must fix, not a transient failure.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrNotFound means no object is stored at the path.
	ErrNotFound = errors.New("blob not found")
	// ErrExists means an object is already stored at the path. Objects are
	// never overwritten.
	ErrExists = errors.New("blob already exists")
	// ErrInvalidPath rejects paths that escape the bucket.
	ErrInvalidPath = errors.New("invalid blob path")
	// ErrBadSignature rejects tampered or expired download links.
	ErrBadSignature = errors.New("invalid or expired signature")
)

// Store accepts bytes at a path and hands out time-limited retrieval URLs.
type Store interface {
	// Put stores r at path. It fails with ErrExists if path is taken.
	Put(ctx context.Context, path string, r io.Reader, contentType string) error
	// Stat returns nil when an object exists at path, ErrNotFound otherwise.
	Stat(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

var unsafeChars = regexp.MustCompile(`[^\w.\-]+`)

// SafeName turns an uploaded filename into a path segment: accents are
// folded, anything outside [A-Za-z0-9_.-] collapses to '_'.
func SafeName(filename string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), filename)
	if err != nil {
		folded = filename
	}
	name := unsafeChars.ReplaceAllString(strings.TrimSpace(folded), "_")
	name = strings.Trim(name, ".")
	if name == "" {
		return "file"
	}
	return name
}

// cleanPath validates an object path relative to the bucket root.
func cleanPath(p string) (string, error) {
	p = strings.TrimPrefix(strings.TrimSpace(p), "/")
	if p == "" {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrInvalidPath
		}
	}
	return p, nil
}
