package filestore

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// URI parsing errors
var (
	// ErrInvalidURI indicates the URI could not be parsed.
	ErrInvalidURI = errors.New("invalid URI")

	// ErrUnsupportedBackend indicates the URI scheme is not supported.
	ErrUnsupportedBackend = errors.New("unsupported backend")

	// ErrMissingBucket indicates the URI is missing a bucket name.
	ErrMissingBucket = errors.New("missing bucket name")
)

// URI is a parsed storage location.
//
// Example URIs:
//   - /home/me/.transformerlab
//   - file:///home/me/.transformerlab
//   - s3://bucket/prefix
type URI struct {
	// Backend is the storage backend.
	Backend BackendType

	// Bucket is the bucket name (s3 only).
	Bucket string

	// Prefix is the key prefix inside the bucket (s3 only), without
	// leading or trailing slashes.
	Prefix string

	// Path is the local directory (file only).
	Path string
}

// String returns the URI in canonical form.
func (u *URI) String() string {
	switch u.Backend {
	case BackendS3:
		if u.Prefix != "" {
			return fmt.Sprintf("s3://%s/%s", u.Bucket, u.Prefix)
		}
		return fmt.Sprintf("s3://%s", u.Bucket)
	default:
		return u.Path
	}
}

// Join returns a copy of u with segments appended to its path or prefix.
func (u *URI) Join(parts ...string) *URI {
	out := *u
	switch u.Backend {
	case BackendS3:
		out.Prefix = Join(append([]string{u.Prefix}, parts...)...)
	default:
		out.Path = filepath.Join(append([]string{u.Path}, parts...)...)
	}
	return &out
}

// IsRemote reports whether the URI addresses an object store.
func (u *URI) IsRemote() bool {
	return u.Backend != BackendLocal
}

// ParseURI parses a storage location.
//
// Supported formats:
//   - /abs/or/relative/path
//   - file:///abs/path
//   - s3://bucket
//   - s3://bucket/prefix/
//
// Returns an error if the URI is malformed or uses an unsupported backend.
func ParseURI(uri string) (*URI, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}

	schemeEnd := strings.Index(uri, "://")
	if schemeEnd == -1 {
		return &URI{Backend: BackendLocal, Path: filepath.Clean(uri)}, nil
	}

	scheme := strings.ToLower(uri[:schemeEnd])
	remainder := uri[schemeEnd+3:]

	switch scheme {
	case "file":
		if remainder == "" {
			return nil, fmt.Errorf("%w: missing path in %s", ErrInvalidURI, uri)
		}
		return &URI{Backend: BackendLocal, Path: filepath.Clean(filepath.FromSlash(remainder))}, nil
	case "s3":
	default:
		return nil, fmt.Errorf("%w: %s (supported: file, s3)", ErrUnsupportedBackend, scheme)
	}

	if remainder == "" {
		return nil, fmt.Errorf("%w: in %s", ErrMissingBucket, uri)
	}

	var bucket, key string
	slashIdx := strings.Index(remainder, "/")
	if slashIdx == -1 {
		bucket = remainder
	} else {
		bucket = remainder[:slashIdx]
		key = remainder[slashIdx+1:]
	}
	if bucket == "" {
		return nil, fmt.Errorf("%w: in %s", ErrMissingBucket, uri)
	}
	if _, err := url.Parse("s3://" + bucket + "/"); err != nil {
		return nil, fmt.Errorf("%w: invalid bucket name %q", ErrInvalidURI, bucket)
	}

	prefix, err := CleanKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}
	return &URI{Backend: BackendS3, Bucket: bucket, Prefix: prefix}, nil
}
