package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var ErrInvalidURI = errors.New("invalid repository uri")

type Scheme string

const (
	SchemeFile Scheme = "file"
	SchemeS3   Scheme = "s3"
)

// URI identifies a repository: "file:<absolute path>" or
// "s3://<endpoint host>/<bucket>".
type URI struct {
	Scheme Scheme
	// Path is the archive root for file repositories.
	Path string
	// Host and Bucket locate S3 repositories.
	Host   string
	Bucket string
}

func ParseURI(s string) (URI, error) {
	switch {
	case strings.HasPrefix(s, "s3://"):
		host, bucket, ok := strings.Cut(strings.TrimPrefix(s, "s3://"), "/")
		bucket = strings.TrimSuffix(bucket, "/")
		if !ok || host == "" || bucket == "" || strings.Contains(bucket, "/") {
			return URI{}, fmt.Errorf("%w: %q", ErrInvalidURI, s)
		}
		return URI{Scheme: SchemeS3, Host: host, Bucket: bucket}, nil
	case strings.HasPrefix(s, "file:"):
		path := strings.TrimPrefix(strings.TrimPrefix(s, "file:"), "//")
		if !filepath.IsAbs(path) {
			return URI{}, fmt.Errorf("%w: %q is not absolute", ErrInvalidURI, s)
		}
		return URI{Scheme: SchemeFile, Path: filepath.Clean(path)}, nil
	}
	return URI{}, fmt.Errorf("%w: %q", ErrInvalidURI, s)
}

// FileURI returns the uri of the archive at the absolute path.
func FileURI(path string) URI {
	return URI{Scheme: SchemeFile, Path: filepath.Clean(path)}
}

func (u URI) String() string {
	if u.Scheme == SchemeS3 {
		return fmt.Sprintf("s3://%s/%s", u.Host, u.Bucket)
	}
	return "file:" + u.Path
}

// Endpoint is the S3 endpoint URL.
func (u URI) Endpoint() string {
	return "https://" + u.Host
}
