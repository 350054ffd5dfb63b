// Package s3repo keeps an archive in an S3 compatible bucket. Files live
// under the files/ prefix and their SHA-256 is the object checksum S3
// verifies on upload.
package s3repo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/syftkeep/internal/loadable"
	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/stream"
	"golang.org/x/sync/errgroup"
)

const (
	filesPrefix     = "files/"
	metadataKey     = "archive-metadata.json"
	headConcurrency = 16
	checksumCache   = 8192
)

type Repo struct {
	api       API
	bucket    string
	keepAlive time.Duration
	clock     clockwork.Clock

	// checksums by key and etag, saving a HEAD per object on every listing
	checksums *lru.Cache[string, string]

	metaMu  sync.Mutex
	version *stream.Var[uint64]
	index   *stream.Shared[loadable.Loadable[*repo.RepoIndex]]
	meta    *stream.Shared[loadable.Loadable[*repo.Metadata]]
}

var _ repo.Repo = (*Repo)(nil)

type Option func(*Repo)

func WithKeepAlive(d time.Duration) Option {
	return func(r *Repo) {
		r.keepAlive = d
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(r *Repo) {
		r.clock = clock
	}
}

func newRepo(api API, bucket string, opts ...Option) *Repo {
	cache, _ := lru.New[string, string](checksumCache)
	r := &Repo{
		api:       api,
		bucket:    bucket,
		keepAlive: stream.DefaultKeepAlive,
		clock:     clockwork.NewRealClock(),
		checksums: cache,
		version:   stream.NewVar[uint64](0),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.index = stream.NewShared(loadable.Reload[*repo.RepoIndex, uint64](r.version, r.Index), r.keepAlive, stream.WithClock[loadable.Loadable[*repo.RepoIndex]](r.clock))
	r.meta = stream.NewShared(loadable.Reload[*repo.Metadata, uint64](r.version, r.GetMetadata), r.keepAlive, stream.WithClock[loadable.Loadable[*repo.Metadata]](r.clock))
	return r
}

// Open connects to an initialized bucket.
func Open(ctx context.Context, api API, bucket string, opts ...Option) (*Repo, error) {
	r := newRepo(api, bucket, opts...)
	if err := r.probe(ctx); err != nil {
		return nil, err
	}
	_, err := api.GetObject(ctx, &s3.GetObjectInput{Bucket: &r.bucket, Key: aws.String(metadataKey)})
	if err != nil {
		if errors.Is(classify(err), repo.ErrFileNotFound) {
			return nil, fmt.Errorf("bucket %s is not an archive: %w", bucket, repo.ErrNotAvailable)
		}
		return nil, classify(err)
	}
	return r, nil
}

// Create initializes the bucket by writing default metadata.
func Create(ctx context.Context, api API, bucket string, opts ...Option) (*Repo, error) {
	r := newRepo(api, bucket, opts...)
	if err := r.probe(ctx); err != nil {
		return nil, err
	}
	if err := r.UpdateMetadata(ctx, func(m repo.Metadata) repo.Metadata { return m }); err != nil {
		return nil, err
	}
	slog.Info("repository created", "bucket", bucket)
	return r, nil
}

// probe checks the bucket is reachable with the configured credentials. Any
// rejection by the service counts as wrong credentials.
func (r *Repo) probe(ctx context.Context) error {
	_, err := r.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &r.bucket, MaxKeys: aws.Int32(1)})
	if err == nil {
		return nil
	}
	classified := classify(err)
	if errors.Is(classified, repo.ErrNotAvailable) {
		return classified
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", apiErr.ErrorCode(), repo.ErrWrongCredentials)
	}
	return fmt.Errorf("%w: %w", repo.ErrNotAvailable, err)
}

func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "NotFound", "NoSuchKey":
		return fmt.Errorf("%w: %w", repo.ErrFileNotFound, err)
	case "NoSuchBucket":
		return fmt.Errorf("%w: %w", repo.ErrNotAvailable, err)
	case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("%w: %w", repo.ErrWrongCredentials, err)
	case "BadDigest", "InvalidDigest", "XAmzContentSHA256Mismatch":
		return fmt.Errorf("%w: %w", repo.ErrChecksumMismatch, err)
	}
	return err
}

func toKey(path string) string {
	return filesPrefix + path
}

func toPath(key string) string {
	return strings.TrimPrefix(key, filesPrefix)
}

func base64ToHex(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode checksum: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func hexToBase64(s string) (string, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode checksum: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (r *Repo) Refresh() {
	r.version.Update(func(v uint64) uint64 { return v + 1 })
}

func (r *Repo) IndexStream() stream.Observable[loadable.Loadable[*repo.RepoIndex]] {
	return r.index
}

func (r *Repo) MetadataStream() stream.Observable[loadable.Loadable[*repo.Metadata]] {
	return r.meta
}

func (r *Repo) list(ctx context.Context) ([]types.Object, error) {
	var objects []types.Object
	paginator := s3.NewListObjectsV2Paginator(r.api, &s3.ListObjectsV2Input{
		Bucket: &r.bucket,
		Prefix: aws.String(filesPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		objects = append(objects, page.Contents...)
	}
	return objects, nil
}

func (r *Repo) head(ctx context.Context, path string) (*s3.HeadObjectOutput, error) {
	out, err := r.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       &r.bucket,
		Key:          aws.String(toKey(path)),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, classify(err))
	}
	return out, nil
}

func (r *Repo) checksum(ctx context.Context, path, etag string) (string, error) {
	cacheKey := path + "\x00" + etag
	if etag != "" {
		if checksum, ok := r.checksums.Get(cacheKey); ok {
			return checksum, nil
		}
	}

	out, err := r.head(ctx, path)
	if err != nil {
		return "", err
	}
	if out.ChecksumSHA256 == nil {
		return "", fmt.Errorf("%s: object has no sha256 checksum", path)
	}
	checksum, err := base64ToHex(aws.ToString(out.ChecksumSHA256))
	if err != nil {
		return "", err
	}
	if etag != "" {
		r.checksums.Add(cacheKey, checksum)
	}
	return checksum, nil
}

func (r *Repo) Index(ctx context.Context) (*repo.RepoIndex, error) {
	start := r.clock.Now()
	objects, err := r.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	files := make([]repo.File, len(objects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(headConcurrency)
	for i, obj := range objects {
		g.Go(func() error {
			path := toPath(aws.ToString(obj.Key))
			checksum, err := r.checksum(gctx, path, strings.Trim(aws.ToString(obj.ETag), "\""))
			if err != nil {
				return err
			}
			files[i] = repo.File{Path: path, Size: aws.ToInt64(obj.Size), Checksum: checksum}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Debug("s3 index", "bucket", r.bucket, "files", len(files), "took", r.clock.Since(start))
	return repo.NewIndex(files), nil
}

func (r *Repo) StoredFiles(ctx context.Context) ([]string, error) {
	objects, err := r.list(ctx)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(objects))
	for i, obj := range objects {
		paths[i] = toPath(aws.ToString(obj.Key))
	}
	slices.Sort(paths)
	return paths, nil
}

func (r *Repo) VerifyFileExists(ctx context.Context, path string) (bool, error) {
	_, err := r.head(ctx, path)
	if errors.Is(err, repo.ErrFileNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *Repo) FileChecksum(ctx context.Context, path string) (string, error) {
	return r.checksum(ctx, path, "")
}

func (r *Repo) checkNotExists(ctx context.Context, path string) error {
	exists, err := r.VerifyFileExists(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s: %w", path, repo.ErrDestinationExists)
	}
	return nil
}

func (r *Repo) Move(ctx context.Context, from, to string) error {
	if err := r.checkNotExists(ctx, to); err != nil {
		return err
	}
	defer r.Refresh()

	_, err := r.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            &r.bucket,
		CopySource:        aws.String(url.PathEscape(r.bucket + "/" + toKey(from))),
		Key:               aws.String(toKey(to)),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	})
	if err != nil {
		return fmt.Errorf("copy %s: %w", from, classify(err))
	}
	_, err = r.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &r.bucket, Key: aws.String(toKey(from))})
	if err != nil {
		return fmt.Errorf("delete %s: %w", from, classify(err))
	}
	return nil
}

func (r *Repo) Open(ctx context.Context, path string) (repo.FileInfo, io.ReadCloser, error) {
	out, err := r.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket:       &r.bucket,
		Key:          aws.String(toKey(path)),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return repo.FileInfo{}, nil, fmt.Errorf("%s: %w", path, classify(err))
	}
	checksum, err := base64ToHex(aws.ToString(out.ChecksumSHA256))
	if err != nil || checksum == "" {
		out.Body.Close()
		return repo.FileInfo{}, nil, fmt.Errorf("%s: object has no sha256 checksum", path)
	}
	return repo.FileInfo{Length: aws.ToInt64(out.ContentLength), Checksum: checksum}, out.Body, nil
}

type hashingReader struct {
	r          io.Reader
	h          hash.Hash
	read       int64
	onProgress repo.ProgressFunc
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.h.Write(p[:n])
		h.read += int64(n)
		if h.onProgress != nil {
			h.onProgress(h.read)
		}
	}
	return n, err
}

// Save relies on S3 verifying the declared checksum. The content is hashed on
// the way too, so a backend that skips the verification still cannot keep a
// corrupt object.
func (r *Repo) Save(ctx context.Context, path string, info repo.FileInfo, src io.Reader, onProgress repo.ProgressFunc) error {
	if err := r.checkNotExists(ctx, path); err != nil {
		return err
	}
	declared, err := hexToBase64(info.Checksum)
	if err != nil {
		return err
	}
	defer r.Refresh()

	body := &hashingReader{r: src, h: sha256.New(), onProgress: onProgress}
	_, err = r.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         &r.bucket,
		Key:            aws.String(toKey(path)),
		Body:           body,
		ContentLength:  aws.Int64(info.Length),
		ChecksumSHA256: aws.String(declared),
	})
	actual := hex.EncodeToString(body.h.Sum(nil))
	if err != nil {
		err = classify(err)
		if errors.Is(err, repo.ErrChecksumMismatch) {
			return &repo.ChecksumMismatchError{Path: path, Expected: info.Checksum, Actual: actual}
		}
		return fmt.Errorf("upload %s: %w", path, err)
	}

	if actual != info.Checksum {
		if _, err := r.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &r.bucket, Key: aws.String(toKey(path))}); err != nil {
			slog.Error("s3 delete corrupt upload", "path", path, "error", err)
		}
		return &repo.ChecksumMismatchError{Path: path, Expected: info.Checksum, Actual: actual}
	}
	return nil
}

func (r *Repo) Delete(ctx context.Context, path string) error {
	exists, err := r.VerifyFileExists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s: %w", path, repo.ErrFileNotFound)
	}
	defer r.Refresh()

	if _, err := r.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &r.bucket, Key: aws.String(toKey(path))}); err != nil {
		return fmt.Errorf("delete %s: %w", path, classify(err))
	}
	return nil
}

func (r *Repo) GetMetadata(ctx context.Context) (*repo.Metadata, error) {
	out, err := r.api.GetObject(ctx, &s3.GetObjectInput{Bucket: &r.bucket, Key: aws.String(metadataKey)})
	if err != nil {
		err = classify(err)
		if errors.Is(err, repo.ErrFileNotFound) {
			return &repo.Metadata{}, nil
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	defer out.Body.Close()

	var md repo.Metadata
	if err := json.NewDecoder(out.Body).Decode(&md); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &md, nil
}

// UpdateMetadata is serialized within this process only; S3 offers no lock
// for concurrent writers elsewhere.
func (r *Repo) UpdateMetadata(ctx context.Context, transform func(repo.Metadata) repo.Metadata) error {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()

	old, err := r.GetMetadata(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(transform(*old))
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)

	_, err = r.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         &r.bucket,
		Key:            aws.String(metadataKey),
		Body:           bytes.NewReader(data),
		ContentLength:  aws.Int64(int64(len(data))),
		ChecksumSHA256: aws.String(base64.StdEncoding.EncodeToString(sum[:])),
	})
	if err != nil {
		return fmt.Errorf("write metadata: %w", classify(err))
	}
	r.Refresh()
	return nil
}
