// Package storage opens repositories by URI and keeps one shared accessor
// and memorizing reader per URI.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/syftkeep/internal/loadable"
	"github.com/openmined/syftkeep/internal/memorized"
	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/repo/fsrepo"
	"github.com/openmined/syftkeep/internal/repo/s3repo"
	"github.com/openmined/syftkeep/internal/stream"
	"github.com/openmined/syftkeep/internal/vault"
	"github.com/spf13/afero"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultCacheTTL     = 10 * time.Minute
	cacheSize           = 128
)

// NewS3API builds the client for a bucket.
type NewS3API func(ctx context.Context, cfg s3repo.Config) (s3repo.API, error)

type Options struct {
	Fs       afero.Fs
	Vault    *vault.Vault
	Store    *memorized.Store
	S3Region string
	NewS3API NewS3API
	// Watch enables file watching for file repositories.
	Watch        bool
	KeepAlive    time.Duration
	PollInterval time.Duration
	CacheTTL     time.Duration
	Clock        clockwork.Clock
}

type entry struct {
	source *stream.Shared[loadable.Loadable[repo.Repo]]
	reader *memorized.Reader
}

type Opener struct {
	opts  Options
	cache *expirable.LRU[string, *entry]
}

func NewOpener(opts Options) *Opener {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.NewS3API == nil {
		opts.NewS3API = func(ctx context.Context, cfg s3repo.Config) (s3repo.API, error) {
			return s3repo.NewClient(ctx, cfg)
		}
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = stream.DefaultKeepAlive
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Opener{
		opts:  opts,
		cache: expirable.NewLRU[string, *entry](cacheSize, nil, opts.CacheTTL),
	}
}

func (o *Opener) fsOptions() []fsrepo.Option {
	opts := []fsrepo.Option{fsrepo.WithKeepAlive(o.opts.KeepAlive), fsrepo.WithClock(o.opts.Clock)}
	if o.opts.Watch {
		opts = append(opts, fsrepo.WithWatch())
	}
	return opts
}

func (o *Opener) s3Config(u URI) (s3repo.Config, error) {
	if o.opts.Vault == nil {
		return s3repo.Config{}, fmt.Errorf("%s: %w", u, repo.ErrNeedsCredentials)
	}
	creds, ok, err := o.opts.Vault.Credentials(u.String())
	if err != nil {
		return s3repo.Config{}, fmt.Errorf("%s: %w: %w", u, repo.ErrNeedsCredentials, err)
	}
	if !ok {
		return s3repo.Config{}, fmt.Errorf("%s: %w", u, repo.ErrNeedsCredentials)
	}
	return s3repo.Config{
		Endpoint:  u.Endpoint(),
		Region:    o.opts.S3Region,
		Bucket:    u.Bucket,
		AccessKey: creds.AccessKey,
		SecretKey: creds.SecretKey,
	}, nil
}

// Open connects to the repository once, without caching.
func (o *Opener) Open(ctx context.Context, uri string) (repo.Repo, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case SchemeFile:
		return fsrepo.Open(o.opts.Fs, u.Path, o.fsOptions()...)
	default:
		cfg, err := o.s3Config(u)
		if err != nil {
			return nil, err
		}
		api, err := o.opts.NewS3API(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s3repo.Open(ctx, api, u.Bucket, s3repo.WithKeepAlive(o.opts.KeepAlive), s3repo.WithClock(o.opts.Clock))
	}
}

// Create initializes a new repository at uri.
func (o *Opener) Create(ctx context.Context, uri string) (repo.Repo, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case SchemeFile:
		return fsrepo.Create(o.opts.Fs, u.Path, o.fsOptions()...)
	default:
		cfg, err := o.s3Config(u)
		if err != nil {
			return nil, err
		}
		api, err := o.opts.NewS3API(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s3repo.Create(ctx, api, u.Bucket, s3repo.WithKeepAlive(o.opts.KeepAlive), s3repo.WithClock(o.opts.Clock))
	}
}

// notAvailable tells the conditions that clear up without a code change:
// unmounted drives, missing credentials and a locked vault.
func notAvailable(err error) bool {
	return errors.Is(err, repo.ErrNotAvailable) || errors.Is(err, repo.ErrNeedsCredentials) || errors.Is(err, vault.ErrLocked)
}

func (o *Opener) entry(uri string) *entry {
	if e, ok := o.cache.Get(uri); ok {
		return e
	}
	e := &entry{source: stream.NewShared(o.accessor(uri), o.opts.KeepAlive, stream.WithClock[loadable.Loadable[repo.Repo]](o.opts.Clock))}
	if o.opts.Store != nil {
		e.reader = memorized.NewReader(uri, e.source, o.opts.Store)
	}
	o.cache.Add(uri, e)
	return e
}

// Source follows the accessibility of the repository at uri.
func (o *Opener) Source(uri string) repo.Source {
	return o.entry(uri).source
}

// Reader returns the memorizing reader for uri. It is nil without a store.
func (o *Opener) Reader(uri string) *memorized.Reader {
	return o.entry(uri).reader
}

// Connected waits for the repository at uri to load.
func (o *Opener) Connected(ctx context.Context, uri string) (repo.Repo, error) {
	l, err := stream.First(ctx, o.Source(uri), func(l loadable.Loadable[repo.Repo]) bool {
		return l.State != loadable.Loading
	})
	if err != nil {
		return nil, err
	}
	switch l.State {
	case loadable.Loaded:
		return l.Value, nil
	case loadable.NotAvailable:
		if l.Err != nil {
			return nil, l.Err
		}
		return nil, fmt.Errorf("%s: %w", uri, repo.ErrNotAvailable)
	default:
		return nil, l.Err
	}
}

// accessor opens the repository and retries while it is not available.
// An opened file repository is checked on every poll so unmounting is seen.
func (o *Opener) accessor(uri string) stream.Producer[loadable.Loadable[repo.Repo]] {
	return func(ctx context.Context, emit func(loadable.Loadable[repo.Repo])) {
		emit(loadable.Pending[repo.Repo]())

		var vaultChanges <-chan vault.State
		if o.opts.Vault != nil {
			sub := o.opts.Vault.StateStream().Subscribe()
			defer sub.Unsubscribe()
			vaultChanges = sub.C()
		}
		ticker := o.opts.Clock.NewTicker(o.opts.PollInterval)
		defer ticker.Stop()

		var current repo.Repo
		attempt := func() {
			if fr, ok := current.(*fsrepo.Repo); ok {
				if fsrepo.IsRepo(o.opts.Fs, fr.Root()) {
					return
				}
				current = nil
			} else if current != nil {
				return
			}

			r, err := o.Open(ctx, uri)
			switch {
			case err == nil:
				current = r
				emit(loadable.Of(r))
			case ctx.Err() != nil:
			case notAvailable(err):
				slog.Debug("repository not available", "uri", uri, "reason", err)
				emit(loadable.Unavailable[repo.Repo](err))
			default:
				slog.Warn("repository open", "uri", uri, "error", err)
				emit(loadable.Fail[repo.Repo](err))
			}
		}

		attempt()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				attempt()
			case _, ok := <-vaultChanges:
				if !ok {
					vaultChanges = nil
					continue
				}
				attempt()
			}
		}
	}
}
