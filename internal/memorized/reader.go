package memorized

import (
	"context"
	"errors"
	"log/slog"

	"github.com/openmined/syftkeep/internal/loadable"
	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/stream"
)

// Reader serves the live index and metadata of a repository while it is
// reachable, memorizing them as they change, and the memorized ones while it
// is not.
type Reader struct {
	uri   string
	index *stream.Shared[loadable.Loadable[*repo.RepoIndex]]
	meta  *stream.Shared[loadable.Loadable[*repo.Metadata]]
}

func NewReader(uri string, source repo.Source, store *Store) *Reader {
	r := &Reader{uri: uri}

	r.index = stream.NewShared(stream.Switch(source, func(l loadable.Loadable[repo.Repo]) stream.Producer[loadable.Loadable[*repo.RepoIndex]] {
		switch l.State {
		case loadable.NotAvailable:
			return stream.Forward(store.IndexStream(uri), identity[loadable.Loadable[*repo.RepoIndex]])
		case loadable.Loading:
			return stream.Just(loadable.Pending[*repo.RepoIndex]())
		case loadable.Failed:
			return stream.Just(loadable.Fail[*repo.RepoIndex](l.Err))
		}
		return stream.Forward(l.Value.IndexStream(), func(idx loadable.Loadable[*repo.RepoIndex]) loadable.Loadable[*repo.RepoIndex] {
			if idx.IsLoaded() {
				if _, err := store.UpdateIndexIfDiffers(context.Background(), uri, idx.Value); err != nil {
					slog.Error("memorized index update", "uri", uri, "error", err)
				}
			}
			return idx
		})
	}), stream.DefaultKeepAlive)

	r.meta = stream.NewShared(stream.Switch(source, func(l loadable.Loadable[repo.Repo]) stream.Producer[loadable.Loadable[*repo.Metadata]] {
		switch l.State {
		case loadable.NotAvailable:
			return stream.Forward(store.MetadataStream(uri), identity[loadable.Loadable[*repo.Metadata]])
		case loadable.Loading:
			return stream.Just(loadable.Pending[*repo.Metadata]())
		case loadable.Failed:
			return stream.Just(loadable.Fail[*repo.Metadata](l.Err))
		}
		live := l.Value.MetadataStream()
		return stream.Switch(live, func(md loadable.Loadable[*repo.Metadata]) stream.Producer[loadable.Loadable[*repo.Metadata]] {
			switch {
			case md.State == loadable.Failed && errors.Is(md.Err, repo.ErrUnsupportedFeature):
				slog.Debug("metadata unsupported, using memorized", "uri", uri)
				return stream.Forward(store.MetadataStream(uri), identity[loadable.Loadable[*repo.Metadata]])
			case md.IsLoaded():
				if _, err := store.UpdateMetadataIfDiffers(context.Background(), uri, md.Value); err != nil {
					slog.Error("memorized metadata update", "uri", uri, "error", err)
				}
			}
			return stream.Just(md)
		})
	}), stream.DefaultKeepAlive)

	return r
}

func identity[T any](v T) T {
	return v
}

func (r *Reader) URI() string {
	return r.uri
}

func (r *Reader) IndexStream() stream.Observable[loadable.Loadable[*repo.RepoIndex]] {
	return r.index
}

func (r *Reader) MetadataStream() stream.Observable[loadable.Loadable[*repo.Metadata]] {
	return r.meta
}
