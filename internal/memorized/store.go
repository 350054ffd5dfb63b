// Package memorized remembers the last seen index and metadata of every
// repository so they can be shown while the repository is offline.
package memorized

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/syftkeep/internal/loadable"
	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/stream"
)

type Kind string

const (
	KindIndex    Kind = "index"
	KindMetadata Kind = "metadata"
)

// Schema creates the store table. It is safe to run on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS memorized (
	kind       TEXT NOT NULL,
	uri        TEXT NOT NULL,
	value      BLOB NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (kind, uri)
);`

type entry struct {
	Kind  Kind   `db:"kind"`
	URI   string `db:"uri"`
	Value []byte `db:"value"`
}

type Store struct {
	db *sqlx.DB
	// mu makes read-compare-write cycles atomic
	mu      sync.Mutex
	changes *stream.Var[uint64]
}

func NewStore(db *sqlx.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("create memorized table: %w", err)
	}
	return &Store{db: db, changes: stream.NewVar[uint64](0)}, nil
}

// get returns false when nothing valid is stored. A corrupt entry is deleted.
func get[T any](ctx context.Context, s *Store, kind Kind, uri string) (*T, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `SELECT value FROM memorized WHERE kind = ? AND uri = ?`, kind, uri)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read memorized %s: %w", kind, err)
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		slog.Warn("memorized entry corrupt, dropping", "kind", kind, "uri", uri, "error", err)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM memorized WHERE kind = ? AND uri = ?`, kind, uri); err != nil {
			slog.Error("memorized drop", "kind", kind, "uri", uri, "error", err)
		}
		return nil, nil
	}
	return &v, nil
}

func put(ctx context.Context, s *Store, kind Kind, uri string, v any) error {
	if v == nil {
		_, err := s.db.ExecContext(ctx, `DELETE FROM memorized WHERE kind = ? AND uri = ?`, kind, uri)
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memorized (kind, uri, value) VALUES (?, ?, ?)
		ON CONFLICT (kind, uri) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		kind, uri, raw)
	return err
}

func (s *Store) Index(ctx context.Context, uri string) (*repo.RepoIndex, error) {
	return get[repo.RepoIndex](ctx, s, KindIndex, uri)
}

func (s *Store) Metadata(ctx context.Context, uri string) (*repo.Metadata, error) {
	return get[repo.Metadata](ctx, s, KindMetadata, uri)
}

// UpdateIndexIfDiffers stores idx unless an equal index is stored already. A
// nil idx forgets the entry. It reports whether anything was written.
func (s *Store) UpdateIndexIfDiffers(ctx context.Context, uri string, idx *repo.RepoIndex) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.Index(ctx, uri)
	if err != nil {
		return false, err
	}
	if stored.Equal(idx) {
		return false, nil
	}
	slog.Debug("memorized index differs, updating", "uri", uri)

	var v any
	if idx != nil {
		v = idx
	}
	if err := put(ctx, s, KindIndex, uri, v); err != nil {
		return false, fmt.Errorf("write memorized index: %w", err)
	}
	s.changed()
	return true, nil
}

func (s *Store) UpdateMetadataIfDiffers(ctx context.Context, uri string, md *repo.Metadata) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.Metadata(ctx, uri)
	if err != nil {
		return false, err
	}
	if (stored == nil && md == nil) || (stored != nil && md != nil && *stored == *md) {
		return false, nil
	}
	slog.Debug("memorized metadata differs, updating", "uri", uri)

	var v any
	if md != nil {
		v = md
	}
	if err := put(ctx, s, KindMetadata, uri, v); err != nil {
		return false, fmt.Errorf("write memorized metadata: %w", err)
	}
	s.changed()
	return true, nil
}

// All returns the URIs with a valid entry of kind. Corrupt entries are
// dropped without failing the rest.
func (s *Store) All(ctx context.Context, kind Kind) ([]string, error) {
	var entries []entry
	if err := s.db.SelectContext(ctx, &entries, `SELECT kind, uri, value FROM memorized WHERE kind = ? ORDER BY uri`, kind); err != nil {
		return nil, fmt.Errorf("list memorized %s: %w", kind, err)
	}

	uris := make([]string, 0, len(entries))
	for _, e := range entries {
		if !json.Valid(e.Value) {
			slog.Warn("memorized entry corrupt, dropping", "kind", kind, "uri", e.URI)
			if _, err := s.db.ExecContext(ctx, `DELETE FROM memorized WHERE kind = ? AND uri = ?`, kind, e.URI); err != nil {
				slog.Error("memorized drop", "kind", kind, "uri", e.URI, "error", err)
			}
			continue
		}
		uris = append(uris, e.URI)
	}
	return uris, nil
}

func (s *Store) changed() {
	s.changes.Update(func(v uint64) uint64 { return v + 1 })
}

// IndexStream follows the memorized index of uri. It is NotAvailable while
// nothing is memorized.
func (s *Store) IndexStream(uri string) stream.Observable[loadable.Loadable[*repo.RepoIndex]] {
	return stream.NewShared(memorizedProducer(s, uri, s.Index), stream.DefaultKeepAlive)
}

func (s *Store) MetadataStream(uri string) stream.Observable[loadable.Loadable[*repo.Metadata]] {
	return stream.NewShared(memorizedProducer(s, uri, s.Metadata), stream.DefaultKeepAlive)
}

func memorizedProducer[T any](s *Store, uri string, load func(context.Context, string) (*T, error)) stream.Producer[loadable.Loadable[*T]] {
	return func(ctx context.Context, emit func(loadable.Loadable[*T])) {
		sub := s.changes.Subscribe()
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.C():
				if !ok {
					return
				}
				v, err := load(ctx, uri)
				switch {
				case err != nil:
					emit(loadable.Fail[*T](err))
				case v == nil:
					emit(loadable.Unavailable[*T](nil))
				default:
					emit(loadable.Cached(v))
				}
			}
		}
	}
}
