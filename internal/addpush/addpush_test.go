package addpush

import (
	"context"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/syftkeep/internal/indexupdate"
	"github.com/openmined/syftkeep/internal/procedure"
	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/repo/memrepo"
	"github.com/openmined/syftkeep/internal/reposync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*memrepo.Repo, *indexupdate.PreparationResult) {
	t.Helper()
	source := memrepo.New(memrepo.WithFiles(map[string]string{
		"old/photo.jpg": "photo",
		"doc.txt":       "doc",
	}))
	source.DeleteFromDisk("old/photo.jpg")
	source.WriteUnindexed("new/photo.jpg", "photo")
	source.WriteUnindexed("notes.txt", "notes")
	source.WriteUnindexed("skipped.txt", "skipped")

	prepared, err := indexupdate.Prepare(context.Background(), source, indexupdate.Options{}, nil)
	require.NoError(t, err)
	require.Len(t, prepared.Moves, 1)
	return source, prepared
}

func TestJob_PushesIndexedChanges(t *testing.T) {
	source, prepared := setup(t)
	sel := indexupdate.Selection{NewFiles: mapset.NewSet("notes.txt")}

	first := memrepo.New(memrepo.WithFiles(map[string]string{"old/photo.jpg": "photo", "doc.txt": "doc"}))
	second := memrepo.New(memrepo.WithFiles(map[string]string{"doc.txt": "doc"}))

	job := NewJob(source, prepared, sel, []reposync.Destination{
		{Name: "first", Repo: first},
		{Name: "second", Repo: second},
	}, Options{})
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, map[string]string{"new/photo.jpg": "photo", "doc.txt": "doc", "notes.txt": "notes"}, first.Contents())
	assert.Equal(t, map[string]string{"doc.txt": "doc", "notes.txt": "notes"}, second.Contents())

	indexed, err := source.StoredFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"doc.txt", "new/photo.jpg", "notes.txt"}, indexed)

	progress := job.PushProgress()
	assert.True(t, progress["first"].Finished)
	assert.Len(t, progress["first"].Moved, 1)
	assert.Empty(t, progress["second"].Moved)
	assert.Equal(t, []string{"notes.txt"}, progress["second"].Added)
	assert.Equal(t, indexupdate.ExecutionProgress{MovesDone: 1, MovesTotal: 1, AddsDone: 1, AddsTotal: 1}, job.IndexProgress())
}

func TestJob_ExistingSameContentCountsAsAdded(t *testing.T) {
	source, prepared := setup(t)
	sel := indexupdate.Selection{Moves: mapset.NewSet[string](), NewFiles: mapset.NewSet("notes.txt")}
	dst := memrepo.New(memrepo.WithFiles(map[string]string{"notes.txt": "notes"}))

	job := NewJob(source, prepared, sel, []reposync.Destination{{Name: "dst", Repo: dst}}, Options{})
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []string{"notes.txt"}, job.PushProgress()["dst"].Added)
}

func TestJob_ConflictIsolatedPerDestination(t *testing.T) {
	source, prepared := setup(t)
	sel := indexupdate.Selection{Moves: mapset.NewSet[string](), NewFiles: mapset.NewSet("notes.txt")}

	conflicting := memrepo.New(memrepo.WithFiles(map[string]string{"notes.txt": "other notes"}))
	clean := memrepo.New()

	job := NewJob(source, prepared, sel, []reposync.Destination{
		{Name: "conflicting", Repo: conflicting},
		{Name: "clean", Repo: clean},
	}, Options{Pool: procedure.NewPool(2)})
	err := job.Run(context.Background())
	require.ErrorIs(t, err, repo.ErrDestinationExists)

	assert.Equal(t, map[string]string{"notes.txt": "notes"}, clean.Contents())
	assert.Equal(t, "other notes", conflicting.Contents()["notes.txt"])
	assert.Contains(t, job.ErrorFiles(), "conflicting: notes.txt")
	assert.Contains(t, job.PushProgress()["conflicting"].Errors, "notes.txt")
}
