package memrepo

import (
	"context"
	"strings"
	"testing"

	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSave_RejectsCorruptedStream(t *testing.T) {
	ctx := context.Background()
	r := New()

	expected, _, _ := utils.HashReader(strings.NewReader("expected"))
	err := r.Save(ctx, "a.txt", repo.FileInfo{Length: 8, Checksum: expected}, strings.NewReader("tampered"), nil)
	require.ErrorIs(t, err, repo.ErrChecksumMismatch)

	_, onDisk := r.Content("a.txt")
	assert.False(t, onDisk)
	contains, _ := r.Contains(ctx, "a.txt")
	assert.False(t, contains)
}

func TestMove_RefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	r := New(WithFiles(map[string]string{"a": "1", "b": "2"}))

	assert.ErrorIs(t, r.Move(ctx, "a", "b"), repo.ErrDestinationExists)
	require.NoError(t, r.Move(ctx, "a", "c"))

	content, ok := r.Content("c")
	require.True(t, ok)
	assert.Equal(t, "1", content)
	assert.ErrorIs(t, r.Move(ctx, "a", "d"), repo.ErrFileNotFound)
}

func TestMetadata_Unsupported(t *testing.T) {
	r := New(WithoutMetadata())
	_, err := r.GetMetadata(context.Background())
	assert.ErrorIs(t, err, repo.ErrUnsupportedFeature)
}

func TestFindAllFiles_Globs(t *testing.T) {
	r := New()
	r.WriteUnindexed("photos/2024/a.jpg", "a")
	r.WriteUnindexed("docs/b.txt", "b")

	all, err := r.FindAllFiles(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/b.txt", "photos/2024/a.jpg"}, all)

	photos, err := r.FindAllFiles(context.Background(), []string{"photos/**"})
	require.NoError(t, err)
	assert.Equal(t, []string{"photos/2024/a.jpg"}, photos)
}
