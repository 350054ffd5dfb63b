package s3repo

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucket = "archive"

func sum(t *testing.T, content string) string {
	t.Helper()
	checksum, _, err := utils.HashReader(strings.NewReader(content))
	require.NoError(t, err)
	return checksum
}

func save(t *testing.T, r *Repo, path, content string) {
	t.Helper()
	info := repo.FileInfo{Length: int64(len(content)), Checksum: sum(t, content)}
	require.NoError(t, r.Save(context.Background(), path, info, strings.NewReader(content), nil))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3(bucket)

	_, err := Open(ctx, api, bucket)
	require.ErrorIs(t, err, repo.ErrNotAvailable)

	_, err = Open(ctx, api, "missing")
	require.ErrorIs(t, err, repo.ErrNotAvailable)

	_, err = Create(ctx, api, bucket)
	require.NoError(t, err)
	_, err = Open(ctx, api, bucket)
	require.NoError(t, err)

	api.denied = true
	_, err = Open(ctx, api, bucket)
	require.ErrorIs(t, err, repo.ErrWrongCredentials)
}

func TestSaveIndexOpen(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3(bucket)
	r, err := Create(ctx, api, bucket)
	require.NoError(t, err)

	save(t, r, "a.txt", "alpha")
	save(t, r, "dir/b.txt", "beta")
	assert.Equal(t, []string{"archive-metadata.json", "files/a.txt", "files/dir/b.txt"}, api.keys())

	idx, err := r.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, []repo.File{
		{Path: "a.txt", Size: 5, Checksum: sum(t, "alpha")},
		{Path: "dir/b.txt", Size: 4, Checksum: sum(t, "beta")},
	}, idx.Files)

	heads := api.heads
	_, err = r.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, heads, api.heads, "checksums are cached by etag")

	info, rc, err := r.Open(ctx, "dir/b.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "beta", string(data))
	assert.Equal(t, repo.FileInfo{Length: 4, Checksum: sum(t, "beta")}, info)

	err = r.Save(ctx, "a.txt", info, strings.NewReader("beta"), nil)
	require.ErrorIs(t, err, repo.ErrDestinationExists)
}

func TestSave_ChecksumMismatch(t *testing.T) {
	ctx := context.Background()

	for _, skipVerify := range []bool{false, true} {
		api := newFakeS3(bucket)
		r, err := Create(ctx, api, bucket)
		require.NoError(t, err)
		api.skipVerify = skipVerify

		err = r.Save(ctx, "bad.txt", repo.FileInfo{Length: 8, Checksum: sum(t, "expected")}, strings.NewReader("corrupt!"), nil)
		require.ErrorIs(t, err, repo.ErrChecksumMismatch)

		var mismatch *repo.ChecksumMismatchError
		require.True(t, errors.As(err, &mismatch))
		assert.Equal(t, sum(t, "corrupt!"), mismatch.Actual)

		exists, err := r.VerifyFileExists(ctx, "bad.txt")
		require.NoError(t, err)
		assert.False(t, exists)
	}
}

func TestMoveAndDelete(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3(bucket)
	r, err := Create(ctx, api, bucket)
	require.NoError(t, err)
	save(t, r, "a.txt", "alpha")
	save(t, r, "b.txt", "beta")

	require.ErrorIs(t, r.Move(ctx, "a.txt", "b.txt"), repo.ErrDestinationExists)
	require.NoError(t, r.Move(ctx, "a.txt", "moved/a b.txt"))

	stored, err := r.StoredFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt", "moved/a b.txt"}, stored)

	checksum, err := r.FileChecksum(ctx, "moved/a b.txt")
	require.NoError(t, err)
	assert.Equal(t, sum(t, "alpha"), checksum)

	require.NoError(t, r.Delete(ctx, "b.txt"))
	require.ErrorIs(t, r.Delete(ctx, "b.txt"), repo.ErrFileNotFound)
	_, err = r.FileChecksum(ctx, "b.txt")
	require.ErrorIs(t, err, repo.ErrFileNotFound)
}

func TestMetadata(t *testing.T) {
	ctx := context.Background()
	r, err := Create(ctx, newFakeS3(bucket), bucket)
	require.NoError(t, err)

	require.NoError(t, r.UpdateMetadata(ctx, func(m repo.Metadata) repo.Metadata {
		m.AssociationGroupID = "group-1"
		return m
	}))
	md, err := r.GetMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "group-1", md.AssociationGroupID)
}
