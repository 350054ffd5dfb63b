package compare

import (
	"bytes"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/openmined/syftkeep/internal/repo"
	"github.com/openmined/syftkeep/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexOf(t *testing.T, contents map[string]string) *repo.RepoIndex {
	t.Helper()
	files := make([]repo.File, 0, len(contents))
	for path, content := range contents {
		sum, n, err := utils.HashReader(strings.NewReader(content))
		require.NoError(t, err)
		files = append(files, repo.File{Path: path, Size: n, Checksum: sum})
	}
	return repo.NewIndex(files)
}

func checksumOf(t *testing.T, content string) string {
	sum, _, err := utils.HashReader(strings.NewReader(content))
	require.NoError(t, err)
	return sum
}

func fixtureBase() map[string]string {
	return map[string]string{
		"file to be extra in source":    "file to be extra in source",
		"file to duplicate":             "file to duplicate: old",
		"file to duplicate 02":          "file to duplicate: old",
		"file to modify with backup":    "file to modify with backup: new",
		"file to move and duplicate/01": "file to move and duplicate",
		"file to move and duplicate/02": "file to move and duplicate",
		"file to overwrite":             "file to overwrite: new",
		"file to be left untouched":     "file to be left untouched",
		"moved/file to move":            "file to move",
		"old/file to modify backup":     "file to modify with backup: old",
	}
}

func fixtureOther() map[string]string {
	return map[string]string{
		"file to be extra in target": "file to be extra in target",
		"file to duplicate":          "file to duplicate: old",
		"file to move":               "file to move",
		"file to move and duplicate": "file to move and duplicate",
		"file to modify with backup": "file to modify with backup: old",
		"file to overwrite":          "file to overwrite: old",
		"file to be left untouched":  "file to be left untouched",
	}
}

func TestCalculate_Fixture(t *testing.T) {
	result := Calculate(indexOf(t, fixtureBase()), indexOf(t, fixtureOther()))

	require.Len(t, result.Relocations, 4)
	assert.Equal(t, Relocation{
		Checksum:       checksumOf(t, "file to duplicate: old"),
		FileSize:       int64(len("file to duplicate: old")),
		BaseFilenames:  []string{"file to duplicate", "file to duplicate 02"},
		OtherFilenames: []string{"file to duplicate"},
	}, result.Relocations[0])
	assert.Equal(t, []string{"file to move and duplicate/01", "file to move and duplicate/02"}, result.Relocations[1].BaseFilenames)
	assert.Equal(t, []string{"moved/file to move"}, result.Relocations[2].BaseFilenames)
	assert.Equal(t, []string{"file to move"}, result.Relocations[2].OtherFilenames)
	assert.Equal(t, []string{"old/file to modify backup"}, result.Relocations[3].BaseFilenames)

	require.Len(t, result.UnmatchedBaseExtras, 3)
	assert.Equal(t, []string{"file to be extra in source"}, result.UnmatchedBaseExtras[0].Filenames)
	assert.Equal(t, []string{"file to modify with backup"}, result.UnmatchedBaseExtras[1].Filenames)
	assert.Equal(t, []string{"file to overwrite"}, result.UnmatchedBaseExtras[2].Filenames)

	require.Len(t, result.UnmatchedOtherExtras, 2)
	assert.Equal(t, []string{"file to be extra in target"}, result.UnmatchedOtherExtras[0].Filenames)
	assert.Equal(t, []string{"file to overwrite"}, result.UnmatchedOtherExtras[1].Filenames)

	assert.Equal(t, []string{"file to modify with backup"}, result.NewContentAfterMove)
	assert.Equal(t, []string{"file to overwrite"}, result.NewContentToOverwrite)
	assert.Equal(t, Overwrite, result.Placement("file to overwrite"))
	assert.Equal(t, AfterMove, result.Placement("file to modify with backup"))
	assert.Equal(t, PlainCopy, result.Placement("file to be extra in source"))
	assert.False(t, result.InSync())
}

func TestRelocation_DuplicateDirection(t *testing.T) {
	result := Calculate(indexOf(t, fixtureBase()), indexOf(t, fixtureOther()))

	dup := result.Relocations[0]
	assert.Equal(t, []string{"file to duplicate 02"}, dup.ExtraBaseLocations())
	assert.Empty(t, dup.ExtraOtherLocations())
	assert.True(t, dup.IsIncreasingDuplicates())
	assert.False(t, dup.IsDecreasingDuplicates())

	// swapping the sides turns the increase into a decrease
	reversed := Calculate(indexOf(t, fixtureOther()), indexOf(t, fixtureBase()))
	assert.True(t, reversed.Relocations[0].IsDecreasingDuplicates())

	move := result.Relocations[2]
	assert.False(t, move.IsIncreasingDuplicates())
	assert.False(t, move.IsDecreasingDuplicates())
}

func TestCalculate_PermutationIndependent(t *testing.T) {
	base := indexOf(t, fixtureBase())
	other := indexOf(t, fixtureOther())
	expected := Calculate(base, other)

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 20; i++ {
		shuffledBase := &repo.RepoIndex{Files: append([]repo.File(nil), base.Files...)}
		shuffledOther := &repo.RepoIndex{Files: append([]repo.File(nil), other.Files...)}
		rng.Shuffle(len(shuffledBase.Files), func(a, b int) {
			shuffledBase.Files[a], shuffledBase.Files[b] = shuffledBase.Files[b], shuffledBase.Files[a]
		})
		rng.Shuffle(len(shuffledOther.Files), func(a, b int) {
			shuffledOther.Files[a], shuffledOther.Files[b] = shuffledOther.Files[b], shuffledOther.Files[a]
		})

		assert.Equal(t, expected, Calculate(shuffledBase, shuffledOther))
	}
}

func TestCalculate_ClassificationIsExclusive(t *testing.T) {
	result := Calculate(indexOf(t, fixtureBase()), indexOf(t, fixtureOther()))

	seen := map[string]int{}
	for _, name := range result.NewContentAfterMove {
		seen[name]++
	}
	for _, name := range result.NewContentToOverwrite {
		seen[name]++
	}
	for name, count := range seen {
		assert.Equal(t, 1, count, name)
	}
	for _, g := range result.UnmatchedBaseExtras {
		for _, name := range g.Filenames {
			assert.LessOrEqual(t, seen[name], 1, name)
		}
	}
}

func TestCalculate_IdenticalIndicesAreInSync(t *testing.T) {
	result := Calculate(indexOf(t, fixtureBase()), indexOf(t, fixtureBase()))
	assert.True(t, result.InSync())
	assert.Empty(t, result.NewContentAfterMove)
	assert.Empty(t, result.NewContentToOverwrite)
}

// Classification only looks one relocation deep: "p1" is reported as freed by
// the move of A even though that move itself waits for B to vacate "p2".
func TestCalculate_ChainedRelocationsAreOneLevel(t *testing.T) {
	base := indexOf(t, map[string]string{"p1": "new", "p2": "A", "p3": "B"})
	other := indexOf(t, map[string]string{"p1": "A", "p2": "B"})

	result := Calculate(base, other)
	require.Len(t, result.Relocations, 2)
	assert.Equal(t, []string{"p1"}, result.NewContentAfterMove)
	assert.Empty(t, result.NewContentToOverwrite)
}

func TestCalculate_SizeIgnoresFilesMissingFromDisk(t *testing.T) {
	base := indexOf(t, map[string]string{"a": "content", "b": "content", "c": "extra"})
	for i, f := range base.Files {
		if f.Path != "b" {
			base.Files[i].Size = 0
		}
	}
	other := indexOf(t, map[string]string{"z": "content"})

	result := Calculate(base, other)
	require.Len(t, result.Relocations, 1)
	assert.EqualValues(t, len("content"), result.Relocations[0].FileSize)
	require.Len(t, result.UnmatchedBaseExtras, 1)
	assert.Zero(t, result.UnmatchedBaseExtras[0].FileSize)
}

func TestPrint(t *testing.T) {
	result := Calculate(indexOf(t, fixtureBase()), indexOf(t, fixtureOther()))

	var out bytes.Buffer
	result.Print(&out, "local", "backup")

	report := out.String()
	assert.Contains(t, report, "Extra files in local archive:\n\tfile to be extra in source")
	assert.Contains(t, report, "Files to be moved in backup to match local:")
	assert.Contains(t, report, "Extra files in backup archive: 2")
}

func TestPathDiff(t *testing.T) {
	assert.Equal(t, "{ => moved/}file to move", stripColor(PathDiff("file to move", "moved/file to move")))
	assert.Equal(t, "photos/{a => b}.jpg", stripColor(PathDiff("photos/a.jpg", "photos/b.jpg")))
}

func stripColor(s string) string {
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape && r == 'm':
			inEscape = false
		case !inEscape:
			b.WriteRune(r)
		}
	}
	return b.String()
}
