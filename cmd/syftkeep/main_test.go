package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/openmined/syftkeep/internal/procedure"
	"github.com/openmined/syftkeep/internal/repo/fsrepo"
	"github.com/openmined/syftkeep/internal/version"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

type cli struct {
	t       *testing.T
	dataDir string
	config  string
}

func newCLI(t *testing.T) *cli {
	tmp := t.TempDir()
	return &cli{t: t, dataDir: filepath.Join(tmp, "data"), config: filepath.Join(tmp, "config.json")}
}

func (c *cli) run(stdin string, args ...string) (string, error) {
	c.t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--data-dir", c.dataDir, "--config", c.config}, args...))
	err := cmd.Execute()
	return stripANSI(out.String()), err
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestVersionCommand(t *testing.T) {
	cmd := &cobra.Command{Use: "syftkeep"}
	cmd.AddCommand(newVersionCmd())

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, version.DetailedWithApp(), strings.TrimSpace(out.String()))

	out.Reset()
	cmd.SetArgs([]string{"version", "--json"})
	require.NoError(t, cmd.Execute())
	var info version.Info
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, "SyftKeep", info.App)
}

func TestCLI_InitAddPushCompare(t *testing.T) {
	c := newCLI(t)
	tmp := t.TempDir()
	archiveA := filepath.Join(tmp, "a")
	archiveB := filepath.Join(tmp, "b")

	out, err := c.run("", "init", archiveA)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Archive initialized at file:"+archiveA)
	assert.FileExists(t, c.config)

	require.NoError(t, os.MkdirAll(filepath.Join(archiveA, "photos"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(archiveA, "photos", "x.jpg"), []byte("picture"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(archiveA, "notes.txt"), []byte("hello"), 0o644))

	chdir(t, filepath.Join(archiveA, "photos"))

	out, err = c.run("", "status")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Indexed files: 0")
	assert.Contains(t, out, "photos/x.jpg")

	out, err = c.run("", "add", "--dry-run")
	require.NoError(t, err, out)
	assert.Contains(t, out, "notes.txt")

	out, err = c.run("y\n", "add")
	require.NoError(t, err, out)
	assert.Contains(t, out, "done")

	out, err = c.run("", "status")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Indexed files: 2")
	assert.Contains(t, out, "everything indexed")

	_, err = c.run("", "init", archiveB)
	require.NoError(t, err)

	out, err = c.run("", "push", "--yes", archiveB)
	require.NoError(t, err, out)
	content, err := os.ReadFile(filepath.Join(archiveB, "photos", "x.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "picture", string(content))

	out, err = c.run("", "compare", archiveB)
	require.NoError(t, err, out)
	assert.Contains(t, out, "archives are in sync")

	out, err = c.run("", "status", "--known")
	require.NoError(t, err, out)
	assert.Contains(t, out, "file:"+archiveA+": 2 files")
}

func TestCLI_AddDeclined(t *testing.T) {
	c := newCLI(t)
	archive := filepath.Join(t.TempDir(), "a")

	_, err := c.run("", "init", archive)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(archive, "f.txt"), []byte("f"), 0o644))
	chdir(t, archive)

	out, err := c.run("maybe\nn\n", "add")
	require.NoError(t, err, out)
	assert.NotContains(t, out, "done")

	r, err := fsrepo.Open(afero.NewOsFs(), archive)
	require.NoError(t, err)
	idx, err := r.Index(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
}

func TestCLI_NotInArchive(t *testing.T) {
	c := newCLI(t)
	chdir(t, t.TempDir())

	_, err := c.run("", "status")
	require.ErrorIs(t, err, errNotInArchive)
}

func TestCLI_InvalidLogLevel(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("", "--log-level", "loud", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log level")
}

func TestFindArchiveRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := fsrepo.Create(fs, "/archive")
	require.NoError(t, err)
	require.NoError(t, fs.MkdirAll("/archive/a/b", 0o755))

	root, err := findArchiveRoot(fs, "/archive/a/b")
	require.NoError(t, err)
	assert.Equal(t, "/archive", root)

	_, err = findArchiveRoot(fs, "/elsewhere")
	require.ErrorIs(t, err, errNotInArchive)
}

func TestFormatProgress(t *testing.T) {
	got := formatProgress(procedure.Progress{TotalBytes: 4000, CopiedBytes: 1000, Velocity: 500})
	assert.Equal(t, "1.0 kB / 4.0 kB (25%) 500 B/s", got)
}
