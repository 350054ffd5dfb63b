package fsrepo

import (
	"bufio"
	"log/slog"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
)

// IgnoreFile holds gitignore style patterns excluded from scans.
const IgnoreFile = ".archivekeepignore"

var defaultIgnoreLines = []string{
	"/" + ArchiveDir,
	"/" + IgnoreFile,
}

type ignoreList struct {
	ignore *gitignore.GitIgnore
}

func loadIgnoreList(fs afero.Fs, root string) *ignoreList {
	ignorePath := filepath.Join(root, IgnoreFile)
	lines := defaultIgnoreLines

	file, err := fs.Open(ignorePath)
	if err == nil {
		defer file.Close()

		rules := 0
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			lines = append(lines, line)
			rules++
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("ignore file read", "path", ignorePath, "error", err)
		} else {
			slog.Debug("ignore file loaded", "path", ignorePath, "rules", rules)
		}
	}

	return &ignoreList{ignore: gitignore.CompileIgnoreLines(lines...)}
}

// ShouldIgnore takes a slash separated path relative to the repository root.
func (l *ignoreList) ShouldIgnore(path string) bool {
	return l.ignore.MatchesPath(path)
}
