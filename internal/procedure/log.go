package procedure

import (
	"fmt"
	"slices"

	"github.com/openmined/syftkeep/internal/stream"
)

// Log is the human readable running log of a job.
type Log struct {
	lines *stream.Var[[]string]
}

func NewLog() *Log {
	return &Log{lines: stream.NewVar[[]string](nil)}
}

func (l *Log) Append(line string) {
	l.lines.Update(func(lines []string) []string {
		return append(slices.Clip(lines), line)
	})
}

func (l *Log) Appendf(format string, args ...any) {
	l.Append(fmt.Sprintf(format, args...))
}

func (l *Log) Lines() []string {
	return l.lines.Get()
}

func (l *Log) Stream() stream.Observable[[]string] {
	return l.lines
}
