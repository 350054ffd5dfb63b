// Package utils holds small helpers shared by the archive packages and the CLI.
package utils

import (
	"bytes"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// LogInterceptor prefixes every complete line written through it with a
// sequence number and a timestamp. Partial lines are held until the newline
// arrives or Close is called.
type LogInterceptor struct {
	mu      sync.Mutex
	target  io.Writer
	clock   clockwork.Clock
	seq     uint64
	pending bytes.Buffer
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return NewLogInterceptorWithClock(target, clockwork.NewRealClock())
}

func NewLogInterceptorWithClock(target io.Writer, clock clockwork.Clock) *LogInterceptor {
	return &LogInterceptor{target: target, clock: clock}
}

func (i *LogInterceptor) writeLine(line []byte) error {
	i.seq++
	var buf bytes.Buffer
	buf.WriteString("seq=")
	buf.WriteString(strconv.FormatUint(i.seq, 10))
	buf.WriteString(" ts=")
	buf.WriteString(i.clock.Now().Format(time.RFC3339))
	buf.WriteByte(' ')
	buf.Write(bytes.TrimSuffix(line, []byte("\r")))
	buf.WriteByte('\n')
	_, err := i.target.Write(buf.Bytes())
	return err
}

// Write reports len(p) once p has been accepted, whether or not it ended a line.
func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.pending.Write(p)
	for {
		idx := bytes.IndexByte(i.pending.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := i.pending.Next(idx + 1)
		if err := i.writeLine(line[:idx]); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes a trailing partial line and closes the target if it can.
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.pending.Len() > 0 {
		line := append([]byte(nil), i.pending.Bytes()...)
		i.pending.Reset()
		if err := i.writeLine(line); err != nil {
			return err
		}
	}
	if c, ok := i.target.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
