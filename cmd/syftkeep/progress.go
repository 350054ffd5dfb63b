package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/openmined/syftkeep/internal/procedure"
	"github.com/spf13/cobra"
)

const progressInterval = 500 * time.Millisecond

func formatProgress(p procedure.Progress) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s / %s (%.0f%%)",
		humanize.Bytes(uint64(p.CopiedBytes)),
		humanize.Bytes(uint64(p.TotalBytes)),
		p.Fraction()*100,
	)
	if p.Velocity > 0 {
		fmt.Fprintf(&b, " %s/s", humanize.Bytes(uint64(p.Velocity)))
	}
	if p.HasEstimate {
		fmt.Fprintf(&b, ", %s left", p.TimeRemaining.Round(time.Second))
	}
	if n := len(p.InFlight); n > 0 {
		fmt.Fprintf(&b, ", %d in flight", n)
	}
	return b.String()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// watchProgress reports byte progress until the job finished. Terminals get
// a single updating line, other outputs one line per interval.
func watchProgress(cmd *cobra.Command, job *procedure.Job) {
	out := cmd.ErrOrStderr()
	tty := isTerminal(out)

	sub := job.ProgressStream().Subscribe()
	defer sub.Unsubscribe()
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	var last procedure.Progress
	var printed bool
	for {
		select {
		case <-job.Done():
			if tty && printed {
				fmt.Fprintln(out)
			}
			return
		case p := <-sub.C():
			last = p
		case <-ticker.C:
			if last.TotalBytes == 0 {
				continue
			}
			if tty {
				fmt.Fprintf(out, "\r\033[K%s", formatProgress(last))
			} else {
				fmt.Fprintln(out, formatProgress(last))
			}
			printed = true
		}
	}
}

// runJob runs job in the background while reporting progress, then prints
// its outcome.
func runJob(cmd *cobra.Command, job *procedure.Job) error {
	if err := job.Launch(cmd.Context()); err != nil {
		return err
	}
	watchProgress(cmd, job)

	err := job.Wait(context.Background())
	state, _ := job.State().(procedure.Finished)
	printErrorFiles(cmd, job.ErrorFiles())
	switch {
	case state.Succeeded():
		cmd.Printf("\n%s\n", green("done"))
		return nil
	case state.Cancelled():
		cmd.Printf("\n%s\n", yellow("cancelled"))
		return errInterrupted
	default:
		return err
	}
}
