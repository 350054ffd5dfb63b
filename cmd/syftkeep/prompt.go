package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var errInterrupted = errors.New("interrupted")

func readLine(ctx context.Context, in io.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		// byte by byte so nothing past the newline is consumed
		var line []byte
		var b [1]byte
		for {
			n, err := in.Read(b[:])
			if n == 1 && b[0] != '\n' {
				line = append(line, b[0])
			}
			if n == 1 && b[0] == '\n' || err != nil {
				if err == io.EOF && len(line) > 0 {
					err = nil
				}
				ch <- result{strings.TrimRight(string(line), "\r"), err}
				return
			}
		}
	}()

	select {
	case r := <-ch:
		return r.line, r.err
	case <-ctx.Done():
		return "", errInterrupted
	}
}

// confirm asks a yes/no question unless --yes was given.
func confirm(cmd *cobra.Command, format string, args ...any) (bool, error) {
	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		return true, nil
	}
	for {
		cmd.Printf(format+" [y/n]: ", args...)
		answer, err := readLine(cmd.Context(), cmd.InOrStdin())
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}

// askPassword reads without echo from a terminal and plainly from pipes.
func askPassword(cmd *cobra.Command, prompt string) (string, error) {
	in := cmd.InOrStdin()
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return readLine(cmd.Context(), in)
	}

	fd := int(f.Fd())
	state, err := term.GetState(fd)
	if err != nil {
		return "", err
	}
	defer term.Restore(fd, state)

	cmd.PrintErr(prompt)
	type result struct {
		password []byte
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := term.ReadPassword(fd)
		ch <- result{p, err}
	}()

	select {
	case r := <-ch:
		cmd.PrintErrln()
		return strings.TrimSpace(string(r.password)), r.err
	case <-cmd.Context().Done():
		cmd.PrintErrln()
		return "", errInterrupted
	}
}

func askNewPassword(cmd *cobra.Command, prompt string) (string, error) {
	for {
		p1, err := askPassword(cmd, prompt)
		if err != nil {
			return "", err
		}
		if p1 == "" {
			cmd.PrintErrln(yellow("password must not be empty"))
			continue
		}
		p2, err := askPassword(cmd, "Verify - "+prompt)
		if err != nil {
			return "", err
		}
		if p1 == p2 {
			return p1, nil
		}
		cmd.PrintErrln(yellow("passwords do not match"))
	}
}

func printErrorFiles(cmd *cobra.Command, errs map[string]error) {
	if len(errs) == 0 {
		return
	}
	cmd.Printf("\n%s\n", red(fmt.Sprintf("%d files failed:", len(errs))))
	for _, path := range slices.Sorted(maps.Keys(errs)) {
		cmd.Printf("\t%s: %v\n", path, errs[path])
	}
}
