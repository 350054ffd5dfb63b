package compare

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

var changed = color.New(color.FgRed).SprintFunc()

// Print writes a human readable report of the comparison.
func (r *Result) Print(w io.Writer, baseName, otherName string) {
	if len(r.UnmatchedBaseExtras) > 0 {
		fmt.Fprintf(w, "\nExtra files in %s archive:\n", baseName)
		for _, g := range r.UnmatchedBaseExtras {
			fmt.Fprintf(w, "\t%s\n", filenames(g.Filenames))
		}
	}

	if len(r.UnmatchedOtherExtras) > 0 {
		fmt.Fprintf(w, "\nExtra files in %s archive:\n", otherName)
		for _, g := range r.UnmatchedOtherExtras {
			fmt.Fprintf(w, "\t%s\n", filenames(g.Filenames))
		}
	}

	if len(r.Relocations) > 0 {
		fmt.Fprintf(w, "\nFiles to be moved in %s to match %s:\n", otherName, baseName)
		for _, rel := range r.Relocations {
			from, to := rel.ExtraOtherLocations(), rel.ExtraBaseLocations()
			if len(from) == 1 && len(to) == 1 {
				fmt.Fprintf(w, "\t%s\n", PathDiff(from[0], to[0]))
			} else {
				fmt.Fprintf(w, "\t%s -> %s\n", filenames(from), filenames(to))
			}
		}
	}

	r.PrintStats(w, baseName, otherName)
}

func (r *Result) PrintStats(w io.Writer, baseName, otherName string) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Extra files in %s archive: %d\n", baseName, len(r.UnmatchedBaseExtras))
	fmt.Fprintf(w, "Extra files in %s archive: %d\n", otherName, len(r.UnmatchedOtherExtras))
	fmt.Fprintf(w, "Total files present in both archives: %d\n", r.AllBaseFiles-countFiles(r.UnmatchedBaseExtras))
	fmt.Fprintln(w)
}

// PathDiff renders a rename as the shared prefix and suffix around a
// highlighted {old => new} middle part.
func PathDiff(from, to string) string {
	prefix := 0
	for prefix < len(from) && prefix < len(to) && from[prefix] == to[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(from)-prefix && suffix < len(to)-prefix &&
		from[len(from)-1-suffix] == to[len(to)-1-suffix] {
		suffix++
	}

	var b strings.Builder
	b.WriteString(from[:prefix])
	b.WriteString("{")
	b.WriteString(changed(from[prefix : len(from)-suffix]))
	b.WriteString(" => ")
	b.WriteString(changed(to[prefix : len(to)-suffix]))
	b.WriteString("}")
	b.WriteString(from[len(from)-suffix:])
	return b.String()
}

func filenames(names []string) string {
	if len(names) == 1 {
		return names[0]
	}
	return "{" + strings.Join(names, ", ") + "}"
}

func countFiles(groups []ExtraGroup) int {
	n := 0
	for _, g := range groups {
		n += len(g.Filenames)
	}
	return n
}
