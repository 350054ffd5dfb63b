package reposync

import (
	"context"
	"fmt"
	"io"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/openmined/syftkeep/internal/compare"
	"github.com/openmined/syftkeep/internal/repo"
)

// Step is a group of operations executed together. Steps run in the order
// discovery returned them.
type Step interface {
	Name() string
	// Operations returns what the step executes when fully selected.
	Operations() []Operation
}

type RelocationsMoveApplyStep struct {
	ToApply []*RelocationApplyOperation
	// ToIgnore are relocations the mode does not allow to apply.
	ToIgnore []compare.Relocation
}

func (s *RelocationsMoveApplyStep) Name() string { return "relocations" }

func (s *RelocationsMoveApplyStep) Operations() []Operation {
	return toOperations(s.ToApply)
}

type AdditiveRelocationsStep struct {
	Ops []*AdditiveReplicationOperation
}

func (s *AdditiveRelocationsStep) Name() string { return "additive relocations" }

func (s *AdditiveRelocationsStep) Operations() []Operation {
	return toOperations(s.Ops)
}

type NewFilesStep struct {
	Ops []*CopyNewFileOperation
	// Unconfirmed would replace unrelated destination content and are only
	// executed when discovery runs with ConfirmOverwrite.
	Unconfirmed []*CopyNewFileOperation
}

func (s *NewFilesStep) Name() string { return "new files" }

func (s *NewFilesStep) Operations() []Operation {
	return toOperations(s.Ops)
}

func toOperations[T Operation](ops []T) []Operation {
	out := make([]Operation, len(ops))
	for i, op := range ops {
		out[i] = op
	}
	return out
}

type Discovery struct {
	Mode RelocationSyncMode
	// ConfirmOverwrite allows new files to replace unrelated content
	// occupying their destination path.
	ConfirmOverwrite bool
}

type Discovered struct {
	Comparison *compare.Result
	Steps      []Step
}

func (d Discovery) Prepare(ctx context.Context, base, dst repo.Repo) (*Discovered, error) {
	result, err := compare.Compare(ctx, base, dst)
	if err != nil {
		return nil, err
	}
	return d.PrepareFromComparison(result), nil
}

func (d Discovery) PrepareFromComparison(result *compare.Result) *Discovered {
	mode := d.Mode
	if mode == nil {
		mode = Move{}
	}

	discovered := &Discovered{Comparison: result}
	vacated := mapset.NewThreadUnsafeSet[string]()

	if len(result.Relocations) > 0 {
		switch m := mode.(type) {
		case Disabled:
			discovered.Steps = append(discovered.Steps, &RelocationsMoveApplyStep{ToIgnore: result.Relocations})
		case AdditiveDuplicating:
			step := &AdditiveRelocationsStep{}
			for _, rel := range result.Relocations {
				step.Ops = append(step.Ops, &AdditiveReplicationOperation{Relocation: rel})
			}
			discovered.Steps = append(discovered.Steps, step)
		case Move:
			step := &RelocationsMoveApplyStep{}
			for _, rel := range result.Relocations {
				if !canApply(m, rel) {
					step.ToIgnore = append(step.ToIgnore, rel)
					continue
				}
				step.ToApply = append(step.ToApply, &RelocationApplyOperation{
					Relocation:              rel,
					AllowDuplicateIncrease:  m.AllowDuplicateIncrease,
					AllowDuplicateReduction: m.AllowDuplicateReduction,
				})
				vacated.Append(rel.ExtraOtherLocations()...)
			}
			discovered.Steps = append(discovered.Steps, step)
		default:
			panic(fmt.Sprintf("unhandled relocation sync mode %T", mode))
		}
	}

	if len(result.UnmatchedBaseExtras) > 0 {
		step := &NewFilesStep{}
		for _, group := range result.UnmatchedBaseExtras {
			op := &CopyNewFileOperation{Group: group}
			var occupied []string
			for _, name := range group.Filenames {
				switch result.Placement(name) {
				case compare.Overwrite:
					occupied = append(occupied, name)
				case compare.AfterMove:
					if !vacated.Contains(name) {
						occupied = append(occupied, name)
					}
				}
			}
			switch {
			case len(occupied) == 0:
				step.Ops = append(step.Ops, op)
			case d.ConfirmOverwrite:
				op.Overwrite = occupied
				step.Ops = append(step.Ops, op)
			default:
				op.Overwrite = occupied
				step.Unconfirmed = append(step.Unconfirmed, op)
			}
		}
		discovered.Steps = append(discovered.Steps, step)
	}

	return discovered
}

func canApply(m Move, rel compare.Relocation) bool {
	switch {
	case rel.IsIncreasingDuplicates():
		return m.AllowDuplicateIncrease
	case rel.IsDecreasingDuplicates():
		return m.AllowDuplicateReduction
	default:
		return true
	}
}

// Operations lists every executable operation in step order.
func (d *Discovered) Operations() []Operation {
	var ops []Operation
	for _, s := range d.Steps {
		ops = append(ops, s.Operations()...)
	}
	return ops
}

func (d *Discovered) IsUpToDate() bool {
	return len(d.Operations()) == 0
}

func (d *Discovered) BytesToCopy() int64 {
	var total int64
	for _, op := range d.Operations() {
		total += op.BytesToCopy()
	}
	return total
}

// Print writes the planned steps.
func (d *Discovered) Print(w io.Writer) {
	for _, s := range d.Steps {
		ops := s.Operations()
		fmt.Fprintf(w, "\n%s (%d):\n", s.Name(), len(ops))
		for _, op := range ops {
			fmt.Fprintf(w, "\t%s\n", op)
		}
		switch step := s.(type) {
		case *RelocationsMoveApplyStep:
			for _, rel := range step.ToIgnore {
				fmt.Fprintf(w, "\tignored: %s -> %s\n", filenames(rel.ExtraOtherLocations()), filenames(rel.ExtraBaseLocations()))
			}
		case *NewFilesStep:
			for _, op := range step.Unconfirmed {
				fmt.Fprintf(w, "\tneeds overwrite confirmation: %s\n", filenames(op.Overwrite))
			}
		}
	}
	fmt.Fprintf(w, "\nTotal to copy: %s\n", humanize.Bytes(uint64(d.BytesToCopy())))
}
