// Package reposync turns a comparison of two repositories into ordered sync
// steps and executes them.
package reposync

import (
	"fmt"
	"strings"
)

// RelocationSyncMode decides what happens with content stored under
// different paths in the two repositories. It is one of Disabled,
// AdditiveDuplicating or Move.
type RelocationSyncMode interface {
	relocationSyncMode()
	String() string
}

// Disabled leaves relocations alone.
type Disabled struct{}

// AdditiveDuplicating copies content to the base paths and keeps the old ones.
type AdditiveDuplicating struct{}

// Move renames destination files to match base.
type Move struct {
	AllowDuplicateIncrease  bool
	AllowDuplicateReduction bool
}

func (Disabled) relocationSyncMode()            {}
func (AdditiveDuplicating) relocationSyncMode() {}
func (Move) relocationSyncMode()                {}

func (Disabled) String() string            { return "disabled" }
func (AdditiveDuplicating) String() string { return "additive" }

func (m Move) String() string {
	s := "move"
	if m.AllowDuplicateIncrease {
		s += "+increase"
	}
	if m.AllowDuplicateReduction {
		s += "+reduce"
	}
	return s
}

// ParseMode reads the String form of a mode, e.g. "move+increase+reduce".
func ParseMode(s string) (RelocationSyncMode, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "+")
	switch parts[0] {
	case "disabled", "none":
		if len(parts) == 1 {
			return Disabled{}, nil
		}
	case "additive":
		if len(parts) == 1 {
			return AdditiveDuplicating{}, nil
		}
	case "move":
		m := Move{}
		for _, flag := range parts[1:] {
			switch flag {
			case "increase":
				m.AllowDuplicateIncrease = true
			case "reduce":
				m.AllowDuplicateReduction = true
			default:
				return nil, fmt.Errorf("unknown move flag %q", flag)
			}
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown relocation mode %q", s)
}
