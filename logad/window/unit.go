package window

import (
	"slices"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/tokenline"
)

// Unit is an ordered, size-bounded group of lines from one file.
type Unit struct {
	Lines []tokenline.Line

	// Boundary is the last line of the previous unit of the same file. It is
	// only consulted for duplicate suppression while the unit is empty.
	Boundary *tokenline.Line

	removeDuplicates bool
	added            int
}

func newUnit(removeDuplicates bool, boundary *tokenline.Line, seed []tokenline.Line) *Unit {
	return &Unit{
		Lines:            seed,
		Boundary:         boundary,
		removeDuplicates: removeDuplicates,
	}
}

// Add appends a valid line unless duplicate suppression rejects it. It
// reports whether the line was appended.
func (u *Unit) Add(line tokenline.Line) bool {
	if !line.Valid {
		return false
	}
	if u.removeDuplicates {
		if n := len(u.Lines); n > 0 {
			if line.Equal(u.Lines[n-1]) {
				return false
			}
		} else if u.Boundary != nil && line.Equal(*u.Boundary) {
			return false
		}
	}
	u.Lines = append(u.Lines, line)
	u.added++
	return true
}

// Len is the number of lines, carried ones included.
func (u *Unit) Len() int {
	return len(u.Lines)
}

// Added is the number of lines appended through Add; lines carried over from
// the previous unit do not count.
func (u *Unit) Added() int {
	return u.added
}

// next starts the unit that follows u once u is sealed. With a positive renew
// rate the lines from index renew onward are carried into it.
func (u *Unit) next(renew int) *Unit {
	var boundary *tokenline.Line
	if n := len(u.Lines); n > 0 {
		last := u.Lines[n-1]
		boundary = &last
	}

	var seed []tokenline.Line
	if renew > 0 && renew < len(u.Lines) {
		seed = slices.Clone(u.Lines[renew:])
	}
	return newUnit(u.removeDuplicates, boundary, seed)
}

// Entry is one unit of a batch together with its source file.
type Entry struct {
	Unit *Unit
	File string
}

// Batch is an ordered group of units.
type Batch []Entry

// Lines flattens the batch in unit order.
func (b Batch) Lines() []tokenline.Line {
	out := make([]tokenline.Line, 0, b.LineCount())
	for _, e := range b {
		out = append(out, e.Unit.Lines...)
	}
	return out
}

// LineCount is the total number of lines over every unit.
func (b Batch) LineCount() int {
	n := 0
	for _, e := range b {
		n += e.Unit.Len()
	}
	return n
}
