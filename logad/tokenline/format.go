package tokenline

import (
	"fmt"
	"strings"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"
)

// Format identifies one supported raw line layout. The set is closed; every
// per-format behaviour is selected by a switch on the value.
type Format int

const (
	// FormatLANL is the LANL authentication log:
	// time,src user@domain,dst user@domain,src computer,dst computer,
	// auth type,logon type,auth orientation,success/failure
	FormatLANL Format = iota + 1
)

// lanlColumns is the number of comma separated columns of a LANL record.
const lanlColumns = 9

// ParseFormat resolves a configured format or corpus name.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "lanl":
		return FormatLANL, nil
	default:
		return 0, fmt.Errorf("%w: %q", common.ErrUnknownFormat, name)
	}
}

func (f Format) String() string {
	switch f {
	case FormatLANL:
		return "lanl"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Valid reports whether f is one of the supported formats.
func (f Format) Valid() bool {
	return f == FormatLANL
}

// Separator is the column delimiter of the raw format.
func (f Format) Separator() string {
	switch f {
	case FormatLANL:
		return ","
	default:
		return " "
	}
}

// Width is the number of semantic tokens the format extracts from a valid line.
func (f Format) Width() int {
	switch f {
	case FormatLANL:
		return lanlColumns - 1
	default:
		return 0
	}
}

// extract projects split columns onto the semantic fields. ok is false when
// the columns do not form a valid record.
func (f Format) extract(columns []string) (timestamp string, tokens []string, key string, ok bool) {
	switch f {
	case FormatLANL:
		if len(columns) < lanlColumns {
			return "", nil, "", false
		}
		// Timestamp is dropped from the semantic fields
		tokens = make([]string, lanlColumns-1)
		copy(tokens, columns[1:lanlColumns])
		key = strings.Join([]string{columns[0], columns[1], columns[3], columns[4]}, ",")
		return columns[0], tokens, key, true
	default:
		return "", nil, "", false
	}
}
