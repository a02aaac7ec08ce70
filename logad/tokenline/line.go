// Package tokenline turns raw log records into fixed-length token lines.
package tokenline

import (
	"slices"
	"strings"
)

// Reserved tokens shared with the vocabulary.
const (
	PadToken     = "[pad]"
	UnknownToken = "[uknw]"
)

// Line is one normalized record. Tokens always holds exactly the requested
// length for a valid line built with a positive length. Invalid lines carry
// no tokens and must be dropped by every consumer.
type Line struct {
	Tokens    []string
	Valid     bool
	Timestamp string

	format Format
	key    string
}

// Normalize lowercases raw, strips its line terminator, splits it on the
// format delimiter and projects the semantic fields, then pads or truncates
// them to length. A length of 0 keeps the natural width of the format.
// Malformed records come back with Valid set to false.
func Normalize(format Format, raw string, length int) Line {
	body := strings.ToLower(strings.TrimRight(raw, "\r\n"))
	if strings.TrimSpace(body) == "" {
		return Line{format: format}
	}

	ts, tokens, key, ok := format.extract(strings.Split(body, format.Separator()))
	if !ok {
		return Line{format: format}
	}

	return Line{
		Tokens:    AdjustToLength(tokens, length),
		Valid:     true,
		Timestamp: ts,
		format:    format,
		key:       key,
	}
}

// AdjustToLength truncates or pads tokens to the target length with PadToken.
// If target <= 0 or the length already matches, the original slice is returned.
func AdjustToLength(tokens []string, target int) []string {
	if target <= 0 || len(tokens) == target {
		return tokens
	}
	if len(tokens) > target {
		return tokens[:target:target]
	}
	out := make([]string, target)
	copy(out, tokens)
	for i := len(tokens); i < target; i++ {
		out[i] = PadToken
	}
	return out
}

// Resize returns the line fitted to a new length.
func (l Line) Resize(length int) Line {
	if !l.Valid {
		return l
	}
	l.Tokens = AdjustToLength(l.Tokens, length)
	return l
}

// Equal reports whether both lines carry the same tokens at the same positions.
func (l Line) Equal(other Line) bool {
	return l.Valid == other.Valid && slices.Equal(l.Tokens, other.Tokens)
}

// Key identifies the event behind the line for labelling against known
// anomalous events: timestamp, source user, source and destination computer.
func (l Line) Key() string {
	return l.key
}

// Format returns the format the line was normalized with.
func (l Line) Format() Format {
	return l.format
}

// Len is the number of tokens.
func (l Line) Len() int {
	return len(l.Tokens)
}

func (l Line) String() string {
	return strings.Join(l.Tokens, l.format.Separator())
}
