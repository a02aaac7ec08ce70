// Package vocab maps tokens to the integer indices consumed by the encoders.
package vocab

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/tokenline"
)

// Reserved indices.
const (
	PadIndex     = 0
	UnknownIndex = 1
)

// Vocabulary is an immutable bidirectional token/index mapping. It is safe
// for concurrent readers.
type Vocabulary struct {
	index  map[string]int
	tokens []string
}

// New builds a vocabulary from tokens in index order, after the two reserved
// entries. Duplicates and reserved tokens in the input are ignored.
func New(tokens []string) *Vocabulary {
	v := &Vocabulary{
		index:  make(map[string]int, len(tokens)+2),
		tokens: make([]string, 0, len(tokens)+2),
	}
	v.add(tokenline.PadToken)
	v.add(tokenline.UnknownToken)
	for _, tok := range tokens {
		v.add(tok)
	}
	return v
}

func (v *Vocabulary) add(tok string) {
	if _, ok := v.index[tok]; ok {
		return
	}
	v.index[tok] = len(v.tokens)
	v.tokens = append(v.tokens, tok)
}

// Size is the number of indices, reserved ones included.
func (v *Vocabulary) Size() int {
	return len(v.tokens)
}

// Encode returns the index of tok, or UnknownIndex.
func (v *Vocabulary) Encode(tok string) int {
	if i, ok := v.index[tok]; ok {
		return i
	}
	return UnknownIndex
}

// Decode returns the token at index i, or UnknownToken when out of range.
func (v *Vocabulary) Decode(i int) string {
	if i < 0 || i >= len(v.tokens) {
		return tokenline.UnknownToken
	}
	return v.tokens[i]
}

// EncodeLine encodes every token of a line.
func (v *Vocabulary) EncodeLine(tokens []string) []int {
	out := make([]int, len(tokens))
	for i, tok := range tokens {
		out[i] = v.Encode(tok)
	}
	return out
}

// DecodeLine is the inverse of EncodeLine.
func (v *Vocabulary) DecodeLine(indices []int) []string {
	out := make([]string, len(indices))
	for i, idx := range indices {
		out[i] = v.Decode(idx)
	}
	return out
}

// Tokens returns the non-reserved tokens in index order.
func (v *Vocabulary) Tokens() []string {
	out := make([]string, len(v.tokens)-2)
	copy(out, v.tokens[2:])
	return out
}

type vocabularyJSON struct {
	Tokens []string `json:"tokens"`
}

// MarshalJSON stores the non-reserved tokens in index order.
func (v *Vocabulary) MarshalJSON() ([]byte, error) {
	return json.Marshal(vocabularyJSON{Tokens: v.Tokens()})
}

// UnmarshalJSON rebuilds the mapping from MarshalJSON output.
func (v *Vocabulary) UnmarshalJSON(data []byte) error {
	var raw vocabularyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("error unmarshalling vocabulary: %w", err)
	}
	*v = *New(raw.Tokens)
	return nil
}

// Save writes the vocabulary cache file.
func (v *Vocabulary) Save(path string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write vocabulary cache %s: %w", path, err)
	}
	return nil
}

// Load reads a vocabulary cache file written by Save.
func Load(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary cache %s: %w", path, err)
	}
	v := &Vocabulary{}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}
