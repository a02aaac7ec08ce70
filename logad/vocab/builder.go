package vocab

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/corpus"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/tokenline"

	"github.com/rs/zerolog"
)

// Builder counts token occurrences over normalized lines.
type Builder struct {
	minOccurrence int
	counts        map[string]int
	order         map[string]int
	lines         int
}

// NewBuilder returns a builder that keeps tokens seen at least minOccurrence times.
func NewBuilder(minOccurrence int) *Builder {
	return &Builder{
		minOccurrence: minOccurrence,
		counts:        make(map[string]int),
		order:         make(map[string]int),
	}
}

// Add counts the tokens of a valid line.
func (b *Builder) Add(line tokenline.Line) {
	if !line.Valid {
		return
	}
	b.lines++
	for _, tok := range line.Tokens {
		if _, seen := b.order[tok]; !seen {
			b.order[tok] = len(b.order)
		}
		b.counts[tok]++
	}
}

// Lines is the number of valid lines counted.
func (b *Builder) Lines() int {
	return b.lines
}

// Build indexes the retained tokens by descending count, first appearance
// breaking ties.
func (b *Builder) Build() *Vocabulary {
	kept := make([]string, 0, len(b.counts))
	for tok, n := range b.counts {
		if n >= b.minOccurrence {
			kept = append(kept, tok)
		}
	}
	slices.SortFunc(kept, func(x, y string) int {
		if c := cmp.Compare(b.counts[y], b.counts[x]); c != 0 {
			return c
		}
		return cmp.Compare(b.order[x], b.order[y])
	})
	return New(kept)
}

// BuildFromPath walks every file below path recursively and builds a
// vocabulary from the untruncated tokens of its valid lines.
func BuildFromPath(ctx context.Context, path string, format tokenline.Format, minOccurrence int, logger zerolog.Logger) (*Vocabulary, error) {
	b := NewBuilder(minOccurrence)
	for file, err := range corpus.Files(path, corpus.WalkOptions{Recursive: true}) {
		if err != nil {
			return nil, err
		}
		if err := common.ValidateContextCancellation(ctx); err != nil {
			return nil, err
		}
		logger.Debug().Str("file", file).Msg("Counting vocabulary")
		for raw, err := range corpus.Lines(file) {
			if err != nil {
				return nil, err
			}
			b.Add(tokenline.Normalize(format, raw, 0))
		}
	}
	if b.Lines() == 0 {
		return nil, fmt.Errorf("%w: %s", common.ErrEmptyDataset, path)
	}

	v := b.Build()
	logger.Info().
		Int("lines", b.Lines()).
		Int("distinct_tokens", len(b.counts)).
		Int("indexed_tokens", v.Size()).
		Int("min_occurrence", minOccurrence).
		Msg("Vocabulary built")
	return v, nil
}

// LoadOrBuild reads the cache at cachePath when it exists, otherwise builds
// from path and writes the cache. An empty cachePath disables caching.
func LoadOrBuild(ctx context.Context, cachePath, path string, format tokenline.Format, minOccurrence int, logger zerolog.Logger) (*Vocabulary, error) {
	if cachePath != "" {
		if err := common.ValidatePathExists(cachePath); err == nil {
			logger.Info().Str("path", cachePath).Msg("Loading vocabulary from cache")
			return Load(cachePath)
		}
	}

	v, err := BuildFromPath(ctx, path, format, minOccurrence, logger)
	if err != nil {
		return nil, err
	}
	if cachePath != "" {
		if err := v.Save(cachePath); err != nil {
			return nil, err
		}
	}
	return v, nil
}
