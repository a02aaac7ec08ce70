// Package metrics labels scored lines with known red-team events and turns
// anomaly decisions into confusion counts.
package metrics

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/corpus"

	"github.com/armon/go-radix"
	"github.com/rs/zerolog"
)

// LabelIndexStats tracks lookups against the index
type LabelIndexStats struct {
	Keys          int64
	Lookups       int64
	Hits          int64
	PrefixLookups int64
}

// LabelIndex is a set of known anomalous event keys backed by a radix tree.
// Keys share long timestamp prefixes, which the tree compresses, and prefix
// walks answer "every red-team event at this timestamp".
type LabelIndex struct {
	tree   *radix.Tree
	mu     sync.RWMutex
	stats  LabelIndexStats
	logger zerolog.Logger
}

// NewLabelIndex creates an empty index
func NewLabelIndex(logger zerolog.Logger) *LabelIndex {
	return &LabelIndex{
		tree:   radix.New(),
		logger: logger.With().Str("component", "labels").Logger(),
	}
}

// LoadLabels reads one event key per line from path. Plain and compressed
// files are accepted; blank lines are ignored.
func LoadLabels(path string, logger zerolog.Logger) (*LabelIndex, error) {
	idx := NewLabelIndex(logger)
	for raw, err := range corpus.Lines(path) {
		if err != nil {
			return nil, fmt.Errorf("failed to read labels %s: %w", path, err)
		}
		idx.Insert(raw)
	}
	idx.logger.Info().Str("path", path).Int64("keys", idx.Size()).Msg("Red-team labels loaded")
	return idx, nil
}

// Insert adds a key. It reports whether the key was new.
func (idx *LabelIndex) Insert(key string) bool {
	key = normalizeKey(key)
	if key == "" {
		return false
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, updated := idx.tree.Insert(key, struct{}{})
	if !updated {
		idx.stats.Keys++
	}
	return !updated
}

// Contains reports whether key is a known anomalous event.
func (idx *LabelIndex) Contains(key string) bool {
	key = normalizeKey(key)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, found := idx.tree.Get(key)
	idx.stats.Lookups++
	if found {
		idx.stats.Hits++
	}
	return found
}

// WithPrefix returns every key starting with prefix, in lexical order.
func (idx *LabelIndex) WithPrefix(prefix string) []string {
	prefix = normalizeKey(prefix)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	var keys []string
	idx.tree.WalkPrefix(prefix, func(key string, _ interface{}) bool {
		keys = append(keys, key)
		return false
	})
	idx.stats.PrefixLookups++

	idx.logger.Debug().Str("prefix", prefix).Int("results_count", len(keys)).Msg("Prefix lookup completed")
	return keys
}

// Size returns the number of distinct keys
func (idx *LabelIndex) Size() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.stats.Keys
}

// GetStats returns a copy of the current statistics
func (idx *LabelIndex) GetStats() LabelIndexStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.stats
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimRight(key, "\r\n")))
}
