// Package corpus enumerates corpus files and streams their raw lines.
package corpus

import (
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"

	internal "github.com/hnourtel/PAPUD-LogAnomalyDetection/logad"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"

	ignore "github.com/sabhiram/go-gitignore"
)

// WalkOptions controls file enumeration.
type WalkOptions struct {
	Shuffle    bool   // Shuffle each directory listing before descending
	TypeFilter string // Extension without the dot; empty means every file
	Recursive  bool   // Descend into sub-directories
	Rand       *rand.Rand
}

// Files lazily yields the files under path. A file path yields itself once
// when it passes the type filter. Directories are listed one level at a time,
// optionally shuffled, and entries matching an ignore file of their directory
// or of any walked directory above it are skipped. The sequence is single-pass.
func Files(path string, opts WalkOptions) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				err = fmt.Errorf("%w: %s", common.ErrPathNotFound, path)
			}
			yield("", err)
			return
		}

		if !info.IsDir() {
			if opts.accepts(path) {
				yield(path, nil)
			}
			return
		}

		w := walk{opts: opts}
		w.dir(path, nil, yield)
	}
}

type walk struct {
	opts WalkOptions
}

// scopedIgnore is the ignore file of one directory. Its patterns are matched
// against paths relative to that directory.
type scopedIgnore struct {
	base    string
	matcher *ignore.GitIgnore
}

// dir returns false once the consumer stopped pulling. Ignore files of dir
// and of every directory above it, up to the walked root, apply to its
// entries.
func (w walk) dir(dir string, inherited []scopedIgnore, yield func(string, error) bool) bool {
	matcher, err := loadIgnore(dir)
	if err != nil {
		return yield("", err)
	}
	scopes := inherited
	if matcher != nil {
		scopes = append(slices.Clip(inherited), scopedIgnore{base: dir, matcher: matcher})
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return yield("", fmt.Errorf("failed to list %s: %w", dir, err))
	}

	if w.opts.Shuffle {
		shuffle := rand.Shuffle
		if w.opts.Rand != nil {
			shuffle = w.opts.Rand.Shuffle
		}
		shuffle(len(entries), func(i, j int) { entries[i], entries[j] = entries[j], entries[i] })
	}

	for _, entry := range entries {
		itemPath := filepath.Join(dir, entry.Name())
		if skipped(scopes, itemPath, entry.Name()) {
			continue
		}

		switch {
		case entry.IsDir():
			if w.opts.Recursive && !w.dir(itemPath, scopes, yield) {
				return false
			}
		case entry.Type().IsRegular():
			if w.opts.accepts(itemPath) && !yield(itemPath, nil) {
				return false
			}
		}
	}
	return true
}

func skipped(scopes []scopedIgnore, itemPath, name string) bool {
	if name == internal.DefaultIgnoreFile {
		return true
	}
	for _, s := range scopes {
		rel, err := filepath.Rel(s.base, itemPath)
		if err != nil {
			continue
		}
		if s.matcher.MatchesPath(filepath.ToSlash(rel)) {
			return true
		}
	}
	return false
}

func (o WalkOptions) accepts(path string) bool {
	if o.TypeFilter == "" {
		return true
	}
	return Extension(path) == strings.TrimPrefix(o.TypeFilter, ".")
}

// Extension returns the file extension of path without its leading dot.
func Extension(path string) string {
	return strings.TrimPrefix(filepath.Ext(path), ".")
}

// loadIgnore compiles the ignore file of dir, if present.
func loadIgnore(dir string) (*ignore.GitIgnore, error) {
	ignorePath := filepath.Join(dir, internal.DefaultIgnoreFile)
	if _, err := os.Stat(ignorePath); err == nil {
		matcher, err := ignore.CompileIgnoreFile(ignorePath)
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", ignorePath, err)
		}
		return matcher, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("error checking for %s: %w", ignorePath, err)
	}
	return nil, nil
}
