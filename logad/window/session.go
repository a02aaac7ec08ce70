// Package window turns a stream of raw lines spread over many files into a
// finite sequence of bounded batches of fixed-length token lines.
package window

import (
	"context"
	"fmt"
	"io"
	"iter"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/corpus"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/tokenline"

	"github.com/rs/zerolog"
)

// State is the position of a session in its state machine.
type State int

const (
	StateAtNewFile State = iota
	StateAccumulatingUnit
	StateUnitSealed
	StateAtEndOfFile
	StateAtEndOfCorpus
)

func (s State) String() string {
	switch s {
	case StateAtNewFile:
		return "at_new_file"
	case StateAccumulatingUnit:
		return "accumulating_unit"
	case StateUnitSealed:
		return "unit_sealed"
	case StateAtEndOfFile:
		return "at_end_of_file"
	case StateAtEndOfCorpus:
		return "at_end_of_corpus"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options are the windowing parameters of one pass.
type Options struct {
	Format     tokenline.Format
	LineLength int

	UnitSize  int // Lines per unit
	BatchSize int // Units per batch; 0 emits exactly one batch per file
	RenewRate int // New lines per unit in sliding mode; 0 disables overlap

	FlushPartial     bool // Emit the last undersized unit of a file on its own
	RemoveDuplicates bool // Drop a line equal to the one before it

	Walk corpus.WalkOptions
}

// Validate checks the options before a session starts.
func (o Options) Validate() error {
	switch {
	case o.LineLength <= 0:
		return fmt.Errorf("%w: line length must be > 0", common.ErrInvalidConfig)
	case o.BatchSize < 0:
		return fmt.Errorf("%w: batch size must be >= 0", common.ErrInvalidConfig)
	case o.BatchSize > 0 && o.UnitSize <= 0:
		return fmt.Errorf("%w: unit size must be > 0", common.ErrInvalidConfig)
	case o.RenewRate < 0:
		return fmt.Errorf("%w: renew rate must be >= 0", common.ErrInvalidConfig)
	}
	if !o.Format.Valid() {
		return fmt.Errorf("%w: %v", common.ErrUnknownFormat, o.Format)
	}
	return nil
}

// Stats counts what a session consumed and produced.
type Stats struct {
	Files      int
	RawLines   int
	ValidLines int
	Units      int
	Batches    int
}

// Session is the generator state of one windowing pass. Every piece of
// carry-over state lives here, so independent sessions never interfere.
// A session is not safe for concurrent use.
type Session struct {
	opts   Options
	logger zerolog.Logger

	state State
	err   error
	stats Stats

	nextFile  func() (string, error, bool)
	stopFiles func()
	nextLine  func() (string, error, bool)
	stopLines func()

	file    string
	unit    *Unit
	pending Batch
}

// NewSession prepares a pass over path, a file or a directory.
func NewSession(path string, opts Options, logger zerolog.Logger) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := common.ValidatePathExists(path); err != nil {
		return nil, err
	}

	s := &Session{
		opts:   opts,
		logger: logger.With().Str("component", "window").Str("path", path).Logger(),
		state:  StateAtNewFile,
	}
	s.nextFile, s.stopFiles = iter.Pull2(corpus.Files(path, opts.Walk))
	return s, nil
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Stats returns the counters so far.
func (s *Session) Stats() Stats {
	return s.stats
}

func (s *Session) oneBatchPerFile() bool {
	return s.opts.BatchSize == 0
}

// Next advances the state machine until a batch is ready. It returns io.EOF
// once the corpus is exhausted and the last pending batch was delivered.
func (s *Session) Next(ctx context.Context) (Batch, error) {
	if s.err != nil {
		return nil, s.err
	}

	for {
		if err := common.ValidateContextCancellation(ctx); err != nil {
			return nil, err
		}

		switch s.state {
		case StateAtNewFile:
			file, err, ok := s.nextFile()
			if !ok {
				s.state = StateAtEndOfCorpus
				s.stopFiles()
				if len(s.pending) > 0 {
					return s.emit(s.takePending()), nil
				}
				continue
			}
			if err != nil {
				return nil, s.fail(err)
			}
			s.beginFile(file)

		case StateAccumulatingUnit:
			raw, err, ok := s.nextLine()
			if !ok {
				s.state = StateAtEndOfFile
				continue
			}
			if err != nil {
				return nil, s.fail(err)
			}
			s.stats.RawLines++

			line := tokenline.Normalize(s.opts.Format, raw, s.opts.LineLength)
			if !line.Valid {
				continue
			}
			s.stats.ValidLines++

			if s.unit.Add(line) && !s.oneBatchPerFile() && s.unit.Len() == s.opts.UnitSize {
				s.state = StateUnitSealed
			}

		case StateUnitSealed:
			s.pending = append(s.pending, Entry{Unit: s.unit, File: s.file})
			s.stats.Units++
			s.unit = s.unit.next(s.opts.RenewRate)
			s.state = StateAccumulatingUnit
			if len(s.pending) == s.opts.BatchSize {
				return s.emit(s.takePending()), nil
			}

		case StateAtEndOfFile:
			s.stopLines()
			s.state = StateAtNewFile
			s.logger.Debug().
				Str("file", s.file).
				Int("raw_lines_total", s.stats.RawLines).
				Int("units_total", s.stats.Units).
				Msg("End of file")

			if b := s.flush(); b != nil {
				return b, nil
			}

		case StateAtEndOfCorpus:
			return nil, io.EOF

		default:
			return nil, s.fail(fmt.Errorf("window: invalid state %v", s.state))
		}
	}
}

// beginFile resets every per-file field.
func (s *Session) beginFile(file string) {
	s.file = file
	s.stats.Files++
	s.unit = newUnit(s.opts.RemoveDuplicates, nil, nil)
	s.nextLine, s.stopLines = iter.Pull2(corpus.Lines(file))
	s.state = StateAccumulatingUnit
	s.logger.Debug().Str("file", file).Msg("Start of file")
}

// flush returns the singleton batch due at end of file, if any.
func (s *Session) flush() Batch {
	unit := s.unit
	s.unit = nil
	if unit == nil || unit.Len() == 0 {
		return nil
	}

	if s.oneBatchPerFile() {
		s.stats.Units++
		return s.emit(Batch{{Unit: unit, File: s.file}})
	}
	if s.opts.FlushPartial && unit.Added() > 0 {
		s.stats.Units++
		return s.emit(Batch{{Unit: unit, File: s.file}})
	}
	return nil
}

func (s *Session) takePending() Batch {
	b := s.pending
	s.pending = nil
	return b
}

func (s *Session) emit(b Batch) Batch {
	s.stats.Batches++
	return b
}

func (s *Session) fail(err error) error {
	s.err = err
	s.state = StateAtEndOfCorpus
	s.Close()
	return err
}

// Close releases the open file handles. Further calls to Next return io.EOF.
func (s *Session) Close() {
	if s.stopLines != nil {
		s.stopLines()
	}
	if s.stopFiles != nil {
		s.stopFiles()
	}
	s.state = StateAtEndOfCorpus
}

// Batches adapts the session to a range-over-func sequence. The session is
// closed when the sequence ends or the consumer stops early.
func (s *Session) Batches(ctx context.Context) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		defer s.Close()
		for {
			b, err := s.Next(ctx)
			if err == io.EOF {
				return
			}
			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}

// Stream opens a session over path and yields its batches.
func Stream(ctx context.Context, path string, opts Options, logger zerolog.Logger) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		s, err := NewSession(path, opts, logger)
		if err != nil {
			yield(nil, err)
			return
		}
		for b, err := range s.Batches(ctx) {
			if !yield(b, err) {
				return
			}
		}
	}
}
