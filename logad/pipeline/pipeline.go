// Package pipeline ties the corpus, the windowing engine and the hypersphere
// model into the train and test passes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"math/rand/v2"
	"path/filepath"

	internal "github.com/hnourtel/PAPUD-LogAnomalyDetection/logad"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/config"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/corpus"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/encoder"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/hypersphere"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/metrics"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/store"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/tokenline"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/vocab"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/window"

	"github.com/rs/zerolog"
)

// ModelStore is the persistence boundary of the pipeline.
type ModelStore interface {
	Save(ctx context.Context, corpus string, m *hypersphere.Model) error
	Latest(ctx context.Context, corpus string) (*hypersphere.Model, error)
	LatestPretrained(ctx context.Context, corpus string) (*hypersphere.Model, error)
}

// Pipeline runs training and testing over one corpus layout.
type Pipeline struct {
	cfg    *config.Config
	layout *corpus.Layout
	format tokenline.Format
	store  ModelStore
	rng    *rand.Rand
	closer io.Closer
	base   zerolog.Logger // handed to the components, which add their own context
	logger zerolog.Logger
}

// Open builds a pipeline from cfg alone: the logger follows logging.level and
// models are kept in the store.dsn database. Close releases the store.
func Open(cfg *config.Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := internal.GetLoggerWithLevel(cfg.Logging.Level)
	models, err := store.Open(cfg.Store.DSN, cfg.Store.AuthToken, logger)
	if err != nil {
		return nil, err
	}
	p, err := New(cfg, models, logger)
	if err != nil {
		models.Close()
		return nil, err
	}
	p.closer = models
	return p, nil
}

// Close releases the model store opened by Open.
func (p *Pipeline) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

// New checks the configuration and the corpus layout. models may be nil, in
// which case trained models are not persisted.
func New(cfg *config.Config, models ModelStore, logger zerolog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	format, err := tokenline.ParseFormat(cfg.Corpus.Format)
	if err != nil {
		return nil, err
	}
	layout, err := corpus.OpenLayout(cfg.Corpus.Root, cfg.Corpus.Name, false, logger)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:    cfg,
		layout: layout,
		format: format,
		store:  models,
		rng:    rand.New(rand.NewPCG(cfg.Encoder.Seed, cfg.Encoder.Seed+1)),
		base:   logger,
		logger: logger.With().Str("component", "pipeline").Str("corpus", cfg.Corpus.Name).Logger(),
	}, nil
}

// Layout returns the corpus layout in use.
func (p *Pipeline) Layout() *corpus.Layout {
	return p.layout
}

func (p *Pipeline) vocabularyPath() string {
	if p.cfg.Vocab.CachePath != "" {
		return p.cfg.Vocab.CachePath
	}
	return p.layout.VocabularyPath
}

// Vocabulary loads the cached vocabulary or builds it from the train split.
func (p *Pipeline) Vocabulary(ctx context.Context) (*vocab.Vocabulary, error) {
	return vocab.LoadOrBuild(ctx, p.vocabularyPath(), p.layout.TrainPath, p.format, p.cfg.Vocab.MinOccurrence, p.base)
}

func (p *Pipeline) windowOptions(w config.WindowConfig) window.Options {
	return window.Options{
		Format:           p.format,
		LineLength:       p.cfg.Encoder.LineLength,
		UnitSize:         w.UnitSize,
		BatchSize:        w.BatchSize,
		RenewRate:        w.RenewRate,
		FlushPartial:     w.FlushPartial,
		RemoveDuplicates: w.RemoveDuplicates,
		Walk: corpus.WalkOptions{
			Shuffle:    p.cfg.Corpus.Shuffle,
			TypeFilter: p.cfg.Corpus.TypeFilter,
			Recursive:  p.cfg.Corpus.Recursive,
			Rand:       p.rng,
		},
	}
}

// Batches streams one split with the given windowing parameters.
func (p *Pipeline) Batches(ctx context.Context, split corpus.Split, w config.WindowConfig) iter.Seq2[window.Batch, error] {
	path, err := p.layout.Path(split)
	if err != nil {
		return func(yield func(window.Batch, error) bool) { yield(nil, err) }
	}
	return window.Stream(ctx, path, p.windowOptions(w), p.base)
}

// NewModel builds an uncalibrated model with one fresh encoder per position.
func (p *Pipeline) NewModel(v *vocab.Vocabulary) (*hypersphere.Model, error) {
	e := p.cfg.Encoder
	encoders := make([]encoder.FieldEncoder, e.LineLength)
	for pos := range encoders {
		enc, err := encoder.New(e.Provider, encoder.Options{
			VocabSize:     v.Size(),
			ContextLength: e.LineLength - 1,
			EmbeddingSize: e.EmbeddingSize,
			HiddenSizes:   e.HiddenSizes,
			LearningRate:  e.LearningRate,
			Seed:          e.Seed + uint64(pos),
		})
		if err != nil {
			return nil, fmt.Errorf("encoder for position %d: %w", pos, err)
		}
		encoders[pos] = enc
	}

	return hypersphere.NewModel(p.params(), encoders)
}

func (p *Pipeline) params() hypersphere.Params {
	h := p.cfg.Hypersphere
	return hypersphere.Params{Nu: h.Nu, Eps: h.Eps, LossRepeat: h.LossRepeat}
}

// Pretrain fits fresh encoders to predict every field of the train lines,
// reports dev loss and accuracy along the way, and saves the result as a
// pretrained model.
func (p *Pipeline) Pretrain(ctx context.Context) (*hypersphere.Model, error) {
	v, err := p.Vocabulary(ctx)
	if err != nil {
		return nil, err
	}
	return p.pretrain(ctx, v)
}

func (p *Pipeline) pretrain(ctx context.Context, v *vocab.Vocabulary) (*hypersphere.Model, error) {
	model, err := p.NewModel(v)
	if err != nil {
		return nil, err
	}
	pt, err := hypersphere.NewPretrainer(model, v, hypersphere.PretrainOptions{
		Epochs:   p.cfg.Pretrain.Epochs,
		DevEvery: p.cfg.Pretrain.DevEvery,
		Workers:  p.cfg.Hypersphere.Workers,
	}, p.base)
	if err != nil {
		return nil, err
	}

	p.logger.Info().Str("model", model.ID.String()).Int("vocabulary_size", v.Size()).Msg("Pretraining started")
	train := func(ctx context.Context) iter.Seq2[window.Batch, error] {
		return p.Batches(ctx, corpus.SplitTrain, p.cfg.Window)
	}
	dev := func(ctx context.Context) iter.Seq2[window.Batch, error] {
		// Whole dev files, one batch each
		return p.Batches(ctx, corpus.SplitDev, config.WindowConfig{UnitSize: 1, BatchSize: 0})
	}
	if err := pt.Pretrain(ctx, train, dev); err != nil {
		return nil, fmt.Errorf("pretraining failed: %w", err)
	}

	if p.store != nil {
		if err := p.store.Save(ctx, p.cfg.Corpus.Name, model); err != nil {
			return nil, err
		}
	}
	p.logger.Info().Str("model", model.ID.String()).Msg("Pretraining finished")
	return model, nil
}

// startingModel returns the model calibration starts from. With pretraining
// enabled its encoders come from the latest stored pretrained model when
// reuse is asked for and that model fits the vocabulary, and from a new
// pretraining pass otherwise.
func (p *Pipeline) startingModel(ctx context.Context, v *vocab.Vocabulary) (*hypersphere.Model, error) {
	if !p.cfg.Pretrain.Enabled {
		return p.NewModel(v)
	}

	var pre *hypersphere.Model
	if p.cfg.Pretrain.Reuse && p.store != nil {
		prev, err := p.store.LatestPretrained(ctx, p.cfg.Corpus.Name)
		switch {
		case errors.Is(err, store.ErrModelNotFound):
			p.logger.Info().Msg("No pretrained model stored, pretraining")
		case err != nil:
			return nil, err
		case !fitsVocabulary(prev, v, p.cfg.Encoder.LineLength):
			p.logger.Warn().Str("previous", prev.ID.String()).Msg("Pretrained model does not fit the vocabulary, pretraining")
		default:
			p.logger.Info().Str("previous", prev.ID.String()).Msg("Encoders loaded from pretrained model")
			pre = prev
		}
	}
	if pre == nil {
		var err error
		if pre, err = p.pretrain(ctx, v); err != nil {
			return nil, err
		}
	}

	// The calibrated model gets its own identity
	encoders := make([]encoder.FieldEncoder, pre.LineLength())
	for pos, s := range pre.Spheres {
		encoders[pos] = s.Encoder
	}
	return hypersphere.NewModel(p.params(), encoders)
}

func fitsVocabulary(m *hypersphere.Model, v *vocab.Vocabulary, lineLength int) bool {
	if m.LineLength() != lineLength {
		return false
	}
	for _, s := range m.Spheres {
		if n := s.Encoder.State().VocabSize; n != 0 && n != v.Size() {
			return false
		}
	}
	return true
}

// Train calibrates a model on the train split, starting from pretrained
// encoders unless pretraining is disabled, and saves it.
func (p *Pipeline) Train(ctx context.Context) (*hypersphere.Model, error) {
	v, err := p.Vocabulary(ctx)
	if err != nil {
		return nil, err
	}
	model, err := p.startingModel(ctx, v)
	if err != nil {
		return nil, err
	}

	h := p.cfg.Hypersphere
	if h.ReuseCenters {
		p.reuseCenters(ctx, model)
	}

	p.logger.Info().
		Str("model", model.ID.String()).
		Int("vocabulary_size", v.Size()).
		Int("positions", model.LineLength()).
		Msg("Training started")

	cal, err := hypersphere.NewCalibrator(model, v, hypersphere.CalibratorOptions{
		BackpropWindow: h.BackpropWindow,
		Epochs:         h.Epochs,
		Workers:        h.Workers,
		LogEvery:       h.LogEvery,
		ReuseCenters:   h.ReuseCenters,
	}, p.base)
	if err != nil {
		return nil, err
	}

	source := func(ctx context.Context) iter.Seq2[window.Batch, error] {
		return p.Batches(ctx, corpus.SplitTrain, p.cfg.Window)
	}
	if err := cal.Calibrate(ctx, source); err != nil {
		return nil, fmt.Errorf("calibration failed: %w", err)
	}

	if p.store != nil {
		if err := p.store.Save(ctx, p.cfg.Corpus.Name, model); err != nil {
			return nil, err
		}
	}
	p.logger.Info().Str("model", model.ID.String()).Floats64("radii", model.Radii()).Msg("Training finished")
	return model, nil
}

// reuseCenters copies the centers of the latest stored model when their
// shape matches.
func (p *Pipeline) reuseCenters(ctx context.Context, model *hypersphere.Model) {
	if p.store == nil {
		return
	}
	prev, err := p.store.Latest(ctx, p.cfg.Corpus.Name)
	if err != nil {
		if !errors.Is(err, store.ErrModelNotFound) {
			p.logger.Warn().Err(err).Msg("Could not load previous model, estimating centers")
		}
		return
	}
	if err := model.SetCenters(prev.Centers()); err != nil {
		p.logger.Warn().Err(err).Str("previous", prev.ID.String()).Msg("Previous centers do not fit, estimating centers")
		return
	}
	p.logger.Info().Str("previous", prev.ID.String()).Msg("Centers loaded from previous model")
}

// Test scores the test split. A nil model means the latest stored one.
func (p *Pipeline) Test(ctx context.Context, model *hypersphere.Model) (*metrics.Report, error) {
	if model == nil {
		if p.store == nil {
			return nil, fmt.Errorf("no model given and no model store configured")
		}
		var err error
		if model, err = p.store.Latest(ctx, p.cfg.Corpus.Name); err != nil {
			return nil, err
		}
	}

	v, err := p.Vocabulary(ctx)
	if err != nil {
		return nil, err
	}
	labels, err := p.labels()
	if err != nil {
		return nil, err
	}
	scorer, err := hypersphere.NewScorer(model, v, p.cfg.Hypersphere.Workers, p.base)
	if err != nil {
		return nil, err
	}

	report := metrics.NewReport(labels)
	nBatches := 0
	for b, err := range p.Batches(ctx, corpus.SplitTest, p.cfg.Test.WindowConfig) {
		if err != nil {
			return nil, err
		}
		scores, err := scorer.ScoreBatch(ctx, b)
		if err != nil {
			return nil, err
		}
		for i, line := range b.Lines() {
			report.Add(line.Key(), scores[i].Total, scores[i].Anomaly)
		}

		nBatches++
		if every := p.cfg.Hypersphere.LogEvery; every > 0 && nBatches%every == 0 {
			p.logger.Debug().Int("batches", nBatches).Uint64("lines", report.Lines()).Msg("Test progress")
		}
	}

	event := p.logger.Info().
		Str("model", model.ID.String()).
		Uint64("lines", report.Lines()).
		Uint64("inside", report.Inside).
		Uint64("outside", report.Outside)
	if c, ok := report.Confusion(); ok {
		event = event.
			Uint64("true_positives", c.TruePositives).
			Uint64("false_positives", c.FalsePositives).
			Float64("precision", c.Precision()).
			Float64("recall", c.Recall()).
			Float64("f_measure", c.FMeasure())
	}
	event.Msg("Test finished")
	return report, nil
}

func (p *Pipeline) labels() (*metrics.LabelIndex, error) {
	path := p.cfg.Test.RedteamFile
	if path == "" {
		return nil, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.layout.Root, path)
	}
	return metrics.LoadLabels(path, p.base)
}
