package hypersphere

import (
	"context"
	"fmt"
	"iter"
	"math"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/metrics"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/vocab"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/window"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
)

// PretrainOptions controls the word-model passes run before calibration.
type PretrainOptions struct {
	Epochs   int
	DevEvery int // Batches between dev evaluations; 0 disables them
	Workers  int // Positions processed concurrently; 0 means all
}

// PositionEval is the prediction quality of one position's encoder.
type PositionEval struct {
	Position int
	Loss     float64 // Mean cross-entropy
	Accuracy float64 // NaN when the encoder does not predict tokens
}

// Evaluation is the outcome of one pass over a dataset without training.
type Evaluation struct {
	Lines     int
	Positions []PositionEval
}

// MeanLoss averages the loss over positions.
func (e Evaluation) MeanLoss() float64 {
	if len(e.Positions) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, p := range e.Positions {
		sum += p.Loss
	}
	return sum / float64(len(e.Positions))
}

// Pretrainer fits every encoder of a model to predict its position from the
// rest of the line, with plain cross-entropy.
type Pretrainer struct {
	model  *Model
	vocab  *vocab.Vocabulary
	opts   PretrainOptions
	logger zerolog.Logger
}

func NewPretrainer(model *Model, v *vocab.Vocabulary, opts PretrainOptions, logger zerolog.Logger) (*Pretrainer, error) {
	if opts.Epochs <= 0 {
		return nil, fmt.Errorf("%w: pretraining epochs must be > 0", common.ErrInvalidConfig)
	}
	if opts.DevEvery < 0 {
		return nil, fmt.Errorf("%w: dev evaluation interval must be >= 0", common.ErrInvalidConfig)
	}
	return &Pretrainer{
		model:  model,
		vocab:  v,
		opts:   opts,
		logger: logger.With().Str("component", "pretrainer").Str("model", model.ID.String()).Logger(),
	}, nil
}

func (p *Pretrainer) lines(b window.Batch) ([][]int, error) {
	lines := EncodeBatch(b, p.vocab)
	for _, l := range lines {
		if len(l) != p.model.LineLength() {
			return nil, common.ShapeError("line length", p.model.LineLength(), len(l))
		}
	}
	return lines, nil
}

// Pretrain runs the configured number of epochs over train. Each batch takes
// one optimizer step per position on the mean loss of its lines. When dev is
// not nil the encoders are evaluated on it after the first batch and then
// every DevEvery batches.
func (p *Pretrainer) Pretrain(ctx context.Context, train, dev Source) error {
	m := p.model
	trainLoss := make([]float64, len(m.Spheres))
	trainAcc := make([]metrics.Accuracy, len(m.Spheres))

	nBatches := 0
	for epoch := 1; epoch <= p.opts.Epochs; epoch++ {
		p.logger.Info().Int("epoch", epoch).Msg("Pretraining encoders")
		epochLines := 0

		for b, err := range train(ctx) {
			if err != nil {
				return err
			}
			lines, err := p.lines(b)
			if err != nil {
				return err
			}
			if len(lines) == 0 {
				continue
			}

			err = forEachPosition(ctx, m.Spheres, p.opts.Workers, func(ctx context.Context, s *Sphere) error {
				contexts, targets := Mask(lines, s.Position)
				pass, err := s.Encoder.Forward(ctx, contexts, targets)
				if err != nil {
					return fmt.Errorf("position %d: %w", s.Position, err)
				}
				ones := make([]float64, pass.Rows())
				for i := range ones {
					ones[i] = 1
				}
				if err := s.Encoder.Backward(pass, nil, ones); err != nil {
					return fmt.Errorf("position %d: %w", s.Position, err)
				}
				s.Encoder.Step(1 / float64(pass.Rows()))

				trainLoss[s.Position] = floats.Sum(pass.Loss) / float64(pass.Rows())
				if pass.Predicted != nil {
					return trainAcc[s.Position].Add(targets, pass.Predicted)
				}
				return nil
			})
			if err != nil {
				return err
			}

			if dev != nil && p.opts.DevEvery > 0 && nBatches%p.opts.DevEvery == 0 {
				if err := p.report(ctx, dev, epoch, nBatches, trainLoss, trainAcc); err != nil {
					return err
				}
			}
			nBatches++
			epochLines += len(lines)
		}

		if epochLines == 0 {
			return fmt.Errorf("%w: no training lines for pretraining", common.ErrEmptyDataset)
		}
		p.logger.Info().Int("epoch", epoch).Int("lines", epochLines).Int("batches_total", nBatches).Msg("Pretraining epoch finished")
	}
	return nil
}

func (p *Pretrainer) report(ctx context.Context, dev Source, epoch, batch int, trainLoss []float64, trainAcc []metrics.Accuracy) error {
	ev, err := p.Evaluate(ctx, dev(ctx))
	if err != nil {
		return fmt.Errorf("dev evaluation: %w", err)
	}
	for _, pe := range ev.Positions {
		p.logger.Info().
			Int("position", pe.Position).
			Int("epoch", epoch).
			Int("batch", batch).
			Float64("train_loss", trainLoss[pe.Position]).
			Float64("train_accuracy", trainAcc[pe.Position].Last()).
			Float64("dev_loss", pe.Loss).
			Float64("dev_accuracy", pe.Accuracy).
			Msg("Pretraining progress")
	}
	return nil
}

// Evaluate measures the mean loss and accuracy of every encoder over batches
// without updating them. A dataset without lines yields NaN values.
func (p *Pretrainer) Evaluate(ctx context.Context, batches iter.Seq2[window.Batch, error]) (Evaluation, error) {
	m := p.model
	sumLoss := make([]float64, len(m.Spheres))
	acc := make([]metrics.Accuracy, len(m.Spheres))
	predicts := make([]bool, len(m.Spheres))

	total := 0
	for b, err := range batches {
		if err != nil {
			return Evaluation{}, err
		}
		lines, err := p.lines(b)
		if err != nil {
			return Evaluation{}, err
		}
		if len(lines) == 0 {
			continue
		}

		err = forEachPosition(ctx, m.Spheres, p.opts.Workers, func(ctx context.Context, s *Sphere) error {
			contexts, targets := Mask(lines, s.Position)
			pass, err := s.Encoder.Forward(ctx, contexts, targets)
			if err != nil {
				return fmt.Errorf("position %d: %w", s.Position, err)
			}
			sumLoss[s.Position] += floats.Sum(pass.Loss)
			if pass.Predicted == nil {
				return nil
			}
			predicts[s.Position] = true
			return acc[s.Position].Add(targets, pass.Predicted)
		})
		if err != nil {
			return Evaluation{}, err
		}
		total += len(lines)
	}

	ev := Evaluation{Lines: total, Positions: make([]PositionEval, len(m.Spheres))}
	for pos := range ev.Positions {
		ev.Positions[pos] = PositionEval{Position: pos, Loss: math.NaN(), Accuracy: math.NaN()}
		if total > 0 {
			ev.Positions[pos].Loss = sumLoss[pos] / float64(total)
		}
		if predicts[pos] {
			ev.Positions[pos].Accuracy = acc[pos].Total()
		}
	}
	if total == 0 {
		p.logger.Warn().Msg("Evaluation dataset produced no lines")
	}
	return ev, nil
}

// Accuracies lists the accuracy of every position in order.
func (e Evaluation) Accuracies() []float64 {
	out := make([]float64, len(e.Positions))
	for i, p := range e.Positions {
		out[i] = p.Accuracy
	}
	return out
}
