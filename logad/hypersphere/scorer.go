package hypersphere

import (
	"context"
	"fmt"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/vocab"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/window"

	"github.com/rs/zerolog"
)

// Score is the verdict on one line.
type Score struct {
	Total     float64   // Sum over positions of distance - R^2
	Positions []float64 // Per position distance - R^2
	Anomaly   bool
}

// Decide sums per-position margin scores. A line is anomalous only when the
// sum is strictly positive.
func Decide(positions []float64) (total float64, anomaly bool) {
	for _, v := range positions {
		total += v
	}
	return total, total > 0
}

// ScoreDistances turns the squared distances of one line, in position order,
// into a Score against the model radii.
func (m *Model) ScoreDistances(dists []float64) (Score, error) {
	if len(dists) != len(m.Spheres) {
		return Score{}, common.ShapeError("distances", len(m.Spheres), len(dists))
	}
	positions := make([]float64, len(dists))
	for p, d := range dists {
		r := m.Spheres[p].Radius
		positions[p] = d - r*r
	}
	total, anomaly := Decide(positions)
	return Score{Total: total, Positions: positions, Anomaly: anomaly}, nil
}

// Scorer classifies the lines of batches with a calibrated model. It never
// modifies the model.
type Scorer struct {
	model   *Model
	vocab   *vocab.Vocabulary
	workers int
	logger  zerolog.Logger
}

func NewScorer(model *Model, v *vocab.Vocabulary, workers int, logger zerolog.Logger) (*Scorer, error) {
	if !model.HasCenters() {
		return nil, fmt.Errorf("%w: scoring needs a calibrated model", common.ErrInvalidConfig)
	}
	return &Scorer{
		model:   model,
		vocab:   v,
		workers: workers,
		logger:  logger.With().Str("component", "scorer").Str("model", model.ID.String()).Logger(),
	}, nil
}

// ScoreBatch returns one Score per line of b, in batch order.
func (s *Scorer) ScoreBatch(ctx context.Context, b window.Batch) ([]Score, error) {
	lines := EncodeBatch(b, s.vocab)
	if len(lines) == 0 {
		return nil, nil
	}
	for _, l := range lines {
		if len(l) != s.model.LineLength() {
			return nil, common.ShapeError("line length", s.model.LineLength(), len(l))
		}
	}

	// dists[p][i] is the squared distance of line i at position p
	dists := make([][]float64, len(s.model.Spheres))
	err := forEachPosition(ctx, s.model.Spheres, s.workers, func(ctx context.Context, sp *Sphere) error {
		contexts, targets := Mask(lines, sp.Position)
		pass, err := sp.Encoder.Forward(ctx, contexts, targets)
		if err != nil {
			return fmt.Errorf("position %d: %w", sp.Position, err)
		}
		out := make([]float64, pass.Rows())
		for i := range out {
			out[i] = sqDistance(pass.Hidden.RawRowView(i), pass.Loss[i], sp.Center)
		}
		dists[sp.Position] = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	scores := make([]Score, len(lines))
	row := make([]float64, len(s.model.Spheres))
	for i := range lines {
		for p := range row {
			row[p] = dists[p][i]
		}
		if scores[i], err = s.model.ScoreDistances(row); err != nil {
			return nil, err
		}
	}
	return scores, nil
}
