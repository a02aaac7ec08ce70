package hypersphere

import (
	"context"
	"fmt"
	"iter"
	"math"
	"slices"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/vocab"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/window"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Source opens a fresh pass over the training batches. It is called once per
// phase and once per epoch.
type Source func(ctx context.Context) iter.Seq2[window.Batch, error]

// CalibratorOptions controls the calibration passes.
type CalibratorOptions struct {
	BackpropWindow int  // Batches per gradient step
	Epochs         int  // Passes of the radius phase
	Workers        int  // Positions processed concurrently; 0 means all
	LogEvery       int  // Batches between progress lines; 0 disables them
	ReuseCenters   bool // Skip center estimation when the model has centers
}

// Calibrator estimates centers and calibrates radii and encoders of a model.
type Calibrator struct {
	model  *Model
	vocab  *vocab.Vocabulary
	opts   CalibratorOptions
	logger zerolog.Logger
}

func NewCalibrator(model *Model, v *vocab.Vocabulary, opts CalibratorOptions, logger zerolog.Logger) (*Calibrator, error) {
	if opts.BackpropWindow <= 0 {
		return nil, fmt.Errorf("%w: backprop window must be > 0", common.ErrInvalidConfig)
	}
	if opts.Epochs <= 0 {
		return nil, fmt.Errorf("%w: epochs must be > 0", common.ErrInvalidConfig)
	}
	return &Calibrator{
		model:  model,
		vocab:  v,
		opts:   opts,
		logger: logger.With().Str("component", "calibrator").Str("model", model.ID.String()).Logger(),
	}, nil
}

// Calibrate runs center estimation, unless centers are reused, then the
// radius phase for the configured number of epochs.
func (c *Calibrator) Calibrate(ctx context.Context, source Source) error {
	if c.opts.ReuseCenters && c.model.HasCenters() {
		c.logger.Info().Msg("Reusing existing centers")
	} else if err := c.Centers(ctx, source(ctx)); err != nil {
		return err
	}

	for _, s := range c.model.Spheres {
		s.Radius = 0
	}
	for epoch := 1; epoch <= c.opts.Epochs; epoch++ {
		if err := c.Radii(ctx, source(ctx), epoch); err != nil {
			return err
		}
	}
	return nil
}

func (c *Calibrator) lines(b window.Batch) ([][]int, error) {
	lines := EncodeBatch(b, c.vocab)
	for _, l := range lines {
		if len(l) != c.model.LineLength() {
			return nil, common.ShapeError("line length", c.model.LineLength(), len(l))
		}
	}
	return lines, nil
}

// Centers sets every center to the mean augmented feature vector over one
// pass, then clamps coordinates closer to zero than eps.
func (c *Calibrator) Centers(ctx context.Context, batches iter.Seq2[window.Batch, error]) error {
	m := c.model
	sumHidden := make([][]float64, len(m.Spheres))
	sumLoss := make([]float64, len(m.Spheres))
	for p, s := range m.Spheres {
		sumHidden[p] = make([]float64, s.Encoder.HiddenSize())
	}

	c.logger.Info().Msg("Estimating centers")
	total, nBatches := 0, 0
	for b, err := range batches {
		if err != nil {
			return err
		}
		lines, err := c.lines(b)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			continue
		}

		err = forEachPosition(ctx, m.Spheres, c.opts.Workers, func(ctx context.Context, s *Sphere) error {
			contexts, targets := Mask(lines, s.Position)
			pass, err := s.Encoder.Forward(ctx, contexts, targets)
			if err != nil {
				return fmt.Errorf("position %d: %w", s.Position, err)
			}
			for i := 0; i < pass.Rows(); i++ {
				floats.Add(sumHidden[s.Position], pass.Hidden.RawRowView(i))
			}
			sumLoss[s.Position] += floats.Sum(pass.Loss)
			return nil
		})
		if err != nil {
			return err
		}

		total += len(lines)
		nBatches++
		if c.opts.LogEvery > 0 && nBatches%c.opts.LogEvery == 0 {
			c.logger.Debug().Int("batches", nBatches).Int("lines", total).Msg("Center estimation progress")
		}
	}
	if total == 0 {
		return fmt.Errorf("%w: no line to estimate centers from", common.ErrEmptyDataset)
	}

	for p, s := range m.Spheres {
		hs := len(sumHidden[p])
		center := make([]float64, hs+m.LossRepeat)
		floats.ScaleTo(center[:hs], 1/float64(total), sumHidden[p])
		meanLoss := sumLoss[p] / float64(total)
		for j := hs; j < len(center); j++ {
			center[j] = meanLoss
		}
		clampCenter(center, m.Eps)
		s.Center = center

		c.logger.Info().
			Int("position", p).
			Float64("center_norm", floats.Norm(center, 2)).
			Float64("mean_loss", meanLoss).
			Msg("Center estimated")
	}
	c.logger.Info().Int("lines", total).Int("batches", nBatches).Msg("Centers estimated")
	return nil
}

// gradientWindow accumulates, per position, what one backprop window needs.
type gradientWindow struct {
	dists   [][]float64 // sqrt of every squared distance
	hinge   []float64   // sum of max(0, distance - R^2)
	batches int
}

func newGradientWindow(positions int) *gradientWindow {
	return &gradientWindow{
		dists: make([][]float64, positions),
		hinge: make([]float64, positions),
	}
}

func (w *gradientWindow) lines() int {
	return len(w.dists[0])
}

// Radii runs one pass of radius calibration. Gradients of every batch in a
// window are accumulated with the parameters and radii of the window start;
// at the end of the window each encoder takes one step on
// R^2 + 1/nu * mean(max(0, distance - R^2)) and the radius is reset to the
// (1 - nu)-quantile of the distances seen in the window.
func (c *Calibrator) Radii(ctx context.Context, batches iter.Seq2[window.Batch, error], epoch int) error {
	m := c.model
	if !m.HasCenters() {
		return fmt.Errorf("%w: radius calibration needs centers", common.ErrInvalidConfig)
	}

	c.logger.Info().Int("epoch", epoch).Msg("Calibrating radii")
	win := newGradientWindow(len(m.Spheres))
	steps, nBatches := 0, 0

	for b, err := range batches {
		if err != nil {
			return err
		}
		lines, err := c.lines(b)
		if err != nil {
			return err
		}
		if len(lines) > 0 {
			if err := c.accumulate(ctx, lines, win); err != nil {
				return err
			}
		}
		win.batches++
		nBatches++

		if win.batches == c.opts.BackpropWindow {
			if err := c.step(ctx, win, epoch); err != nil {
				return err
			}
			steps++
			win = newGradientWindow(len(m.Spheres))
		}
		if c.opts.LogEvery > 0 && nBatches%c.opts.LogEvery == 0 {
			c.logger.Debug().Int("epoch", epoch).Int("batches", nBatches).Int("steps", steps).Msg("Radius calibration progress")
		}
	}

	// Trailing partial window
	if win.lines() > 0 {
		if err := c.step(ctx, win, epoch); err != nil {
			return err
		}
		steps++
	}
	if steps == 0 {
		return fmt.Errorf("%w: no line to calibrate radii on", common.ErrEmptyDataset)
	}

	for _, s := range m.Spheres {
		c.logger.Info().Int("epoch", epoch).Int("position", s.Position).Float64("radius", s.Radius).Msg("Radius calibrated")
	}
	return nil
}

func (c *Calibrator) accumulate(ctx context.Context, lines [][]int, win *gradientWindow) error {
	m := c.model
	weight := 2 / m.Nu

	return forEachPosition(ctx, m.Spheres, c.opts.Workers, func(ctx context.Context, s *Sphere) error {
		contexts, targets := Mask(lines, s.Position)
		pass, err := s.Encoder.Forward(ctx, contexts, targets)
		if err != nil {
			return fmt.Errorf("position %d: %w", s.Position, err)
		}

		hs := s.Encoder.HiddenSize()
		r2 := s.Radius * s.Radius
		lossCenterSum := floats.Sum(s.Center[hs:])
		n := pass.Rows()

		var gradHidden *mat.Dense
		var gradLoss []float64
		for i := 0; i < n; i++ {
			h := pass.Hidden.RawRowView(i)
			d := sqDistance(h, pass.Loss[i], s.Center)
			win.dists[s.Position] = append(win.dists[s.Position], math.Sqrt(d))

			score := d - r2
			if score <= 0 {
				continue
			}
			win.hinge[s.Position] += score

			// d/dh and d/dloss of the hinge term, before the 1/N of the mean
			if gradHidden == nil {
				gradHidden = mat.NewDense(n, hs, nil)
				gradLoss = make([]float64, n)
			}
			row := gradHidden.RawRowView(i)
			for j := range row {
				row[j] = weight * (h[j] - s.Center[j])
			}
			gradLoss[i] = weight * (float64(m.LossRepeat)*pass.Loss[i] - lossCenterSum)
		}

		if gradHidden == nil {
			return nil
		}
		return s.Encoder.Backward(pass, gradHidden, gradLoss)
	})
}

func (c *Calibrator) step(ctx context.Context, win *gradientWindow, epoch int) error {
	m := c.model
	n := win.lines()
	return forEachPosition(ctx, m.Spheres, c.opts.Workers, func(_ context.Context, s *Sphere) error {
		dists := win.dists[s.Position]
		objective := s.Radius*s.Radius + win.hinge[s.Position]/(m.Nu*float64(n))

		s.Encoder.Step(1 / float64(n))
		s.Radius = radiusQuantile(dists, m.Nu)

		c.logger.Debug().
			Int("epoch", epoch).
			Int("position", s.Position).
			Int("lines", n).
			Float64("objective", objective).
			Float64("radius", s.Radius).
			Msg("Gradient step")
		return nil
	})
}

// radiusQuantile returns the (1 - nu)-quantile of dists. dists is sorted in
// place.
func radiusQuantile(dists []float64, nu float64) float64 {
	if len(dists) == 0 {
		return 0
	}
	slices.Sort(dists)
	return stat.Quantile(1-nu, stat.LinInterp, dists, nil)
}
