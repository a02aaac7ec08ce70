// Package hypersphere fits and applies the per-position one-class model: a
// center and a radius in the space of encoder hidden representations
// augmented with the prediction loss.
package hypersphere

import (
	"fmt"
	"slices"
	"time"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/encoder"

	"github.com/google/uuid"
)

// Sphere is the record of one token position. Every position owns exactly one
// encoder, one center and one radius.
type Sphere struct {
	Position int
	Encoder  encoder.FieldEncoder
	Center   []float64 // nil until estimated
	Radius   float64
}

// FeatureSize is the width of the augmented feature vector.
func (s *Sphere) FeatureSize(lossRepeat int) int {
	return s.Encoder.HiddenSize() + lossRepeat
}

// Params are the model hyper-parameters fixed at construction.
type Params struct {
	Nu         float64 // Target outlier fraction
	Eps        float64 // Smallest magnitude of a center coordinate
	LossRepeat int     // Width of the loss block of a feature vector
}

func (p Params) validate() error {
	switch {
	case p.Nu <= 0 || p.Nu > 1:
		return fmt.Errorf("%w: nu must be in (0, 1], got %g", common.ErrInvalidConfig, p.Nu)
	case p.Eps <= 0:
		return fmt.Errorf("%w: eps must be > 0", common.ErrInvalidConfig)
	case p.LossRepeat <= 0:
		return fmt.Errorf("%w: loss repeat must be > 0", common.ErrInvalidConfig)
	}
	return nil
}

// Model holds one Sphere per token position.
type Model struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Params
	Spheres []*Sphere
}

// NewModel builds a model with one sphere per encoder; the encoder at index p
// serves position p.
func NewModel(params Params, encoders []encoder.FieldEncoder) (*Model, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if len(encoders) == 0 {
		return nil, fmt.Errorf("%w: a model needs at least one position", common.ErrInvalidConfig)
	}

	m := &Model{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		Params:    params,
		Spheres:   make([]*Sphere, len(encoders)),
	}
	for p, enc := range encoders {
		if enc == nil {
			return nil, fmt.Errorf("%w: no encoder for position %d", common.ErrInvalidConfig, p)
		}
		m.Spheres[p] = &Sphere{Position: p, Encoder: enc}
	}
	return m, nil
}

// LineLength is the number of positions.
func (m *Model) LineLength() int {
	return len(m.Spheres)
}

// HasCenters reports whether every position has a center of the right width.
func (m *Model) HasCenters() bool {
	for _, s := range m.Spheres {
		if len(s.Center) != s.FeatureSize(m.LossRepeat) {
			return false
		}
	}
	return true
}

// SetCenters installs previously estimated centers, one per position.
func (m *Model) SetCenters(centers [][]float64) error {
	if len(centers) != len(m.Spheres) {
		return common.ShapeError("centers", len(m.Spheres), len(centers))
	}
	for p, s := range m.Spheres {
		if want := s.FeatureSize(m.LossRepeat); len(centers[p]) != want {
			return common.ShapeError(fmt.Sprintf("center of position %d", p), want, len(centers[p]))
		}
	}
	for p, s := range m.Spheres {
		s.Center = slices.Clone(centers[p])
	}
	return nil
}

// Centers returns a copy of every center.
func (m *Model) Centers() [][]float64 {
	out := make([][]float64, len(m.Spheres))
	for p, s := range m.Spheres {
		out[p] = slices.Clone(s.Center)
	}
	return out
}

// Radii returns every radius in position order.
func (m *Model) Radii() []float64 {
	out := make([]float64, len(m.Spheres))
	for p, s := range m.Spheres {
		out[p] = s.Radius
	}
	return out
}

// clampCenter moves every coordinate closer to zero than eps to -eps when it
// is negative and to +eps otherwise.
func clampCenter(center []float64, eps float64) {
	for j, v := range center {
		if v > -eps && v < eps {
			if v < 0 {
				center[j] = -eps
			} else {
				center[j] = eps
			}
		}
	}
}

// sqDistance is the squared Euclidean distance between the feature vector
// [hidden | loss repeated] and center.
func sqDistance(hidden []float64, loss float64, center []float64) float64 {
	var d float64
	for j, v := range hidden {
		diff := v - center[j]
		d += diff * diff
	}
	for _, c := range center[len(hidden):] {
		diff := loss - c
		d += diff * diff
	}
	return d
}
