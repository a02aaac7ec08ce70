package hypersphere

import (
	"fmt"
	"slices"
	"time"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/encoder"

	"github.com/google/uuid"
)

// PositionSnapshot is the saved form of one Sphere.
type PositionSnapshot struct {
	Position int           `json:"position"`
	Center   []float64     `json:"center"`
	Radius   float64       `json:"radius"`
	Encoder  encoder.State `json:"encoder"`
}

// Snapshot is the saved form of a Model.
type Snapshot struct {
	ID         uuid.UUID          `json:"id"`
	CreatedAt  time.Time          `json:"createdAt"`
	Nu         float64            `json:"nu"`
	Eps        float64            `json:"eps"`
	LossRepeat int                `json:"lossRepeat"`
	Positions  []PositionSnapshot `json:"positions"`
}

// Snapshot copies the model into its saved form.
func (m *Model) Snapshot() Snapshot {
	s := Snapshot{
		ID:         m.ID,
		CreatedAt:  m.CreatedAt,
		Nu:         m.Nu,
		Eps:        m.Eps,
		LossRepeat: m.LossRepeat,
		Positions:  make([]PositionSnapshot, len(m.Spheres)),
	}
	for p, sp := range m.Spheres {
		s.Positions[p] = PositionSnapshot{
			Position: sp.Position,
			Center:   slices.Clone(sp.Center),
			Radius:   sp.Radius,
			Encoder:  sp.Encoder.State(),
		}
	}
	return s
}

// FromSnapshot rebuilds a model, encoders included.
func FromSnapshot(s Snapshot) (*Model, error) {
	encoders := make([]encoder.FieldEncoder, len(s.Positions))
	for p, ps := range s.Positions {
		if ps.Position != p {
			return nil, fmt.Errorf("%w: snapshot position %d stored at index %d", common.ErrShapeMismatch, ps.Position, p)
		}
		enc, err := encoder.Restore(ps.Encoder)
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", p, err)
		}
		encoders[p] = enc
	}

	m, err := NewModel(Params{Nu: s.Nu, Eps: s.Eps, LossRepeat: s.LossRepeat}, encoders)
	if err != nil {
		return nil, err
	}
	m.ID = s.ID
	m.CreatedAt = s.CreatedAt
	for p, ps := range s.Positions {
		if len(ps.Center) > 0 {
			if want := m.Spheres[p].FeatureSize(m.LossRepeat); len(ps.Center) != want {
				return nil, common.ShapeError(fmt.Sprintf("center of position %d", p), want, len(ps.Center))
			}
			m.Spheres[p].Center = slices.Clone(ps.Center)
		}
		m.Spheres[p].Radius = ps.Radius
	}
	return m, nil
}
