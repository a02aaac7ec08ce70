package encoder

import (
	"fmt"
	"slices"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"

	"gonum.org/v1/gonum/mat"
)

// Tensor is a serialisable row-major matrix.
type Tensor struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// State is the exportable form of an encoder: its provider, its shape and
// its parameters. Optimizer moments are not part of it.
type State struct {
	Provider      string   `json:"provider"`
	VocabSize     int      `json:"vocabSize"`
	ContextLength int      `json:"contextLength"`
	EmbeddingSize int      `json:"embeddingSize"`
	HiddenSizes   []int    `json:"hiddenSizes"`
	LearningRate  float64  `json:"learningRate"`
	Params        []Tensor `json:"params,omitempty"`
}

// State copies the parameters: embedding, then weights and bias of every
// hidden layer, then of the output layer.
func (m *MLP) State() State {
	s := State{
		Provider:      "mlp",
		VocabSize:     m.opts.VocabSize,
		ContextLength: m.opts.ContextLength,
		EmbeddingSize: m.opts.EmbeddingSize,
		HiddenSizes:   slices.Clone(m.opts.HiddenSizes),
		LearningRate:  m.opts.LearningRate,
	}
	for _, p := range m.params() {
		r, c := p.value.Dims()
		s.Params = append(s.Params, Tensor{Rows: r, Cols: c, Data: slices.Clone(p.value.RawMatrix().Data)})
	}
	return s
}

func (h *Hash) State() State {
	return State{Provider: "hash", ContextLength: h.contextLength, HiddenSizes: []int{h.dims}}
}

// Restore rebuilds an encoder from an exported state.
func Restore(s State) (FieldEncoder, error) {
	switch s.Provider {
	case "hash":
		if len(s.HiddenSizes) != 1 {
			return nil, common.ShapeError("hash encoder hidden sizes", 1, len(s.HiddenSizes))
		}
		return NewHash(s.HiddenSizes[0], s.ContextLength), nil
	case "mlp":
		m, err := NewMLP(Options{
			VocabSize:     s.VocabSize,
			ContextLength: s.ContextLength,
			EmbeddingSize: s.EmbeddingSize,
			HiddenSizes:   s.HiddenSizes,
			LearningRate:  s.LearningRate,
		})
		if err != nil {
			return nil, err
		}
		params := m.params()
		if len(s.Params) != len(params) {
			return nil, common.ShapeError("encoder parameters", len(params), len(s.Params))
		}
		for i, p := range params {
			t := s.Params[i]
			r, c := p.value.Dims()
			if t.Rows != r || t.Cols != c || len(t.Data) != r*c {
				return nil, common.ShapeError(fmt.Sprintf("encoder parameter %d", i), r*c, len(t.Data))
			}
			p.value = mat.NewDense(r, c, slices.Clone(t.Data))
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown encoder provider %q", common.ErrInvalidConfig, s.Provider)
	}
}
