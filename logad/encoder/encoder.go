// Package encoder provides the per-position field encoders: models that
// predict the token at one position of a line from the tokens at every other
// position and expose their last hidden representation.
package encoder

import (
	"context"
	"fmt"
	"strings"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"

	"gonum.org/v1/gonum/mat"
)

// FieldEncoder is a trainable predictor for one token position.
//
// Forward runs the model over a batch of contexts (the line with the target
// position removed, as vocabulary indices) and returns a Pass holding one
// hidden row and one prediction loss per context. Backward accumulates the
// parameter gradients of a scalar objective given its gradient with respect
// to the hidden rows and the losses; nil means zero. Step applies the
// accumulated gradients scaled by scale and clears them.
type FieldEncoder interface {
	HiddenSize() int
	Forward(ctx context.Context, contexts [][]int, targets []int) (*Pass, error)
	Backward(pass *Pass, gradHidden *mat.Dense, gradLoss []float64) error
	Step(scale float64)
	State() State
}

// Pass is the result of one forward pass.
type Pass struct {
	Hidden *mat.Dense // rows x HiddenSize
	Loss   []float64  // cross-entropy of the target token, per row

	// Predicted is the most likely token per row. Encoders without an output
	// distribution leave it nil.
	Predicted []int

	cache any
}

// Rows is the number of contexts in the pass.
func (p *Pass) Rows() int {
	return len(p.Loss)
}

// NewPass wraps externally computed outputs. Encoders that do not need
// intermediate values for Backward build their passes with it.
func NewPass(hidden *mat.Dense, loss []float64) *Pass {
	return &Pass{Hidden: hidden, Loss: loss}
}

// Options configures a new encoder.
type Options struct {
	VocabSize     int
	ContextLength int // Tokens per context, the line length minus one
	EmbeddingSize int
	HiddenSizes   []int
	LearningRate  float64
	Seed          uint64
}

func (o Options) validate() error {
	switch {
	case o.VocabSize <= 0:
		return fmt.Errorf("%w: encoder vocabulary size must be > 0", common.ErrInvalidConfig)
	case o.ContextLength <= 0:
		return fmt.Errorf("%w: encoder context length must be > 0", common.ErrInvalidConfig)
	case o.EmbeddingSize <= 0:
		return fmt.Errorf("%w: encoder embedding size must be > 0", common.ErrInvalidConfig)
	case len(o.HiddenSizes) == 0:
		return fmt.Errorf("%w: encoder needs at least one hidden layer", common.ErrInvalidConfig)
	case o.LearningRate < 0:
		return fmt.Errorf("%w: encoder learning rate must be >= 0", common.ErrInvalidConfig)
	}
	for _, n := range o.HiddenSizes {
		if n <= 0 {
			return fmt.Errorf("%w: encoder hidden sizes must be > 0", common.ErrInvalidConfig)
		}
	}
	return nil
}

// New selects an encoder implementation by provider name ("mlp" or "hash").
func New(provider string, opts Options) (FieldEncoder, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "mlp", "":
		return NewMLP(opts)
	case "hash", "dev":
		if err := opts.validate(); err != nil {
			return nil, err
		}
		return NewHash(opts.HiddenSizes[len(opts.HiddenSizes)-1], opts.ContextLength), nil
	default:
		return nil, fmt.Errorf("%w: unknown encoder provider %q", common.ErrInvalidConfig, provider)
	}
}

func checkBatch(contexts [][]int, targets []int, contextLength int) error {
	if len(contexts) == 0 {
		return fmt.Errorf("%w: empty encoder batch", common.ErrEmptyDataset)
	}
	if len(targets) != len(contexts) {
		return common.ShapeError("encoder targets", len(contexts), len(targets))
	}
	for _, c := range contexts {
		if len(c) != contextLength {
			return common.ShapeError("encoder context", contextLength, len(c))
		}
	}
	return nil
}
