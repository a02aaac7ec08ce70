package encoder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"

	"gonum.org/v1/gonum/mat"
)

// Hash is a deterministic, untrainable encoder. Hidden rows are derived from
// a digest of the context and the loss from a digest of context and target.
// It is meant for dry runs and tests.
type Hash struct {
	dims          int
	contextLength int
}

func NewHash(dims, contextLength int) *Hash {
	if dims <= 0 {
		dims = 32
	}
	return &Hash{dims: dims, contextLength: contextLength}
}

func (h *Hash) HiddenSize() int { return h.dims }

func (h *Hash) Forward(ctx context.Context, contexts [][]int, targets []int) (*Pass, error) {
	if err := common.ValidateContextCancellation(ctx); err != nil {
		return nil, err
	}
	if err := checkBatch(contexts, targets, h.contextLength); err != nil {
		return nil, err
	}

	hidden := mat.NewDense(len(contexts), h.dims, nil)
	loss := make([]float64, len(contexts))
	for i, tokens := range contexts {
		sum := digest(tokens, -1)
		row := hidden.RawRowView(i)
		// repeat digest bytes to fill dims
		for j := range row {
			row[j] = (float64(sum[j%len(sum)]) - 128) / 128
		}
		loss[i] = -math.Log((float64(digest(tokens, targets[i])[0]) + 1) / 257)
	}
	return NewPass(hidden, loss), nil
}

func digest(tokens []int, target int) [32]byte {
	buf := make([]byte, 0, 8*(len(tokens)+1))
	for _, t := range tokens {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(t))
	}
	if target >= 0 {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(target)|1<<63)
	}
	return sha256.Sum256(buf)
}

func (h *Hash) Backward(pass *Pass, gradHidden *mat.Dense, gradLoss []float64) error {
	if gradLoss != nil && len(gradLoss) != pass.Rows() {
		return common.ShapeError("loss gradient", pass.Rows(), len(gradLoss))
	}
	return nil
}

func (h *Hash) Step(float64) {}
