package encoder

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// param is one trainable tensor with its gradient accumulator.
type param struct {
	value *mat.Dense
	grad  *mat.Dense
	adam  *adamState
}

func newParam(rows, cols int, dist *distuv.Normal) *param {
	data := make([]float64, rows*cols)
	if dist != nil {
		for i := range data {
			data[i] = dist.Rand()
		}
	}
	return &param{
		value: mat.NewDense(rows, cols, data),
		grad:  mat.NewDense(rows, cols, nil),
	}
}

// layer is a fully connected layer out = in*W + b.
type layer struct {
	w, b *param
}

func newLayer(in, out int, src rand.Source) layer {
	// He initialisation for ReLU layers
	dist := &distuv.Normal{Mu: 0, Sigma: math.Sqrt(2 / float64(in)), Src: src}
	return layer{w: newParam(in, out, dist), b: newParam(1, out, nil)}
}

func (l layer) forward(in mat.Matrix) *mat.Dense {
	out := &mat.Dense{}
	out.Mul(in, l.w.value)
	bias := l.b.value.RawRowView(0)
	rows, _ := out.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(out.RawRowView(i), bias)
	}
	return out
}

// backward accumulates the gradients of W and b given the gradient of out.
func (l layer) backward(in, gradOut *mat.Dense) {
	gw := &mat.Dense{}
	gw.Mul(in.T(), gradOut)
	l.w.grad.Add(l.w.grad, gw)

	bias := l.b.grad.RawRowView(0)
	rows, _ := gradOut.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(bias, gradOut.RawRowView(i))
	}
}

// MLP embeds every context token, concatenates the embeddings, runs them
// through ReLU hidden layers and a linear output layer, and scores the
// target with softmax cross-entropy. The hidden representation is the
// output of the last hidden layer.
type MLP struct {
	opts      Options
	embedding *param
	hidden    []layer
	output    layer
	adam      adam
}

type mlpCache struct {
	contexts    [][]int
	targets     []int
	activations []*mat.Dense // input, then one per hidden layer
	probs       *mat.Dense
}

// NewMLP builds a randomly initialised network. The same options and seed
// always produce the same weights.
func NewMLP(opts Options) (*MLP, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	src := rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)

	m := &MLP{
		opts:      opts,
		embedding: newParam(opts.VocabSize, opts.EmbeddingSize, &distuv.Normal{Mu: 0, Sigma: 1, Src: src}),
		adam:      newAdam(opts.LearningRate),
	}
	in := opts.ContextLength * opts.EmbeddingSize
	for _, out := range opts.HiddenSizes {
		m.hidden = append(m.hidden, newLayer(in, out, src))
		in = out
	}
	m.output = newLayer(in, opts.VocabSize, src)
	return m, nil
}

// HiddenSize is the width of the hidden representation.
func (m *MLP) HiddenSize() int {
	return m.opts.HiddenSizes[len(m.opts.HiddenSizes)-1]
}

func (m *MLP) params() []*param {
	ps := []*param{m.embedding}
	for _, l := range m.hidden {
		ps = append(ps, l.w, l.b)
	}
	return append(ps, m.output.w, m.output.b)
}

// Forward runs the network over a batch of contexts.
func (m *MLP) Forward(ctx context.Context, contexts [][]int, targets []int) (*Pass, error) {
	if err := common.ValidateContextCancellation(ctx); err != nil {
		return nil, err
	}
	if err := checkBatch(contexts, targets, m.opts.ContextLength); err != nil {
		return nil, err
	}

	n, d := len(contexts), m.opts.EmbeddingSize
	x := mat.NewDense(n, m.opts.ContextLength*d, nil)
	for i, tokens := range contexts {
		row := x.RawRowView(i)
		for j, tok := range tokens {
			if err := m.checkIndex(tok); err != nil {
				return nil, err
			}
			copy(row[j*d:(j+1)*d], m.embedding.value.RawRowView(tok))
		}
	}
	for _, tok := range targets {
		if err := m.checkIndex(tok); err != nil {
			return nil, err
		}
	}

	acts := []*mat.Dense{x}
	a := x
	for _, l := range m.hidden {
		z := l.forward(a)
		z.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, z)
		acts = append(acts, z)
		a = z
	}

	probs := m.output.forward(a)
	loss := make([]float64, n)
	predicted := make([]int, n)
	for i := 0; i < n; i++ {
		row := probs.RawRowView(i)
		lse := floats.LogSumExp(row)
		loss[i] = lse - row[targets[i]]
		predicted[i] = floats.MaxIdx(row)
		for j, v := range row {
			row[j] = math.Exp(v - lse)
		}
	}

	return &Pass{
		Hidden:    a,
		Loss:      loss,
		Predicted: predicted,
		cache: &mlpCache{
			contexts:    contexts,
			targets:     targets,
			activations: acts,
			probs:       probs,
		},
	}, nil
}

func (m *MLP) checkIndex(tok int) error {
	if tok < 0 || tok >= m.opts.VocabSize {
		return fmt.Errorf("%w: token index %d outside vocabulary of %d", common.ErrShapeMismatch, tok, m.opts.VocabSize)
	}
	return nil
}

// Backward accumulates the gradients of an objective whose partial
// derivatives with respect to the pass outputs are gradHidden and gradLoss.
func (m *MLP) Backward(pass *Pass, gradHidden *mat.Dense, gradLoss []float64) error {
	c, ok := pass.cache.(*mlpCache)
	if !ok {
		return fmt.Errorf("encoder: pass was not produced by this network")
	}
	n := pass.Rows()
	if gradLoss != nil && len(gradLoss) != n {
		return common.ShapeError("loss gradient", n, len(gradLoss))
	}
	if gradHidden != nil {
		if r, cols := gradHidden.Dims(); r != n || cols != m.HiddenSize() {
			return common.ShapeError("hidden gradient", n*m.HiddenSize(), r*cols)
		}
	}

	// d loss_i / d logits_i = p_i - onehot(target_i)
	dLogits := mat.NewDense(n, m.opts.VocabSize, nil)
	if gradLoss != nil {
		for i := 0; i < n; i++ {
			row := dLogits.RawRowView(i)
			copy(row, c.probs.RawRowView(i))
			row[c.targets[i]]--
			floats.Scale(gradLoss[i], row)
		}
	}

	last := c.activations[len(c.activations)-1]
	m.output.backward(last, dLogits)

	grad := &mat.Dense{}
	grad.Mul(dLogits, m.output.w.value.T())
	if gradHidden != nil {
		grad.Add(grad, gradHidden)
	}

	for k := len(m.hidden) - 1; k >= 0; k-- {
		out := c.activations[k+1]
		grad.Apply(func(i, j int, v float64) float64 {
			if out.At(i, j) <= 0 {
				return 0
			}
			return v
		}, grad)
		m.hidden[k].backward(c.activations[k], grad)

		next := &mat.Dense{}
		next.Mul(grad, m.hidden[k].w.value.T())
		grad = next
	}

	d := m.opts.EmbeddingSize
	for i, tokens := range c.contexts {
		row := grad.RawRowView(i)
		for j, tok := range tokens {
			floats.Add(m.embedding.grad.RawRowView(tok), row[j*d:(j+1)*d])
		}
	}
	return nil
}

// Step applies one Adam update with the accumulated gradients multiplied by
// scale, then zeroes them.
func (m *MLP) Step(scale float64) {
	m.adam.step(m.params(), scale)
}
