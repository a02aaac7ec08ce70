package encoder

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func smallOptions() Options {
	return Options{
		VocabSize:     7,
		ContextLength: 3,
		EmbeddingSize: 4,
		HiddenSizes:   []int{5, 4},
		LearningRate:  0.01,
		Seed:          42,
	}
}

var (
	sampleContexts = [][]int{{2, 3, 4}, {3, 4, 5}, {4, 5, 6}, {0, 1, 2}}
	sampleTargets  = []int{5, 6, 2, 3}
)

func newSmall(t *testing.T) *MLP {
	t.Helper()
	m, err := NewMLP(smallOptions())
	require.NoError(t, err)
	return m
}

func TestForwardShapes(t *testing.T) {
	m := newSmall(t)
	pass, err := m.Forward(context.Background(), sampleContexts, sampleTargets)
	require.NoError(t, err)

	r, c := pass.Hidden.Dims()
	assert.Equal(t, len(sampleContexts), r)
	assert.Equal(t, m.HiddenSize(), c)
	assert.Equal(t, 4, m.HiddenSize())
	require.Equal(t, len(sampleContexts), pass.Rows())

	for i, l := range pass.Loss {
		assert.Greater(t, l, 0.0, "row %d", i)
		assert.False(t, math.IsNaN(l) || math.IsInf(l, 0))
	}
	for _, v := range pass.Hidden.RawMatrix().Data {
		assert.GreaterOrEqual(t, v, 0.0, "hidden rows come out of a ReLU")
	}
}

func TestForwardIsDeterministicPerSeed(t *testing.T) {
	a := newSmall(t)
	b := newSmall(t)
	pa, err := a.Forward(context.Background(), sampleContexts, sampleTargets)
	require.NoError(t, err)
	pb, err := b.Forward(context.Background(), sampleContexts, sampleTargets)
	require.NoError(t, err)
	assert.Equal(t, pa.Loss, pb.Loss)

	opts := smallOptions()
	opts.Seed = 7
	c, err := NewMLP(opts)
	require.NoError(t, err)
	pc, err := c.Forward(context.Background(), sampleContexts, sampleTargets)
	require.NoError(t, err)
	assert.NotEqual(t, pa.Loss, pc.Loss)
}

func TestForwardRejectsBadInput(t *testing.T) {
	m := newSmall(t)
	ctx := context.Background()

	_, err := m.Forward(ctx, sampleContexts, sampleTargets[:2])
	assert.ErrorIs(t, err, common.ErrShapeMismatch)

	_, err = m.Forward(ctx, [][]int{{1, 2}}, []int{3})
	assert.ErrorIs(t, err, common.ErrShapeMismatch)

	_, err = m.Forward(ctx, [][]int{{1, 2, 99}}, []int{3})
	assert.ErrorIs(t, err, common.ErrShapeMismatch)

	_, err = m.Forward(ctx, nil, nil)
	assert.ErrorIs(t, err, common.ErrEmptyDataset)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.Forward(cancelled, sampleContexts, sampleTargets)
	assert.ErrorIs(t, err, context.Canceled)
}

// objective is sum_i gl_i*loss_i + sum_ij gh_ij*hidden_ij.
func objective(t *testing.T, m *MLP, gH *mat.Dense, gL []float64) float64 {
	t.Helper()
	pass, err := m.Forward(context.Background(), sampleContexts, sampleTargets)
	require.NoError(t, err)
	var e mat.Dense
	e.MulElem(pass.Hidden, gH)
	return floats.Dot(gL, pass.Loss) + mat.Sum(&e)
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	m := newSmall(t)
	n := len(sampleContexts)

	gH := mat.NewDense(n, m.HiddenSize(), nil)
	for i := range gH.RawMatrix().Data {
		gH.RawMatrix().Data[i] = math.Sin(float64(i + 1))
	}
	gL := []float64{0.5, -1, 2, 0.25}

	pass, err := m.Forward(context.Background(), sampleContexts, sampleTargets)
	require.NoError(t, err)
	require.NoError(t, m.Backward(pass, gH, gL))

	checks := []struct {
		name string
		p    *param
	}{
		{"embedding", m.embedding},
		{"hidden0.w", m.hidden[0].w},
		{"hidden0.b", m.hidden[0].b},
		{"hidden1.w", m.hidden[1].w},
		{"output.w", m.output.w},
		{"output.b", m.output.b},
	}
	const h = 1e-6
	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			value := c.p.value.RawMatrix().Data
			grad := c.p.grad.RawMatrix().Data
			for _, idx := range []int{0, len(value) / 2, len(value) - 1} {
				orig := value[idx]
				value[idx] = orig + h
				fp := objective(t, m, gH, gL)
				value[idx] = orig - h
				fm := objective(t, m, gH, gL)
				value[idx] = orig

				numeric := (fp - fm) / (2 * h)
				assert.InDelta(t, numeric, grad[idx], 1e-5+1e-4*math.Abs(numeric), "index %d", idx)
			}
		})
	}
}

func TestBackwardShapeErrors(t *testing.T) {
	m := newSmall(t)
	pass, err := m.Forward(context.Background(), sampleContexts, sampleTargets)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Backward(pass, nil, []float64{1}), common.ErrShapeMismatch)
	assert.ErrorIs(t, m.Backward(pass, mat.NewDense(1, 4, nil), nil), common.ErrShapeMismatch)
	assert.Error(t, m.Backward(NewPass(pass.Hidden, pass.Loss), nil, nil))
}

func TestTrainingReducesLoss(t *testing.T) {
	opts := smallOptions()
	opts.HiddenSizes = []int{16, 8}
	m, err := NewMLP(opts)
	require.NoError(t, err)
	ctx := context.Background()
	n := len(sampleContexts)
	ones := []float64{1, 1, 1, 1}

	mean := func() float64 {
		pass, err := m.Forward(ctx, sampleContexts, sampleTargets)
		require.NoError(t, err)
		return floats.Sum(pass.Loss) / float64(n)
	}

	before := mean()
	for i := 0; i < 300; i++ {
		pass, err := m.Forward(ctx, sampleContexts, sampleTargets)
		require.NoError(t, err)
		require.NoError(t, m.Backward(pass, nil, ones))
		m.Step(1 / float64(n))
	}
	after := mean()

	assert.Less(t, after, before/2)
	for _, v := range m.output.w.grad.RawMatrix().Data {
		require.Zero(t, v, "step clears gradients")
	}
}

func TestStateRestore(t *testing.T) {
	m := newSmall(t)
	ctx := context.Background()
	want, err := m.Forward(ctx, sampleContexts, sampleTargets)
	require.NoError(t, err)

	data, err := json.Marshal(m.State())
	require.NoError(t, err)
	var state State
	require.NoError(t, json.Unmarshal(data, &state))

	restored, err := Restore(state)
	require.NoError(t, err)
	got, err := restored.Forward(ctx, sampleContexts, sampleTargets)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Loss, got.Loss, 1e-12)
	assert.True(t, mat.EqualApprox(want.Hidden, got.Hidden, 1e-12))

	state.Params = state.Params[1:]
	_, err = Restore(state)
	assert.ErrorIs(t, err, common.ErrShapeMismatch)

	_, err = Restore(State{Provider: "onnx"})
	assert.ErrorIs(t, err, common.ErrInvalidConfig)
}

func TestHashEncoder(t *testing.T) {
	enc, err := New("hash", smallOptions())
	require.NoError(t, err)
	assert.Equal(t, 4, enc.HiddenSize())

	a, err := enc.Forward(context.Background(), sampleContexts, sampleTargets)
	require.NoError(t, err)
	b, err := enc.Forward(context.Background(), sampleContexts, sampleTargets)
	require.NoError(t, err)
	assert.Equal(t, a.Loss, b.Loss)
	assert.True(t, mat.Equal(a.Hidden, b.Hidden))
	for _, l := range a.Loss {
		assert.Greater(t, l, 0.0)
	}

	require.NoError(t, enc.Backward(a, nil, []float64{1, 1, 1, 1}))
	enc.Step(1)

	restored, err := Restore(enc.State())
	require.NoError(t, err)
	c, err := restored.Forward(context.Background(), sampleContexts, sampleTargets)
	require.NoError(t, err)
	assert.Equal(t, a.Loss, c.Loss)
}

func TestNewSelectsProvider(t *testing.T) {
	enc, err := New("", smallOptions())
	require.NoError(t, err)
	assert.IsType(t, &MLP{}, enc)

	_, err = New("quantum", smallOptions())
	assert.ErrorIs(t, err, common.ErrInvalidConfig)

	bad := smallOptions()
	bad.HiddenSizes = nil
	_, err = New("mlp", bad)
	assert.ErrorIs(t, err, common.ErrInvalidConfig)
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	p := &param{
		value: mat.NewDense(2, 2, []float64{1, 1, 1, 1}),
		grad:  mat.NewDense(2, 2, []float64{4, -0.5, 0, 2}),
	}
	opt := newAdam(0.1)

	// Bias correction makes the first update lr * sign(gradient)
	opt.step([]*param{p}, 0.5)
	assert.InDeltaSlice(t, []float64{0.9, 1.1, 1, 0.9}, p.value.RawMatrix().Data, 1e-6)
	assert.Equal(t, []float64{0, 0, 0, 0}, p.grad.RawMatrix().Data)

	// A zero gradient keeps moving with the first moment
	opt.step([]*param{p}, 1)
	assert.Less(t, p.value.At(0, 0), 0.9)
	assert.Equal(t, 1.0, p.value.At(1, 0))
}
