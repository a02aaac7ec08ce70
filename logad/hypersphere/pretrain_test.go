package hypersphere

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/encoder"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/vocab"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/window"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two records that differ in every field: each field is implied by any other.
func recordA(ts int) string {
	return fmt.Sprintf("%d,u1@d,u1@d,c1,c2,ntlm,network,logon,success", ts)
}

func recordB(ts int) string {
	return fmt.Sprintf("%d,u2@d,u2@d,c3,c4,kerberos,interactive,logoff,fail", ts)
}

func pairVocab() *vocab.Vocabulary {
	return vocab.New([]string{
		"u1@d", "c1", "c2", "ntlm", "network", "logon", "success",
		"u2@d", "c3", "c4", "kerberos", "interactive", "logoff", "fail",
	})
}

func pretrainModel(t *testing.T, v *vocab.Vocabulary) *Model {
	t.Helper()
	encoders := make([]encoder.FieldEncoder, 8)
	for p := range encoders {
		enc, err := encoder.NewMLP(encoder.Options{
			VocabSize:     v.Size(),
			ContextLength: 7,
			EmbeddingSize: 4,
			HiddenSizes:   []int{16, 8},
			LearningRate:  0.01,
			Seed:          uint64(p + 11),
		})
		require.NoError(t, err)
		encoders[p] = enc
	}
	m, err := NewModel(Params{Nu: 0.1, Eps: 0.01, LossRepeat: 3}, encoders)
	require.NoError(t, err)
	return m
}

func TestPretrainLearnsPredictableCorpus(t *testing.T) {
	v := pairVocab()
	m := pretrainModel(t, v)

	var batches []window.Batch
	for i := 0; i < 100; i++ {
		batches = append(batches, batchOf(t, recordA(2*i), recordB(2*i+1)))
	}
	dev := sourceOf(batchOf(t, recordB(1000), recordA(1001)))

	var logs bytes.Buffer
	pt, err := NewPretrainer(m, v, PretrainOptions{Epochs: 1, DevEvery: 25}, zerolog.New(&logs))
	require.NoError(t, err)

	before, err := pt.Evaluate(context.Background(), dev(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, 2, before.Lines)

	require.NoError(t, pt.Pretrain(context.Background(), sourceOf(batches...), dev))

	after, err := pt.Evaluate(context.Background(), dev(context.Background()))
	require.NoError(t, err)
	assert.Less(t, after.MeanLoss(), before.MeanLoss()/4,
		"loss before %.3f after %.3f", before.MeanLoss(), after.MeanLoss())

	var acc float64
	for _, a := range after.Accuracies() {
		acc += a
	}
	assert.Greater(t, acc/8, 0.9)

	// Dev is evaluated after batches 0, 25, 50 and 75, once per position
	assert.Equal(t, 4*8, strings.Count(logs.String(), "Pretraining progress"))
	assert.False(t, m.HasCenters(), "pretraining leaves the spheres alone")
}

func TestPretrainWithoutDevOrPredictions(t *testing.T) {
	v := userVocab()
	m, fakes := fakeModel(t, Params{Nu: 0.5, Eps: 0.01, LossRepeat: 1}, func() *fakeEncoder {
		return &fakeEncoder{hidden: func(int) []float64 { return []float64{1} }, loss: 2}
	})

	pt, err := NewPretrainer(m, v, PretrainOptions{Epochs: 2, DevEvery: 1}, zerolog.Nop())
	require.NoError(t, err)
	src := sourceOf(batchOf(t, record(1, "u1"), record(2, "u2"), record(3, "u3")))
	require.NoError(t, pt.Pretrain(context.Background(), src, nil))

	for _, f := range fakes {
		require.Len(t, f.gradLoss, 2)
		assert.Equal(t, []float64{1, 1, 1}, f.gradLoss[0])
		assert.Nil(t, f.gradHidden[0])
		assert.Equal(t, []float64{1.0 / 3, 1.0 / 3}, f.steps)
	}

	ev, err := pt.Evaluate(context.Background(), src(context.Background()))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, ev.MeanLoss(), 1e-12)
	assert.True(t, math.IsNaN(ev.Positions[0].Accuracy))

	empty, err := pt.Evaluate(context.Background(), sourceOf()(context.Background()))
	require.NoError(t, err)
	assert.Zero(t, empty.Lines)
	assert.True(t, math.IsNaN(empty.MeanLoss()))
}

func TestPretrainRejects(t *testing.T) {
	v := userVocab()
	m := mlpModel(t, v)

	_, err := NewPretrainer(m, v, PretrainOptions{Epochs: 0}, zerolog.Nop())
	assert.ErrorIs(t, err, common.ErrInvalidConfig)
	_, err = NewPretrainer(m, v, PretrainOptions{Epochs: 1, DevEvery: -1}, zerolog.Nop())
	assert.ErrorIs(t, err, common.ErrInvalidConfig)

	pt, err := NewPretrainer(m, v, PretrainOptions{Epochs: 1}, zerolog.Nop())
	require.NoError(t, err)
	err = pt.Pretrain(context.Background(), sourceOf(), nil)
	assert.ErrorIs(t, err, common.ErrEmptyDataset)
}
