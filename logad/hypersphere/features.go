package hypersphere

import (
	"context"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/vocab"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/window"

	"github.com/sourcegraph/conc/pool"
)

// EncodeBatch maps every line of b, in batch order, to vocabulary indices.
func EncodeBatch(b window.Batch, v *vocab.Vocabulary) [][]int {
	lines := b.Lines()
	out := make([][]int, len(lines))
	for i, l := range lines {
		out[i] = v.EncodeLine(l.Tokens)
	}
	return out
}

// Mask splits lines into the encoder input of one position: each line
// without its token at position, and that token as the target.
func Mask(lines [][]int, position int) (contexts [][]int, targets []int) {
	contexts = make([][]int, len(lines))
	targets = make([]int, len(lines))
	for i, l := range lines {
		c := make([]int, 0, len(l)-1)
		c = append(c, l[:position]...)
		contexts[i] = append(c, l[position+1:]...)
		targets[i] = l[position]
	}
	return contexts, targets
}

// forEachPosition runs fn once per sphere, at most workers at a time. Each
// call only touches its own sphere, so positions never share state.
func forEachPosition(ctx context.Context, spheres []*Sphere, workers int, fn func(context.Context, *Sphere) error) error {
	if workers <= 0 || workers > len(spheres) {
		workers = len(spheres)
	}
	p := pool.New().WithMaxGoroutines(workers).WithContext(ctx).WithCancelOnError()
	for _, s := range spheres {
		p.Go(func(ctx context.Context) error {
			return fn(ctx, s)
		})
	}
	return p.Wait()
}
