package metrics

import (
	"math"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"

	roaring "github.com/RoaringBitmap/roaring"
)

// Confusion holds the counts of a binary classification, anomalous being
// the positive class.
type Confusion struct {
	TruePositives  uint64 `json:"tp"`
	FalsePositives uint64 `json:"fp"`
	TrueNegatives  uint64 `json:"tn"`
	FalseNegatives uint64 `json:"fn"`
}

// Evaluate compares predictions with gold labels, line by line.
func Evaluate(predicted, gold []bool) (Confusion, error) {
	if len(predicted) != len(gold) {
		return Confusion{}, common.ShapeError("predictions against gold labels", len(gold), len(predicted))
	}
	var c Confusion
	for i, p := range predicted {
		switch {
		case p && gold[i]:
			c.TruePositives++
		case p:
			c.FalsePositives++
		case gold[i]:
			c.FalseNegatives++
		default:
			c.TrueNegatives++
		}
	}
	return c, nil
}

// ConfusionFromSets derives the counts from the ordinals predicted anomalous
// and the ordinals labelled anomalous among total lines.
func ConfusionFromSets(predicted, gold *roaring.Bitmap, total uint64) Confusion {
	tp := predicted.AndCardinality(gold)
	fp := predicted.GetCardinality() - tp
	fn := gold.GetCardinality() - tp
	return Confusion{
		TruePositives:  tp,
		FalsePositives: fp,
		FalseNegatives: fn,
		TrueNegatives:  total - tp - fp - fn,
	}
}

// Total is the number of classified lines.
func (c Confusion) Total() uint64 {
	return c.TruePositives + c.FalsePositives + c.TrueNegatives + c.FalseNegatives
}

func ratio(num, den uint64) float64 {
	if den == 0 {
		return math.NaN()
	}
	return float64(num) / float64(den)
}

// Precision is NaN when nothing was predicted anomalous.
func (c Confusion) Precision() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
}

// Recall is NaN when no line is labelled anomalous.
func (c Confusion) Recall() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
}

func (c Confusion) Specificity() float64 {
	return ratio(c.TrueNegatives, c.TrueNegatives+c.FalsePositives)
}

// FMeasure is the harmonic mean of precision and recall.
func (c Confusion) FMeasure() float64 {
	p, r := c.Precision(), c.Recall()
	if math.IsNaN(p) || math.IsNaN(r) || p+r == 0 {
		return math.NaN()
	}
	return 2 * p * r / (p + r)
}
