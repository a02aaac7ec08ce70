package metrics

import (
	"math"

	roaring "github.com/RoaringBitmap/roaring"
)

// AnomalySet records line ordinals by class: predicted anomalous and
// labelled anomalous. Ordinals follow scoring order.
type AnomalySet struct {
	predicted *roaring.Bitmap
	labelled  *roaring.Bitmap
	total     uint64
}

func NewAnomalySet() *AnomalySet {
	return &AnomalySet{predicted: roaring.New(), labelled: roaring.New()}
}

// Add records the next line and returns its ordinal.
func (s *AnomalySet) Add(predicted, labelled bool) uint32 {
	ord := uint32(s.total)
	if predicted {
		s.predicted.Add(ord)
	}
	if labelled {
		s.labelled.Add(ord)
	}
	s.total++
	return ord
}

// Predicted returns a copy of the ordinals classified anomalous.
func (s *AnomalySet) Predicted() *roaring.Bitmap {
	return s.predicted.Clone()
}

// Labelled returns a copy of the ordinals carrying a red-team key.
func (s *AnomalySet) Labelled() *roaring.Bitmap {
	return s.labelled.Clone()
}

// Missed returns the labelled ordinals that were not predicted.
func (s *AnomalySet) Missed() *roaring.Bitmap {
	return roaring.AndNot(s.labelled, s.predicted)
}

func (s *AnomalySet) Total() uint64 {
	return s.total
}

func (s *AnomalySet) Confusion() Confusion {
	return ConfusionFromSets(s.predicted, s.labelled, s.total)
}

// ScoredLine is kept for precision/recall sweeps over thresholds.
type ScoredLine struct {
	Score float64 `json:"score"`
	Label bool    `json:"label"`
}

// Report aggregates the verdicts of a test pass.
type Report struct {
	Inside  uint64       `json:"inside"`
	Outside uint64       `json:"outside"`
	Scores  []ScoredLine `json:"scores"`

	set    *AnomalySet
	labels *LabelIndex
}

// NewReport starts an empty report. labels may be nil when no red-team file
// is available.
func NewReport(labels *LabelIndex) *Report {
	return &Report{set: NewAnomalySet(), labels: labels}
}

// Add records one scored line. key identifies the event for labelling.
func (r *Report) Add(key string, score float64, anomaly bool) {
	label := r.labels != nil && r.labels.Contains(key)
	if anomaly {
		r.Outside++
	} else {
		r.Inside++
	}
	r.Scores = append(r.Scores, ScoredLine{Score: score, Label: label})
	r.set.Add(anomaly, label)
}

// Lines is the number of recorded lines.
func (r *Report) Lines() uint64 {
	return r.set.Total()
}

// Anomalies returns the anomaly set of the report.
func (r *Report) Anomalies() *AnomalySet {
	return r.set
}

// Confusion is only meaningful when labels were provided; ok is false
// otherwise.
func (r *Report) Confusion() (c Confusion, ok bool) {
	if r.labels == nil {
		return Confusion{}, false
	}
	return r.set.Confusion(), true
}

// MeanScore is NaN for an empty report.
func (r *Report) MeanScore() float64 {
	if len(r.Scores) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, s := range r.Scores {
		sum += s.Score
	}
	return sum / float64(len(r.Scores))
}
