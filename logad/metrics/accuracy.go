package metrics

import (
	"math"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"
)

// Accuracy counts exact matches between predicted and expected tokens. The
// last call to Add and the running total are tracked separately.
type Accuracy struct {
	Correct      uint64
	Compared     uint64
	LastCorrect  uint64
	LastCompared uint64
}

// Add compares one batch of predictions with its targets.
func (a *Accuracy) Add(targets, predicted []int) error {
	if len(targets) != len(predicted) {
		return common.ShapeError("predicted tokens against targets", len(targets), len(predicted))
	}
	var ok uint64
	for i, t := range targets {
		if predicted[i] == t {
			ok++
		}
	}
	a.LastCorrect, a.LastCompared = ok, uint64(len(targets))
	a.Correct += ok
	a.Compared += uint64(len(targets))
	return nil
}

// Last is the accuracy of the latest batch, NaN before any comparison.
func (a *Accuracy) Last() float64 {
	if a.LastCompared == 0 {
		return math.NaN()
	}
	return float64(a.LastCorrect) / float64(a.LastCompared)
}

// Total is the running accuracy, NaN before any comparison.
func (a *Accuracy) Total() float64 {
	if a.Compared == 0 {
		return math.NaN()
	}
	return float64(a.Correct) / float64(a.Compared)
}
