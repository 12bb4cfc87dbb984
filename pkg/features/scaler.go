package features

import (
	"fmt"
	"math"

	"github.com/epicast/epicast/pkg/models"
)

// Scaler standardizes feature columns to zero mean and unit variance.
// Statistics freeze at FitTransform; later Transform calls apply the
// frozen parameters so train and inference rows share one scale.
type Scaler struct {
	mean  []float64
	scale []float64
}

// ScalerState is the serializable fitted state of a Scaler.
type ScalerState struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// NewScaler returns an unfitted Scaler.
func NewScaler() *Scaler {
	return &Scaler{}
}

// NewScalerFromState restores a fitted Scaler.
func NewScalerFromState(state ScalerState) *Scaler {
	return &Scaler{mean: state.Mean, scale: state.Scale}
}

// Fitted reports whether scaling statistics have been learned.
func (s *Scaler) Fitted() bool {
	return s.mean != nil
}

// State returns the serializable fitted state.
func (s *Scaler) State() (ScalerState, error) {
	if !s.Fitted() {
		return ScalerState{}, models.ErrNotFitted
	}
	return ScalerState{Mean: s.mean, Scale: s.scale}, nil
}

// FitTransform learns per-column mean and standard deviation from x and
// returns the standardized matrix. Constant columns get scale 1 so they
// map to zero instead of dividing by zero.
func (s *Scaler) FitTransform(x Matrix) (Matrix, error) {
	if x.Len() == 0 {
		return Matrix{}, fmt.Errorf("cannot fit scaler on empty matrix")
	}

	p := len(x.Cols)
	s.mean = make([]float64, p)
	s.scale = make([]float64, p)

	n := float64(x.Len())
	for _, row := range x.Rows {
		for j, v := range row {
			s.mean[j] += v
		}
	}
	for j := range s.mean {
		s.mean[j] /= n
	}

	for _, row := range x.Rows {
		for j, v := range row {
			d := v - s.mean[j]
			s.scale[j] += d * d
		}
	}
	for j := range s.scale {
		s.scale[j] = math.Sqrt(s.scale[j] / n)
		if s.scale[j] == 0 {
			s.scale[j] = 1
		}
	}

	return s.Transform(x)
}

// Transform standardizes x with the frozen statistics. Returns
// models.ErrNotFitted before FitTransform.
func (s *Scaler) Transform(x Matrix) (Matrix, error) {
	if !s.Fitted() {
		return Matrix{}, models.ErrNotFitted
	}
	if len(x.Cols) != len(s.mean) {
		return Matrix{}, fmt.Errorf("matrix has %d columns, scaler fitted on %d", len(x.Cols), len(s.mean))
	}

	out := Matrix{Cols: x.Cols, Rows: make([][]float64, x.Len())}
	for i, row := range x.Rows {
		scaled := make([]float64, len(row))
		for j, v := range row {
			scaled[j] = (v - s.mean[j]) / s.scale[j]
		}
		out.Rows[i] = scaled
	}
	return out, nil
}
