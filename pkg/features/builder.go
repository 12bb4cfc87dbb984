// Package features turns normalized case datasets into flat feature
// matrices for the tabular regression models: calendar fields plus
// rolling means per observation, with the confirmed count as target.
package features

import (
	"fmt"
	"math/rand"

	"github.com/epicast/epicast/pkg/dataset"
)

// Column names of the feature matrix, in build order.
const (
	ColDay          = "day"
	ColMonth        = "month"
	ColYear         = "year"
	ColDayOfWeek    = "day_of_week"
	ColConfirmedMA7 = "confirmed_ma7"
	ColDeathsMA7    = "death_ma7"
)

// Columns returns the feature column names in matrix order.
func Columns() []string {
	return []string{ColDay, ColMonth, ColYear, ColDayOfWeek, ColConfirmedMA7, ColDeathsMA7}
}

// Matrix is a dense feature matrix. Every row has len(Cols) values.
type Matrix struct {
	Cols []string
	Rows [][]float64
}

// Len returns the number of rows.
func (m Matrix) Len() int {
	return len(m.Rows)
}

// Build flattens every region series of a dataset into feature rows and
// aligned confirmed-count targets. Regions are visited in sorted order
// and points in date order, so the output is deterministic for a given
// dataset.
func Build(ds *dataset.Dataset) (Matrix, []float64) {
	m := Matrix{Cols: Columns()}
	y := make([]float64, 0, ds.Len())

	ds.Walk(func(ts *dataset.TimeSeries) {
		for _, p := range ts.Points {
			m.Rows = append(m.Rows, pointRow(p))
			y = append(y, float64(p.Confirmed))
		}
	})

	return m, y
}

// BuildSeries builds feature rows for a single series, without targets.
func BuildSeries(ts *dataset.TimeSeries) Matrix {
	m := Matrix{Cols: Columns(), Rows: make([][]float64, 0, len(ts.Points))}
	for _, p := range ts.Points {
		m.Rows = append(m.Rows, pointRow(p))
	}
	return m
}

func pointRow(p dataset.Point) []float64 {
	return []float64{
		float64(p.Day),
		float64(p.Month),
		float64(p.Year),
		float64(p.Weekday),
		p.ConfirmedMA7,
		p.DeathsMA7,
	}
}

// Split partitions rows into train and test sets by shuffling indices
// with the given seed and holding out testFrac of them. The same seed
// always produces the same partition.
func Split(x Matrix, y []float64, testFrac float64, seed int64) (trainX, testX Matrix, trainY, testY []float64, err error) {
	if x.Len() != len(y) {
		return trainX, testX, nil, nil, fmt.Errorf("feature rows (%d) and targets (%d) differ in length", x.Len(), len(y))
	}
	if testFrac <= 0 || testFrac >= 1 {
		return trainX, testX, nil, nil, fmt.Errorf("test fraction %v out of range (0, 1)", testFrac)
	}

	n := x.Len()
	testN := int(float64(n) * testFrac)
	if testN == 0 && n > 1 {
		testN = 1
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	trainX = Matrix{Cols: x.Cols}
	testX = Matrix{Cols: x.Cols}

	for i, idx := range perm {
		if i < testN {
			testX.Rows = append(testX.Rows, x.Rows[idx])
			testY = append(testY, y[idx])
		} else {
			trainX.Rows = append(trainX.Rows, x.Rows[idx])
			trainY = append(trainY, y[idx])
		}
	}
	return trainX, testX, trainY, testY, nil
}
