package storage

import (
	"context"
	"time"
)

// Snapshot is the latest published forecast for one region: aligned
// future dates, point estimates, and uncertainty bounds.
type Snapshot struct {
	Region        string    `json:"region"`
	GeneratedAt   time.Time `json:"generated_at"`
	HorizonDays   int       `json:"horizon_days"`
	IntervalLevel float64   `json:"interval_level"`

	Dates []time.Time `json:"dates"`
	Yhat  []float64   `json:"yhat"`
	Lower []float64   `json:"lower"`
	Upper []float64   `json:"upper"`
}

// Store persists the latest forecast snapshot per region.
type Store interface {
	Put(ctx context.Context, snapshot Snapshot) error
	GetLatest(ctx context.Context, region string) (Snapshot, bool, error)
}
