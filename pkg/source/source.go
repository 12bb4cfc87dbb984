// Package source provides case-report connectors that retrieve raw
// regional observations from external systems and normalize them into
// the canonical tabular schema.
//
// Each source implements the Source interface and can be plugged into
// the forecast engine's refresh loop. Available sources:
//   - HTTPSource: generic connector for any REST API with JSON responses
//   - FileSource: reads CSV exports from disk
//
// Sources are intentionally lightweight. They pull raw data, shape it
// into dataset.Table rows keyed by the canonical column names, and leave
// all cleaning and modeling to the upper layers.
package source

import (
	"context"

	"github.com/epicast/epicast/pkg/dataset"
)

// Source is the interface all case-report connectors implement.
//
// Fetch is synchronous and must respect context cancellation and
// deadlines. Returned rows use the canonical column names (region, date,
// confirmed, deaths, recovered); cleaning happens downstream.
type Source interface {
	Fetch(ctx context.Context) (dataset.Table, error)

	// Name returns a short, unique identifier for the source.
	// Example: "http", "file".
	Name() string
}
