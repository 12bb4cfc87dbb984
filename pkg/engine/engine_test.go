package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/epicast/epicast/pkg/dataset"
	"github.com/epicast/epicast/pkg/models"
)

// caseTable builds a raw batch with linear growth per region, long
// enough for every model to fit.
func caseTable(regions []string, days int) dataset.Table {
	var rows []dataset.Row
	start := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	for ri, region := range regions {
		base := 50 * (ri + 1)
		for d := 0; d < days; d++ {
			date := start.AddDate(0, 0, d)
			rows = append(rows, dataset.Row{
				"region":    region,
				"date":      date.Format("2006-01-02"),
				"confirmed": fmt.Sprintf("%d", base+10*d),
				"deaths":    fmt.Sprintf("%d", d/5),
				"recovered": fmt.Sprintf("%d", base/2+5*d),
			})
		}
	}
	return dataset.Table{Rows: rows}
}

func trainedEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(DefaultConfig(), nil)
	if _, _, err := e.Train(context.Background(), caseTable([]string{"Kerala", "Goa"}, 40)); err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	return e
}

func TestEngine_UntrainedErrors(t *testing.T) {
	e := New(DefaultConfig(), nil)

	if e.Healthy() {
		t.Error("Healthy() = true before training")
	}
	if _, err := e.Regions(); !errors.Is(err, models.ErrNotFitted) {
		t.Errorf("Regions() error = %v, want ErrNotFitted", err)
	}
	if _, err := e.Predict(context.Background(), "Kerala", 7); !errors.Is(err, models.ErrNotFitted) {
		t.Errorf("Predict() error = %v, want ErrNotFitted", err)
	}
}

func TestEngine_TrainAndPredict(t *testing.T) {
	e := trainedEngine(t)

	if !e.Healthy() {
		t.Error("Healthy() = false after training")
	}

	regions, err := e.Regions()
	if err != nil {
		t.Fatalf("Regions() error = %v", err)
	}
	if len(regions) != 2 || regions[0] != "Goa" || regions[1] != "Kerala" {
		t.Errorf("Regions() = %v, want sorted [Goa Kerala]", regions)
	}

	r, err := e.Predict(context.Background(), "Kerala", 7)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	// 40 fitted dates followed by 7 future steps.
	if r.Len() != 47 {
		t.Errorf("forecast length = %d, want 47", r.Len())
	}
	for i := range r.Yhat {
		if r.Lower[i] > r.Yhat[i] || r.Yhat[i] > r.Upper[i] {
			t.Errorf("step %d: bounds out of order", i)
		}
	}
}

func TestEngine_Predict_UnknownRegion(t *testing.T) {
	e := trainedEngine(t)

	_, err := e.Predict(context.Background(), "Atlantis", 7)
	if !errors.Is(err, ErrUnknownRegion) {
		t.Errorf("Predict() error = %v, want ErrUnknownRegion", err)
	}
	// Zero observations is the degenerate short-history case, so the
	// forecast path reports it as insufficient history too.
	if !errors.Is(err, models.ErrInsufficientHistory) {
		t.Errorf("Predict() error = %v, want ErrInsufficientHistory", err)
	}
}

func TestEngine_Predict_DefaultHorizon(t *testing.T) {
	e := trainedEngine(t)

	r, err := e.Predict(context.Background(), "Goa", 0)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if r.Len() != 40+30 {
		t.Errorf("forecast length = %d, want history plus default 30-day horizon", r.Len())
	}
}

func TestEngine_Predict_InsufficientHistory(t *testing.T) {
	e := New(DefaultConfig(), nil)

	// Kerala has plenty of history; Stub has a single observation.
	tbl := caseTable([]string{"Kerala"}, 40)
	tbl.Rows = append(tbl.Rows, dataset.Row{
		"region":    "Stub",
		"date":      "2020-03-01",
		"confirmed": "1",
	})
	if _, _, err := e.Train(context.Background(), tbl); err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	_, err := e.Predict(context.Background(), "Stub", 7)
	if !errors.Is(err, models.ErrInsufficientHistory) {
		t.Errorf("Predict() error = %v, want ErrInsufficientHistory", err)
	}
}

func TestEngine_PredictDetail(t *testing.T) {
	e := trainedEngine(t)

	forecast, cases, err := e.PredictDetail(context.Background(), "Kerala", 7)
	if err != nil {
		t.Fatalf("PredictDetail() error = %v", err)
	}
	if forecast.Len() != 47 {
		t.Errorf("forecast length = %d, want 47", forecast.Len())
	}
	// One ensemble prediction per observed day of the requested region.
	if len(cases) != 40 {
		t.Errorf("ensemble predictions = %d, want 40", len(cases))
	}
	for i, v := range cases {
		if v < 0 {
			t.Errorf("ensemble prediction %d = %v, want non-negative", i, v)
		}
	}
}

func TestEngine_StatePredictions(t *testing.T) {
	e := trainedEngine(t)

	all, err := e.StatePredictions(context.Background(), 5)
	if err != nil {
		t.Fatalf("StatePredictions() error = %v", err)
	}

	for _, region := range []string{"Kerala", "Goa", dataset.AggregateRegion} {
		r, ok := all[region]
		if !ok {
			t.Errorf("StatePredictions() missing %s", region)
			continue
		}
		if r.Len() != 40+5 {
			t.Errorf("%s forecast length = %d, want history plus 5 steps", region, r.Len())
		}
	}
}

func TestEngine_StatePredictions_SkipsShortRegions(t *testing.T) {
	e := New(DefaultConfig(), nil)

	tbl := caseTable([]string{"Kerala"}, 40)
	tbl.Rows = append(tbl.Rows, dataset.Row{
		"region":    "Stub",
		"date":      "2020-03-01",
		"confirmed": "1",
	})
	if _, _, err := e.Train(context.Background(), tbl); err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	all, err := e.StatePredictions(context.Background(), 5)
	if err != nil {
		t.Fatalf("StatePredictions() error = %v", err)
	}
	if _, ok := all["Stub"]; ok {
		t.Error("StatePredictions() should skip regions with too little history")
	}
	if _, ok := all["Kerala"]; !ok {
		t.Error("StatePredictions() dropped a healthy region")
	}
}

func TestEngine_EvaluateHeldOut(t *testing.T) {
	e := New(DefaultConfig(), nil)

	testX, testY, err := e.Train(context.Background(), caseTable([]string{"Kerala", "Goa", "Punjab"}, 60))
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if testX.Len() == 0 || testX.Len() != len(testY) {
		t.Fatalf("held-out set sizes: %d rows, %d targets", testX.Len(), len(testY))
	}

	metrics, err := e.Evaluate(context.Background(), testX, testY)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if metrics.MSE < 0 {
		t.Errorf("MSE = %v, want non-negative", metrics.MSE)
	}

	stored, err := e.Metrics()
	if err != nil {
		t.Fatalf("Metrics() error = %v", err)
	}
	if stored.MSE != metrics.MSE || stored.RSquared != metrics.RSquared {
		t.Errorf("stored metrics %+v differ from re-evaluation %+v", stored, metrics)
	}
}

func TestEngine_SeriesFiltering(t *testing.T) {
	e := trainedEngine(t)

	full, err := e.Series("Kerala", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Series() error = %v", err)
	}
	if len(full.Points) != 40 {
		t.Fatalf("full series length = %d, want 40", len(full.Points))
	}

	start := time.Date(2020, 3, 5, 0, 0, 0, 0, time.UTC)
	end := time.Date(2020, 3, 10, 0, 0, 0, 0, time.UTC)
	clipped, err := e.Series("Kerala", start, end)
	if err != nil {
		t.Fatalf("Series() error = %v", err)
	}
	if len(clipped.Points) != 6 {
		t.Errorf("clipped series length = %d, want 6", len(clipped.Points))
	}

	agg, err := e.Series("", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Series(\"\") error = %v", err)
	}
	if agg.Region != dataset.AggregateRegion {
		t.Errorf("empty region served %q, want aggregate", agg.Region)
	}
}

func TestEngine_Rates(t *testing.T) {
	e := trainedEngine(t)

	growth, err := e.GrowthRate("Kerala")
	if err != nil {
		t.Fatalf("GrowthRate() error = %v", err)
	}
	if len(growth) != 40 {
		t.Fatalf("growth length = %d, want 40", len(growth))
	}
	if growth[0].Rate != 0 {
		t.Errorf("first growth rate = %v, want 0", growth[0].Rate)
	}

	recovery, err := e.RecoveryRate("Kerala")
	if err != nil {
		t.Fatalf("RecoveryRate() error = %v", err)
	}
	for i, p := range recovery {
		if p.Rate < 0 || p.Rate > 100 {
			t.Errorf("recovery[%d] = %v, want within [0, 100]", i, p.Rate)
		}
	}
}

func TestEngine_Compare(t *testing.T) {
	e := trainedEngine(t)

	series, err := e.Compare([]string{"Kerala", "Goa"})
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("len(series) = %d, want 2", len(series))
	}

	kerala, ok := series["Kerala"]
	if !ok {
		t.Fatal("Compare() missing Kerala")
	}
	if len(kerala.Dates) != 40 || len(kerala.Confirmed) != 40 {
		t.Fatalf("Kerala series lengths = %d dates, %d confirmed, want 40 each", len(kerala.Dates), len(kerala.Confirmed))
	}
	// Last day of linear growth: base + 10*39.
	if kerala.Confirmed[39] != 50+10*39 {
		t.Errorf("Kerala last confirmed = %v, want %d", kerala.Confirmed[39], 50+10*39)
	}

	if _, err := e.Compare([]string{"Kerala", "Atlantis"}); !errors.Is(err, ErrUnknownRegion) {
		t.Errorf("Compare() with unknown region error = %v, want ErrUnknownRegion", err)
	}
}

func TestEngine_ExportRestore(t *testing.T) {
	e := trainedEngine(t)

	testX, testY, err := e.Train(context.Background(), caseTable([]string{"Kerala", "Goa"}, 40))
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	data, err := e.Export()
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	restored := New(DefaultConfig(), nil)
	if err := restored.Restore(data); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	want, err := e.PredictCases(context.Background(), testX)
	if err != nil {
		t.Fatalf("PredictCases() error = %v", err)
	}
	got, err := restored.PredictCases(context.Background(), testX)
	if err != nil {
		t.Fatalf("restored PredictCases() error = %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("restored prediction %d = %v, want %v", i, got[i], want[i])
		}
	}

	// A restored engine has no dataset until the next Train.
	if _, err := restored.Regions(); !errors.Is(err, models.ErrNotFitted) {
		t.Errorf("restored Regions() error = %v, want ErrNotFitted", err)
	}

	metrics, err := restored.Evaluate(context.Background(), testX, testY)
	if err != nil {
		t.Fatalf("restored Evaluate() error = %v", err)
	}
	if metrics.MSE < 0 {
		t.Errorf("restored MSE = %v, want non-negative", metrics.MSE)
	}
}

func TestEngine_TrainKeepsServingOnError(t *testing.T) {
	e := trainedEngine(t)

	// A batch with no usable rows must not clobber the serving state.
	bad := dataset.Table{Rows: []dataset.Row{
		{"region": "Kerala", "date": "garbage", "confirmed": "10"},
	}}
	if _, _, err := e.Train(context.Background(), bad); err == nil {
		t.Fatal("Train() with unusable batch should error")
	}

	if _, err := e.Predict(context.Background(), "Kerala", 7); err != nil {
		t.Errorf("Predict() after failed retrain error = %v, want previous state to keep serving", err)
	}
}
