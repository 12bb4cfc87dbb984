package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/epicast/epicast/pkg/dataset"
	"github.com/epicast/epicast/pkg/engine"
	"github.com/epicast/epicast/pkg/storage"
)

// stubSource returns a fixed batch, or an error when failing is set.
type stubSource struct {
	tbl     dataset.Table
	failing bool
}

func (s *stubSource) Fetch(ctx context.Context) (dataset.Table, error) {
	if s.failing {
		return dataset.Table{}, errors.New("source unavailable")
	}
	return s.tbl, nil
}

func (s *stubSource) Name() string { return "stub" }

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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestService_Tick(t *testing.T) {
	src := &stubSource{tbl: caseTable([]string{"Kerala", "Goa"}, 40)}
	eng := engine.New(engine.DefaultConfig(), testLogger())
	store := storage.NewMemoryStore()

	svc := NewService(src, eng, store, 7, 0.80, "", testLogger(), nil)

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if !eng.Healthy() {
		t.Error("engine should be trained after a tick")
	}

	for _, region := range []string{"Kerala", "Goa", dataset.AggregateRegion} {
		snap, found, err := store.GetLatest(context.Background(), region)
		if err != nil {
			t.Fatalf("GetLatest(%s) error = %v", region, err)
		}
		if !found {
			t.Errorf("no snapshot stored for %s", region)
			continue
		}
		if snap.HorizonDays != 7 {
			t.Errorf("%s snapshot horizon = %d days, want 7", region, snap.HorizonDays)
		}
		// 40 fitted dates followed by 7 future steps.
		if len(snap.Yhat) != 47 {
			t.Errorf("%s snapshot length = %d points, want 47", region, len(snap.Yhat))
		}
		if snap.IntervalLevel != 0.80 {
			t.Errorf("%s snapshot interval level = %v, want 0.80", region, snap.IntervalLevel)
		}
	}
}

func TestService_Tick_SourceFailure(t *testing.T) {
	src := &stubSource{failing: true}
	eng := engine.New(engine.DefaultConfig(), testLogger())

	svc := NewService(src, eng, storage.NewMemoryStore(), 7, 0.80, "", testLogger(), nil)

	if err := svc.Tick(context.Background()); err == nil {
		t.Fatal("Tick() with failing source should error")
	}
	if eng.Healthy() {
		t.Error("engine should stay untrained after a failed fetch")
	}
}

func TestService_Tick_KeepsServingOnBadBatch(t *testing.T) {
	src := &stubSource{tbl: caseTable([]string{"Kerala"}, 40)}
	eng := engine.New(engine.DefaultConfig(), testLogger())
	store := storage.NewMemoryStore()

	svc := NewService(src, eng, store, 7, 0.80, "", testLogger(), nil)
	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	// The next batch has no usable rows; the trained state must survive.
	src.tbl = dataset.Table{Rows: []dataset.Row{
		{"region": "Kerala", "date": "garbage", "confirmed": "10"},
	}}
	if err := svc.Tick(context.Background()); err == nil {
		t.Fatal("Tick() with unusable batch should error")
	}
	if !eng.Healthy() {
		t.Error("engine should keep serving the previous state")
	}
}

func TestService_Tick_WritesArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")

	src := &stubSource{tbl: caseTable([]string{"Kerala"}, 40)}
	eng := engine.New(engine.DefaultConfig(), testLogger())

	svc := NewService(src, eng, storage.NewMemoryStore(), 7, 0.80, path, testLogger(), nil)
	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}

	restored := engine.New(engine.DefaultConfig(), testLogger())
	if err := restored.Restore(data); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if !restored.Healthy() {
		t.Error("restored engine should report healthy")
	}
}

func TestService_Run_StopsOnCancel(t *testing.T) {
	src := &stubSource{tbl: caseTable([]string{"Kerala"}, 40)}
	eng := engine.New(engine.DefaultConfig(), testLogger())

	svc := NewService(src, eng, storage.NewMemoryStore(), 7, 0.80, "", testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Run(ctx, time.Hour)
	}()

	// The initial tick runs immediately; give it a moment, then stop.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}
