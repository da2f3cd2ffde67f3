package reportstore

import (
	"context"
	"testing"
	"time"

	"github.com/skaldworks/weft"
)

func sampleReport(runID string) *weft.ExecutionReport {
	return &weft.ExecutionReport{
		RunID:    runID,
		Workflow: weft.Workflow{ID: "wf", Tasks: []weft.Task{{ID: "a"}}},
		Success:  true,
		Results: map[string]*weft.TaskExecutionResult{
			"a": {
				TaskID:  "a",
				Status:  weft.TaskStatusCompleted,
				Success: true,
				Output:  map[string]interface{}{"value": "done"},
			},
		},
		Statistics: weft.ExecutionStatistics{TotalTasks: 1, CompletedTasks: 1},
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "r1", sampleReport("r1")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RunID != "r1" || !got.Success || got.Statistics.CompletedTasks != 1 {
		t.Errorf("round trip mangled the report: %+v", got)
	}
}

func TestMemoryStore_MissingRun(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()

	if _, err := s.Get(context.Background(), "nope"); err == nil {
		t.Error("expected an error for an unknown run id")
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "r1", sampleReport("r1")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := s.Get(ctx, "r1"); err == nil {
		t.Error("expected an expired report to be unavailable")
	}
}

func TestMemoryStore_ZeroTTLNeverExpires(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "r1", sampleReport("r1")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := s.Get(ctx, "r1"); err != nil {
		t.Errorf("report expired despite ttl 0: %v", err)
	}
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Set(ctx, "r1", sampleReport("r1")); err == nil {
		t.Error("set with a cancelled context must fail")
	}
	if _, err := s.Get(ctx, "r1"); err == nil {
		t.Error("get with a cancelled context must fail")
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := s.Set(ctx, "r1", sampleReport("r1")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RunID != "r1" || got.Workflow.ID != "wf" {
		t.Errorf("round trip mangled the report: %+v", got)
	}
	res, ok := got.Results["a"]
	if !ok || res.Status != weft.TaskStatusCompleted {
		t.Errorf("task result lost in persistence: %+v", got.Results)
	}
	if res.Output.(map[string]interface{})["value"] != "done" {
		t.Errorf("output lost in persistence: %+v", res.Output)
	}
}

func TestFileStore_MissingRun(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(context.Background(), "nope"); err == nil {
		t.Error("expected an error for an unknown run id")
	}
}

func TestFileStore_OverwriteKeepsLatest(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), NewStdLogger("reportstore"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first := sampleReport("r1")
	first.Success = false
	if err := s.Set(ctx, "r1", first); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "r1", sampleReport("r1")); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Success {
		t.Error("second write did not replace the first")
	}
}
