package migration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stellarlinkco/agentcore/internal/memory"
)

type fakeEmbedder struct {
	dim      int
	delay    time.Duration
	failWith map[string]error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string, modelKey string) ([][]float32, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err, ok := f.failWith[text]; ok {
			return nil, err
		}
		vec := make([]float32, f.dim)
		for j := range vec {
			vec[j] = float32(len(text) + j)
		}
		out[i] = vec
	}
	return out, nil
}

func newTestEngine(t *testing.T, embedder memory.Embedder, opts ...Options) (*Engine, *memory.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := memory.NewStore(dir, nil, "old/model")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}
	eng := NewEngine(dir, store, embedder, opt)
	return eng, store, dir
}

func waitForStatus(t *testing.T, eng *Engine, want Status, timeout time.Duration) State {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s := eng.State()
		if s.Status == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %q, last state: %+v", want, eng.State())
	return State{}
}

func TestStartMigratesAllRecordsToCompletion(t *testing.T) {
	embedder := &fakeEmbedder{dim: 3}
	eng, store, dir := newTestEngine(t, embedder)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.Store(ctx, memory.Entry{Content: "record"}, nil); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	if err := eng.Start(ctx, "new/model"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitForStatus(t, eng, StatusCompleted, 2*time.Second)
	if final.MigratedCount != 5 {
		t.Fatalf("expected 5 migrated, got %d", final.MigratedCount)
	}
	if final.TotalRecords != 5 {
		t.Fatalf("expected total 5, got %d", final.TotalRecords)
	}

	statePath := filepath.Join(dir, "migration-state.json")
	if _, err := os.Stat(statePath); !os.IsNotExist(err) {
		t.Fatalf("expected state file removed on completion, stat err = %v", err)
	}
}

func TestStartMigratesAllRecordsAcrossMultipleBatches(t *testing.T) {
	embedder := &fakeEmbedder{dim: 2}
	eng, store, _ := newTestEngine(t, embedder, Options{BatchSize: 3, FixedInterval: 5 * time.Millisecond})
	ctx := context.Background()

	const total = 23
	var oldestID string
	for i := 0; i < total; i++ {
		stored, err := store.Store(ctx, memory.Entry{Content: "record"}, nil)
		if err != nil {
			t.Fatalf("seed store: %v", err)
		}
		if i == 0 {
			oldestID = stored.ID
		}
		time.Sleep(time.Millisecond)
	}

	if err := eng.Start(ctx, "new/model"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitForStatus(t, eng, StatusCompleted, 5*time.Second)
	if final.MigratedCount != total {
		t.Fatalf("expected all %d records migrated across batches of 3, got %d (oldest-first cursor must not stall after the first batch)", total, final.MigratedCount)
	}
	if len(final.FailedRecords) != 0 {
		t.Fatalf("expected no failed records, got %+v", final.FailedRecords)
	}

	entry, ok, err := store.Get(ctx, oldestID)
	if err != nil || !ok {
		t.Fatalf("Get(oldest): ok=%v err=%v", ok, err)
	}
	if len(entry.Vectors["new/model"]) == 0 {
		t.Fatal("expected the oldest record to have been migrated, not stranded behind a stalled cursor")
	}
}

func TestStartRejectsConcurrentMigration(t *testing.T) {
	embedder := &fakeEmbedder{dim: 2}
	eng, store, _ := newTestEngine(t, embedder)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		store.Store(ctx, memory.Entry{Content: "x"}, nil)
	}

	if err := eng.Start(ctx, "new/model"); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := eng.Start(ctx, "new/model"); err == nil {
		t.Fatal("expected second concurrent Start to fail")
	}
	waitForStatus(t, eng, StatusCompleted, 2*time.Second)
}

func TestPauseStopsWorkerAndResumeContinues(t *testing.T) {
	embedder := &fakeEmbedder{dim: 2, delay: 100 * time.Millisecond}
	eng, store, _ := newTestEngine(t, embedder)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		store.Store(ctx, memory.Entry{Content: "x"}, nil)
	}
	eng.mu.Lock()
	eng.state = State{Status: StatusIdle}
	eng.mu.Unlock()
	if err := eng.Start(ctx, "new/model"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// With a 100ms-per-record embed delay and a batch of 10, the first
	// batch alone takes ~1s; pausing immediately always lands mid-batch.
	if err := eng.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	s := eng.State()
	if s.Status != StatusPaused {
		t.Fatalf("expected paused, got %q", s.Status)
	}

	if err := eng.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForStatus(t, eng, StatusCompleted, 3*time.Second)
}

func TestRetryFailedClearsFailedRecordOnSuccess(t *testing.T) {
	embedder := &fakeEmbedder{dim: 2, failWith: map[string]error{}}
	eng, store, _ := newTestEngine(t, embedder)
	ctx := context.Background()
	stored, err := store.Store(ctx, memory.Entry{Content: "flaky"}, nil)
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}

	eng.mu.Lock()
	eng.state = State{TargetModel: "new/model", Status: StatusPaused, TotalRecords: 1}
	eng.state.FailedRecords = []FailedRecord{{ID: stored.ID, Error: "boom", Timestamp: time.Now()}}
	eng.mu.Unlock()

	if err := eng.RetryFailed(ctx, nil); err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	final := eng.State()
	if len(final.FailedRecords) != 0 {
		t.Fatalf("expected failed records cleared, got %+v", final.FailedRecords)
	}
	if final.MigratedCount != 1 {
		t.Fatalf("expected migrated count bumped, got %d", final.MigratedCount)
	}
}

func TestLoadBacksUpCorruptStateFile(t *testing.T) {
	dir := t.TempDir()
	store, err := memory.NewStore(dir, nil, "m")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	statePath := filepath.Join(dir, "migration-state.json")
	if err := os.WriteFile(statePath, []byte(`{"status": "bogus-status"}`), 0644); err != nil {
		t.Fatalf("write corrupt state: %v", err)
	}

	eng := NewEngine(dir, store, &fakeEmbedder{dim: 2}, Options{})
	if err := eng.load(); err == nil {
		t.Fatal("expected load to report the corrupt state file")
	}
	if eng.State().Status != StatusIdle {
		t.Fatalf("expected status reset to idle, got %q", eng.State().Status)
	}

	matches, _ := filepath.Glob(statePath + ".corrupted.*")
	if len(matches) != 1 {
		t.Fatalf("expected exactly one backup file, got %v", matches)
	}
}

func TestSaveWritesValidJSON(t *testing.T) {
	dir := t.TempDir()
	store, err := memory.NewStore(dir, nil, "m")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	eng := NewEngine(dir, store, &fakeEmbedder{dim: 2}, Options{})
	eng.mu.Lock()
	eng.state = State{TargetModel: "new/model", Status: StatusRunning, TotalRecords: 10, MigratedCount: 3}
	err = eng.saveLocked()
	eng.mu.Unlock()
	if err != nil {
		t.Fatalf("saveLocked: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "migration-state.json"))
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.MigratedCount != 3 || s.TotalRecords != 10 {
		t.Fatalf("unexpected persisted state: %+v", s)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "migration-state.json.tmp-*"))
	if len(matches) != 0 {
		t.Fatalf("expected the write-fsync-rename temp file cleaned up, found %v", matches)
	}
}
