package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/agentcore/internal/memory"
)

const defaultBatchSize = 50

// Store is the subset of memory.Store the migration engine drives.
type Store interface {
	CountRows(ctx context.Context) (int, error)
	FetchMigrationBatch(ctx context.Context, targetModel string, migratedUntil time.Time, batchSize int) ([]memory.Entry, error)
	UpdateVector(ctx context.Context, id, modelKey string, vector []float32) error
	ActiveModel() string
	Get(ctx context.Context, id string) (memory.Entry, bool, error)
	SetMigrationState(running bool, targetModel string, migratedUntil time.Time)
}

// Options carries the tunable knobs sourced from memory.multiEmbed.*
// config. A zero Options falls back to defaultBatchSize and a fully
// adaptive pacer.
type Options struct {
	// BatchSize overrides defaultBatchSize when positive.
	BatchSize int
	// FixedInterval overrides the adaptive pacer with a constant
	// delay between batches when positive.
	FixedInterval time.Duration
}

// Engine is the Migration Engine: a resumable background re-embedding
// worker with a persisted JSON state file and a pacer between batches
// that is adaptive by default but can be pinned to a fixed interval.
type Engine struct {
	statePath     string
	store         Store
	embedder      memory.Embedder
	batchSize     int
	fixedInterval time.Duration

	mu    sync.Mutex
	state State
	pacer *adaptivePacer

	driftCron    *rcron.Cron
	workerStop   chan struct{}
	workerActive bool

	OnProgress func(ProgressEvent)
	OnComplete func()
}

// NewEngine wires an Engine to a memory store and the embedder it
// should re-embed content with. storageDir is the directory the memory
// store itself lives in; the state file is written as
// migration-state.json inside it.
func NewEngine(storageDir string, store Store, embedder memory.Embedder, opts Options) *Engine {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Engine{
		statePath:     filepath.Join(storageDir, "migration-state.json"),
		store:         store,
		embedder:      embedder,
		state:         State{Status: StatusIdle},
		batchSize:     batchSize,
		fixedInterval: opts.FixedInterval,
	}
}

// Run loads any persisted state, resumes a running migration if one
// was in flight, and starts a periodic drift check against
// configuredModel using a robfig/cron periodic job instead of a
// user-defined schedule.
func (e *Engine) Run(ctx context.Context, configuredModel string) error {
	if err := e.load(); err != nil {
		log.Printf("[migration] warning: failed to load state: %v", err)
	}

	e.driftCron = rcron.New()
	if _, err := e.driftCron.AddFunc("@every 1m", func() { e.checkDrift(ctx, configuredModel) }); err != nil {
		return fmt.Errorf("schedule drift check: %w", err)
	}
	e.driftCron.Start()

	e.mu.Lock()
	resume := e.state.Status == StatusRunning
	e.mu.Unlock()
	if resume {
		e.startWorker(ctx)
	}

	go func() {
		<-ctx.Done()
		e.Stop()
	}()

	return nil
}

func (e *Engine) Stop() {
	if e.driftCron != nil {
		e.driftCron.Stop()
	}
	e.mu.Lock()
	stop := e.workerStop
	e.mu.Unlock()
	if stop != nil {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
}

func (e *Engine) checkDrift(ctx context.Context, configuredModel string) {
	e.mu.Lock()
	running := e.state.Status == StatusRunning
	e.mu.Unlock()
	if running {
		return
	}
	active := e.store.ActiveModel()
	if active == configuredModel {
		return
	}
	if err := e.Start(ctx, configuredModel); err != nil {
		log.Printf("[migration] drift-triggered start failed: %v", err)
	}
}

// Start begins a new migration to targetModel.
func (e *Engine) Start(ctx context.Context, targetModel string) error {
	e.mu.Lock()
	if e.state.Status == StatusRunning {
		e.mu.Unlock()
		return fmt.Errorf("migration already running (target %s)", e.state.TargetModel)
	}
	e.mu.Unlock()

	total, err := e.store.CountRows(ctx)
	if err != nil {
		return fmt.Errorf("count rows: %w", err)
	}

	now := time.Now()
	e.mu.Lock()
	e.state = State{
		TargetModel:   targetModel,
		Status:        StatusRunning,
		TotalRecords:  total,
		MigratedCount: 0,
		BatchSize:     e.batchSize,
		StartedAt:     &now,
	}
	e.pacer = newAdaptivePacer()
	saveErr := e.saveLocked()
	e.mu.Unlock()
	e.store.SetMigrationState(true, targetModel, time.Time{})
	if saveErr != nil {
		return saveErr
	}

	e.startWorker(ctx)
	return nil
}

// Pause flips status to paused and wakes the worker so it stops
// before its next batch instead of waiting out the pacer interval.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.state.Status != StatusRunning {
		e.mu.Unlock()
		return fmt.Errorf("migration is not running")
	}
	e.state.Status = StatusPaused
	target := e.state.TargetModel
	migratedUntil := e.state.MigratedUntil
	err := e.saveLocked()
	stop := e.workerStop
	e.mu.Unlock()
	e.store.SetMigrationState(false, target, migratedUntil)
	if stop != nil {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	return err
}

// Resume restarts the worker from migratedUntil without re-embedding
// any already-migrated record.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	if e.state.Status != StatusPaused {
		e.mu.Unlock()
		return fmt.Errorf("migration is not paused")
	}
	e.state.Status = StatusRunning
	if e.pacer == nil {
		e.pacer = newAdaptivePacer()
	}
	target := e.state.TargetModel
	migratedUntil := e.state.MigratedUntil
	err := e.saveLocked()
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.store.SetMigrationState(true, target, migratedUntil)
	e.startWorker(ctx)
	return nil
}

// RetryFailed re-attempts the given failed record ids (or all of them
// if ids is empty). Successes are removed from FailedRecords and bump
// MigratedCount.
func (e *Engine) RetryFailed(ctx context.Context, ids []string) error {
	e.mu.Lock()
	var toRetry []FailedRecord
	if len(ids) == 0 {
		toRetry = append(toRetry, e.state.FailedRecords...)
	} else {
		want := make(map[string]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
		for _, fr := range e.state.FailedRecords {
			if want[fr.ID] {
				toRetry = append(toRetry, fr)
			}
		}
	}
	e.mu.Unlock()

	var remaining []FailedRecord
	var stillFailing []FailedRecord
	for _, fr := range toRetry {
		if err := e.retryOne(ctx, fr); err != nil {
			stillFailing = append(stillFailing, FailedRecord{ID: fr.ID, Error: err.Error(), Timestamp: time.Now()})
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	retried := make(map[string]bool, len(toRetry))
	for _, fr := range toRetry {
		retried[fr.ID] = true
	}
	for _, fr := range e.state.FailedRecords {
		if !retried[fr.ID] {
			remaining = append(remaining, fr)
		}
	}
	e.state.FailedRecords = append(remaining, stillFailing...)
	return e.saveLocked()
}

func (e *Engine) retryOne(ctx context.Context, fr FailedRecord) error {
	e.mu.Lock()
	target := e.state.TargetModel
	e.mu.Unlock()

	entry, ok, err := e.store.Get(ctx, fr.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("record %s no longer exists", fr.ID)
	}

	vecs, err := e.embedder.Embed(ctx, []string{entry.Content}, target)
	if err != nil {
		return err
	}
	if len(vecs) != 1 {
		return fmt.Errorf("embed returned %d vectors, want 1", len(vecs))
	}
	if err := e.store.UpdateVector(ctx, fr.ID, target, vecs[0]); err != nil {
		return err
	}
	e.mu.Lock()
	e.state.MigratedCount++
	if entry.CreatedAt.After(e.state.MigratedUntil) {
		e.state.MigratedUntil = entry.CreatedAt
	}
	e.mu.Unlock()
	return nil
}

// State returns a snapshot of the current migration state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// startWorker spawns the background loop unless one is already alive.
// Resume() calling this while the prior worker is still finishing its
// current batch is a no-op: that worker rechecks status on its next
// iteration and simply continues, so resume never races a second
// goroutine against the first: pause/resume is meant to be
// cooperative, not an abrupt restart.
func (e *Engine) startWorker(ctx context.Context) {
	e.mu.Lock()
	if e.workerActive {
		e.mu.Unlock()
		return
	}
	e.workerActive = true
	stop := make(chan struct{})
	e.workerStop = stop
	e.mu.Unlock()
	go e.workerLoop(ctx, stop)
}

func (e *Engine) workerLoop(ctx context.Context, stop chan struct{}) {
	defer func() {
		e.mu.Lock()
		e.workerActive = false
		e.mu.Unlock()
	}()
	for {
		e.mu.Lock()
		status := e.state.Status
		targetModel := e.state.TargetModel
		migratedUntil := e.state.MigratedUntil
		batchSize := e.state.BatchSize
		e.mu.Unlock()
		if status != StatusRunning {
			return
		}

		batch, err := e.store.FetchMigrationBatch(ctx, targetModel, migratedUntil, batchSize)
		if err != nil {
			log.Printf("[migration] fetch batch failed: %v", err)
			return
		}
		if len(batch) == 0 {
			e.finish()
			return
		}

		start := time.Now()
		successCount, failCount := e.runBatch(ctx, targetModel, batch)
		elapsed := time.Since(start)

		e.mu.Lock()
		var interval time.Duration
		if e.fixedInterval > 0 {
			interval = e.fixedInterval
		} else {
			if e.pacer == nil {
				e.pacer = newAdaptivePacer()
			}
			if failCount > 0 {
				e.pacer.onFailure()
			} else {
				e.pacer.onSuccess(elapsed / time.Duration(len(batch)))
			}
			interval = e.pacer.interval
		}
		progress := ProgressEvent{
			MigratedCount: e.state.MigratedCount,
			TotalRecords:  e.state.TotalRecords,
			BatchSize:     batchSize,
			SuccessCount:  successCount,
			FailCount:     failCount,
		}
		if e.state.TotalRecords > 0 {
			progress.ProgressPercent = 100 * float64(e.state.MigratedCount) / float64(e.state.TotalRecords)
		}
		if err := e.saveLocked(); err != nil {
			log.Printf("[migration] save state failed: %v", err)
		}
		status = e.state.Status
		migratedUntil = e.state.MigratedUntil
		e.mu.Unlock()

		e.store.SetMigrationState(status == StatusRunning, targetModel, migratedUntil)
		if e.OnProgress != nil {
			e.OnProgress(progress)
		}
		if status != StatusRunning {
			return
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}

func (e *Engine) runBatch(ctx context.Context, targetModel string, batch []memory.Entry) (successCount, failCount int) {
	for _, entry := range batch {
		vecs, err := e.embedder.Embed(ctx, []string{entry.Content}, targetModel)
		if err == nil && len(vecs) != 1 {
			err = fmt.Errorf("embed returned %d vectors, want 1", len(vecs))
		}
		if err == nil {
			err = e.store.UpdateVector(ctx, entry.ID, targetModel, vecs[0])
		}

		e.mu.Lock()
		if err != nil {
			failCount++
			e.state.FailedRecords = append(e.state.FailedRecords, FailedRecord{
				ID: entry.ID, Error: err.Error(), Timestamp: time.Now(),
			})
		} else {
			successCount++
			e.state.MigratedCount++
			if entry.CreatedAt.After(e.state.MigratedUntil) {
				e.state.MigratedUntil = entry.CreatedAt
			}
		}
		e.mu.Unlock()
	}
	return successCount, failCount
}

// finish marks the migration complete, confirms the store has switched
// its active model, then removes the state file entirely: state exists
// only while a migration is in flight or paused, not once it has
// succeeded. The corrupt-state backup path in load is untouched — that
// guard is about never discarding an unreadable file without a copy,
// not about retaining a completed one.
func (e *Engine) finish() {
	e.mu.Lock()
	now := time.Now()
	e.state.Status = StatusCompleted
	e.state.CompletedAt = &now
	target := e.state.TargetModel
	migratedUntil := e.state.MigratedUntil
	if err := e.saveLocked(); err != nil {
		log.Printf("[migration] save state on completion failed: %v", err)
	}
	e.mu.Unlock()

	e.store.SetMigrationState(false, target, migratedUntil)

	if err := os.Remove(e.statePath); err != nil && !os.IsNotExist(err) {
		log.Printf("[migration] failed to remove completed state file: %v", err)
	}

	if e.OnComplete != nil {
		e.OnComplete()
	}
}

// load reads the state file, validating required fields; a parse or
// validation failure backs up the file with a timestamp suffix and
// treats status as idle rather than propagating a corrupt cursor.
func (e *Engine) load() error {
	data, err := os.ReadFile(e.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var s State
	if jsonErr := json.Unmarshal(data, &s); jsonErr != nil || !s.valid() {
		backup := fmt.Sprintf("%s.corrupted.%s", e.statePath, time.Now().UTC().Format("20060102T150405Z"))
		if werr := os.WriteFile(backup, data, 0644); werr != nil {
			log.Printf("[migration] failed to back up corrupt state file: %v", werr)
		}
		e.mu.Lock()
		e.state = State{Status: StatusIdle}
		e.mu.Unlock()
		return fmt.Errorf("corrupt migration state, backed up to %s", backup)
	}

	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	return nil
}

// saveLocked persists the state file durably: write to a sibling temp
// file, fsync the file, rename it over statePath, then fsync the
// directory entry so the rename itself survives a crash. Plain
// WriteFile only hands the bytes to the page cache — a crash before
// the kernel flushes them can lose migratedUntil or leave a torn file,
// which is exactly the cursor the resumable-migration design depends
// on surviving a restart.
func (e *Engine) saveLocked() error {
	dir := filepath.Dir(e.statePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(e.state, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(e.statePath)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, e.statePath); err != nil {
		return err
	}
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
