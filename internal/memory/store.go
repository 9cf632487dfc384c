// Package memory is the Memory Store: a dual-index (dense vector +
// keyword) record store over modernc.org/sqlite that supports
// multiple coexisting embedding-model vector columns, a resumable
// background migration between them (internal/migration), and a
// migration-aware hybrid search.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	defaultMaxSearchLimit = 200
	defaultSearchLimit    = 10
)

// Embedder computes dense vectors for text. internal/llm.Gateway
// satisfies this with Embed(ctx, texts, modelKey).
type Embedder interface {
	Embed(ctx context.Context, texts []string, modelKey string) ([][]float32, error)
}

// Store is the Memory Store. One Store owns one SQLite file and one
// markdown mirror directory.
type Store struct {
	db       *sql.DB
	mu       sync.Mutex
	embedder Embedder
	dir      string

	activeModel    string
	maxSearchLimit int
	maxModelsHint  int

	migrationRunning     bool
	migrationTargetModel string
	migrationCursor      time.Time
}

// NewStore opens (creating if absent) the SQLite database at
// storagePath/memory.db and the markdown mirror directory at
// storagePath/sessions, and runs schema evolution against any
// existing table.
func NewStore(storagePath string, embedder Embedder, activeModel string) (*Store, error) {
	if err := os.MkdirAll(storagePath, 0o755); err != nil {
		return nil, fmt.Errorf("create memory storage dir: %w", err)
	}
	dbPath := filepath.Join(storagePath, "memory.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{
		db:             db,
		embedder:       embedder,
		dir:            storagePath,
		activeModel:    activeModel,
		maxSearchLimit: defaultMaxSearchLimit,
	}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrateLegacySchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if activeModel != "" {
		if err := s.ensureVectorColumn(activeModel); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'conversation',
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			active_embed TEXT NOT NULL DEFAULT '',
			embed_versions TEXT NOT NULL DEFAULT '{}'
		)
	`)
	if err != nil {
		return fmt.Errorf("init memories schema: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id, type)`); err != nil {
		return fmt.Errorf("init memories index: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)`); err != nil {
		return fmt.Errorf("init memories created index: %w", err)
	}
	return nil
}

// tableColumns returns the memories table's current column names, in
// schema order.
func (s *Store) tableColumns() ([]string, error) {
	rows, err := s.db.Query(`PRAGMA table_info(memories)`)
	if err != nil {
		return nil, fmt.Errorf("pragma table_info: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info: %w", err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func (s *Store) vectorColumns() ([]string, error) {
	cols, err := s.tableColumns()
	if err != nil {
		return nil, err
	}
	var vectorCols []string
	for _, c := range cols {
		if isVectorColumn(c) {
			vectorCols = append(vectorCols, c)
		}
	}
	return vectorCols, nil
}

// migrateLegacySchema detects a pre-multi-embed table (one that has a
// bare "vector" column and no active_embed column — impossible for
// tables created by initSchema, which always has active_embed, but
// reachable when opening a storage directory from an older build) and
// rewrites it: the legacy column's data moves into
// vector_<currentModel>, and every row that had a non-null legacy
// vector gets active_embed/embed_versions populated (§4.5 "Schema
// evolution").
func (s *Store) migrateLegacySchema() error {
	cols, err := s.tableColumns()
	if err != nil {
		return err
	}
	hasActiveEmbed := false
	hasLegacyVector := false
	for _, c := range cols {
		if c == "active_embed" {
			hasActiveEmbed = true
		}
		if c == "vector" {
			hasLegacyVector = true
		}
	}
	if hasActiveEmbed || !hasLegacyVector {
		return nil
	}
	if s.activeModel == "" {
		return nil
	}

	target := encodeColumn(s.activeModel)
	if err := s.rebuildTable(target); err != nil {
		return fmt.Errorf("rebuild for legacy schema: %w", err)
	}

	now := time.Now().UnixMilli()
	_, err = s.db.Exec(fmt.Sprintf(`
		UPDATE memories SET %s = vector, active_embed = ?, updated_at = ?
		WHERE vector IS NOT NULL AND active_embed = ''
	`, quoteIdent(target)), s.activeModel, now)
	if err != nil {
		return fmt.Errorf("copy legacy vector data: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE memories SET embed_versions = ?
		WHERE vector IS NOT NULL AND embed_versions = '{}'
	`, mustMarshal(map[string]int64{s.activeModel: now}))
	if err != nil {
		return fmt.Errorf("set embed_versions for legacy rows: %w", err)
	}
	return nil
}

// ensureVectorColumn guarantees a vector_<encoded> column exists for
// modelKey, introducing it via a full table rebuild-and-copy per
// §4.5's "the table is rebuilt" schema-evolution rule — literal even
// though a bare ALTER TABLE ADD COLUMN would suffice for the common
// case, because the rebuild path is one of the spec's tested
// invariants (preserving every existing vector column across the
// rebuild).
func (s *Store) ensureVectorColumn(modelKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	column := encodeColumn(modelKey)
	cols, err := s.tableColumns()
	if err != nil {
		return err
	}
	for _, c := range cols {
		if c == column {
			return nil
		}
	}
	return s.rebuildTable(column)
}

// rebuildTable creates memories_new with every existing column plus
// newColumn (BLOB, nullable), copies all rows across, then swaps it
// in for memories. Must be called with s.mu held (or before any
// concurrent access begins, e.g. during NewStore).
func (s *Store) rebuildTable(newColumn string) error {
	cols, err := s.tableColumns()
	if err != nil {
		return err
	}
	for _, c := range cols {
		if c == newColumn {
			return nil
		}
	}

	colDefs := make([]string, 0, len(cols)+1)
	colNames := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		def := quoteIdent(c)
		switch c {
		case "id":
			def += " TEXT PRIMARY KEY"
		case "session_id", "type", "content", "active_embed", "embed_versions":
			def += " TEXT NOT NULL DEFAULT ''"
		case "metadata":
			def += " TEXT NOT NULL DEFAULT '{}'"
		case "created_at", "updated_at":
			def += " INTEGER NOT NULL DEFAULT 0"
		default:
			def += " BLOB"
		}
		colDefs = append(colDefs, def)
		colNames = append(colNames, quoteIdent(c))
	}
	colDefs = append(colDefs, quoteIdent(newColumn)+" BLOB")

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DROP TABLE IF EXISTS memories_new`); err != nil {
		return fmt.Errorf("drop stale memories_new: %w", err)
	}
	createSQL := fmt.Sprintf(`CREATE TABLE memories_new (%s)`, strings.Join(colDefs, ", "))
	if _, err := tx.Exec(createSQL); err != nil {
		return fmt.Errorf("create memories_new: %w", err)
	}

	colList := strings.Join(colNames, ", ")
	copySQL := fmt.Sprintf(`INSERT INTO memories_new (%s) SELECT %s FROM memories`, colList, colList)
	if _, err := tx.Exec(copySQL); err != nil {
		return fmt.Errorf("copy rows into memories_new: %w", err)
	}

	if _, err := tx.Exec(`DROP TABLE memories`); err != nil {
		return fmt.Errorf("drop old memories: %w", err)
	}
	if _, err := tx.Exec(`ALTER TABLE memories_new RENAME TO memories`); err != nil {
		return fmt.Errorf("rename memories_new: %w", err)
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id, type)`); err != nil {
		return fmt.Errorf("recreate session index: %w", err)
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)`); err != nil {
		return fmt.Errorf("recreate created index: %w", err)
	}
	return tx.Commit()
}

// SetActiveModel changes the embedding model used by Store on future
// writes, ensuring its vector column exists first.
func (s *Store) SetActiveModel(modelKey string) error {
	if err := s.ensureVectorColumn(modelKey); err != nil {
		return err
	}
	s.mu.Lock()
	s.activeModel = modelKey
	s.mu.Unlock()
	return nil
}

func (s *Store) ActiveModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeModel
}

// Store writes a memory entry (§4.5 "Write path"). If vector is nil
// and the embedder is set, content is embedded against the active
// model; if the embedder is nil or embedding fails, the record is
// still written fulltext-only.
func (s *Store) Store(ctx context.Context, entry Entry, vector []float32) (Entry, error) {
	if strings.TrimSpace(entry.ID) == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}
	if entry.EmbedVersions == nil {
		entry.EmbedVersions = map[string]time.Time{}
	}

	model := s.ActiveModel()
	if vector == nil && s.embedder != nil && model != "" {
		vecs, err := s.embedder.Embed(ctx, []string{entry.Content}, model)
		if err != nil {
			log.Printf("[memory] embed failed for entry %s, writing fulltext-only: %v", entry.ID, err)
		} else if len(vecs) == 1 {
			vector = vecs[0]
		}
	}

	if len(vector) > 0 && model != "" {
		if err := s.ensureVectorColumn(model); err != nil {
			return Entry{}, err
		}
		entry.ActiveEmbed = model
		entry.EmbedVersions[model] = now
	}

	if err := s.upsert(entry, model, vector); err != nil {
		return Entry{}, err
	}
	if err := s.appendMarkdown(entry); err != nil {
		log.Printf("[memory] markdown mirror append failed for entry %s: %v", entry.ID, err)
	}

	if cols, err := s.vectorColumns(); err == nil {
		if maxModels := s.maxModelsHint; maxModels > 0 && len(cols) > maxModels {
			go func() {
				if err := s.CleanupOldVectors(maxModels); err != nil {
					log.Printf("[memory] cleanup old vectors: %v", err)
				}
			}()
		}
	}

	return entry, nil
}

// maxModelsHint is set by callers (the gateway wiring) from
// memory.multiEmbed.maxModels; zero disables the cleanup-enqueue step.
func (s *Store) SetMaxModelsHint(n int) { s.maxModelsHint = n }

// upsert acquires s.mu and writes entry via INSERT ... ON CONFLICT DO
// UPDATE, the normal Store() write path.
func (s *Store) upsert(entry Entry, model string, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeRowLocked(entry, model, vector, true)
}

// upsertLocked is the plain-INSERT variant used by UpdateVector's
// delete-then-insert sequence (§4.5 updateVector): the row was just
// deleted, so no conflict is possible. Caller must already hold s.mu.
func (s *Store) upsertLocked(entry Entry, model string, vector []float32) error {
	return s.writeRowLocked(entry, model, vector, false)
}

// writeRowLocked persists entry's structured fields plus every vector
// already attached to it (entry.Vectors), overriding the overrideModel
// column with overrideVector when given. Writing every known vector,
// not just the one being changed, keeps UpdateVector from silently
// dropping a row's other embedding models' columns on its
// delete-then-reinsert (§4.5 updateVector's "read... snapshot... new
// vector in column" wording implies the rest of the row is preserved).
func (s *Store) writeRowLocked(entry Entry, overrideModel string, overrideVector []float32, onConflictUpdate bool) error {
	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	versions := make(map[string]int64, len(entry.EmbedVersions))
	for k, t := range entry.EmbedVersions {
		versions[k] = t.UnixMilli()
	}
	versionsJSON, err := json.Marshal(versions)
	if err != nil {
		return fmt.Errorf("marshal embed_versions: %w", err)
	}

	cols := []string{"id", "session_id", "type", "content", "metadata", "created_at", "updated_at", "active_embed", "embed_versions"}
	args := []any{entry.ID, entry.SessionID, string(entry.Type), entry.Content, string(metadataJSON),
		entry.CreatedAt.UnixMilli(), entry.UpdatedAt.UnixMilli(), entry.ActiveEmbed, string(versionsJSON)}

	vectors := make(map[string][]float32, len(entry.Vectors)+1)
	for k, v := range entry.Vectors {
		vectors[k] = v
	}
	if overrideModel != "" {
		vectors[overrideModel] = overrideVector
	}
	for modelKey, vec := range vectors {
		if len(vec) == 0 {
			continue
		}
		blob, err := EncodeVector(vec)
		if err != nil {
			return fmt.Errorf("encode vector for %s: %w", modelKey, err)
		}
		cols = append(cols, encodeColumn(modelKey))
		args = append(args, blob)
	}

	placeholders := make([]string, len(cols))
	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		quotedCols[i] = quoteIdent(c)
	}

	stmt := fmt.Sprintf(`INSERT INTO memories (%s) VALUES (%s)`, strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))
	if onConflictUpdate {
		updateAssigns := make([]string, 0, len(cols))
		for _, c := range cols {
			if c != "id" {
				updateAssigns = append(updateAssigns, fmt.Sprintf("%s=excluded.%s", quoteIdent(c), quoteIdent(c)))
			}
		}
		stmt += ` ON CONFLICT(id) DO UPDATE SET ` + strings.Join(updateAssigns, ", ")
	}

	if _, err := s.db.Exec(stmt, args...); err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

func (s *Store) appendMarkdown(entry Entry) error {
	dayDir := filepath.Join(s.dir, "sessions")
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	day := entry.CreatedAt.UTC().Format("2006-01-02")
	path := filepath.Join(dayDir, day+".md")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open day file: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("## %s [%s] %s\n\n%s\n\n", entry.CreatedAt.UTC().Format(time.RFC3339), entry.Type, entry.SessionID, entry.Content)
	_, err = f.WriteString(line)
	return err
}

// Get fetches a single entry by id.
func (s *Store) Get(ctx context.Context, id string) (Entry, bool, error) {
	entries, err := s.loadCandidates("", "", []string{id})
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[0], true, nil
}

// UpdateVector implements §4.5's updateVector(id, column, vector,
// modelId): non-atomic read-snapshot/delete/insert so that a failed
// insert can restore the original row instead of silently dropping
// it.
func (s *Store) UpdateVector(ctx context.Context, id, modelKey string, vector []float32) error {
	if err := s.ensureVectorColumn(modelKey); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadCandidatesLocked("", "", []string{id})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("update vector: entry %s not found", id)
	}
	original := entries[0]

	if _, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete before update: %w", err)
	}

	updated := original
	updated.ActiveEmbed = modelKey
	updated.UpdatedAt = time.Now()
	if updated.EmbedVersions == nil {
		updated.EmbedVersions = map[string]time.Time{}
	}
	updated.EmbedVersions[modelKey] = updated.UpdatedAt

	if err := s.upsertLocked(updated, modelKey, vector); err != nil {
		var restoreVector []float32
		if original.ActiveEmbed != "" {
			restoreVector = original.Vectors[original.ActiveEmbed]
		}
		if restoreErr := s.upsertLocked(original, original.ActiveEmbed, restoreVector); restoreErr != nil {
			return fmt.Errorf("update vector insert failed (%v) and snapshot restore also failed: %w", err, restoreErr)
		}
		return fmt.Errorf("update vector insert: %w", err)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func mustMarshal(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// sortEntriesByCreatedAt is used by the migration engine's
// newest-first batch ordering and by deterministic test assertions.
func sortEntriesByCreatedAt(entries []Entry, descending bool) {
	sort.SliceStable(entries, func(i, j int) bool {
		if descending {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
