package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// loadCandidates loads entries matching optional sessionID/type
// filters and an optional explicit id list, decoding every populated
// vector column into Entry.Vectors.
func (s *Store) loadCandidates(sessionID string, entryType EntryType, ids []string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCandidatesLocked(sessionID, entryType, ids)
}

func (s *Store) loadCandidatesLocked(sessionID string, entryType EntryType, ids []string) ([]Entry, error) {
	cols, err := s.tableColumns()
	if err != nil {
		return nil, err
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}

	query := fmt.Sprintf(`SELECT %s FROM memories WHERE 1=1`, strings.Join(quoted, ", "))
	var args []any
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	if entryType != "" {
		query += ` AND type = ?`
		args = append(args, string(entryType))
	}
	if len(ids) > 0 {
		query += ` AND id IN (` + placeholderList(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		scanDest := make([]any, len(cols))
		scanPtrs := make([]any, len(cols))
		for i := range scanDest {
			scanPtrs[i] = &scanDest[i]
		}
		if err := rows.Scan(scanPtrs...); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		entry, err := rowToEntry(cols, scanDest)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func rowToEntry(cols []string, vals []any) (Entry, error) {
	var e Entry
	e.Vectors = map[string][]float32{}
	e.EmbedVersions = map[string]time.Time{}

	for i, c := range cols {
		v := vals[i]
		switch c {
		case "id":
			e.ID = asString(v)
		case "session_id":
			e.SessionID = asString(v)
		case "type":
			e.Type = EntryType(asString(v))
		case "content":
			e.Content = asString(v)
		case "metadata":
			if raw := asString(v); raw != "" {
				if err := json.Unmarshal([]byte(raw), &e.Metadata); err != nil {
					return Entry{}, fmt.Errorf("parse metadata for %s: %w", e.ID, err)
				}
			}
		case "created_at":
			e.CreatedAt = msToTime(asInt64(v))
		case "updated_at":
			e.UpdatedAt = msToTime(asInt64(v))
		case "active_embed":
			e.ActiveEmbed = asString(v)
		case "embed_versions":
			if raw := asString(v); raw != "" {
				var raw64 map[string]int64
				if err := json.Unmarshal([]byte(raw), &raw64); err != nil {
					return Entry{}, fmt.Errorf("parse embed_versions for %s: %w", e.ID, err)
				}
				for k, ms := range raw64 {
					e.EmbedVersions[k] = msToTime(ms)
				}
			}
		default:
			if isVectorColumn(c) {
				blob, ok := v.([]byte)
				if !ok || len(blob) == 0 {
					continue
				}
				vec, err := DecodeVector(blob)
				if err != nil {
					return Entry{}, fmt.Errorf("decode %s for %s: %w", c, e.ID, err)
				}
				if modelKey, ok := decodeColumn(c); ok {
					e.Vectors[modelKey] = vec
				}
			}
		}
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	return e, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func placeholderList(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}

// Search implements §4.5's search(query, opts): fulltext | vector |
// hybrid | auto.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]Scored, error) {
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > s.maxSearchLimit {
		limit = s.maxSearchLimit
	}

	switch opts.Mode {
	case ModeFulltext:
		return s.searchFulltextMode(query, opts, limit)
	case ModeVector:
		return s.searchVectorMode(ctx, query, opts, limit)
	case ModeHybrid:
		return s.searchHybrid(ctx, query, opts, limit)
	case ModeAuto:
		return s.searchAuto(ctx, query, opts, limit)
	default:
		return nil, fmt.Errorf("search: unknown mode %q", opts.Mode)
	}
}

func (s *Store) searchFulltextMode(query string, opts SearchOptions, limit int) ([]Scored, error) {
	entries, err := s.loadCandidates(opts.SessionID, opts.Type, nil)
	if err != nil {
		return nil, err
	}
	return searchFulltext(entries, query, limit), nil
}

func (s *Store) searchVectorMode(ctx context.Context, query string, opts SearchOptions, limit int) ([]Scored, error) {
	targetModel := opts.TargetModel
	if targetModel == "" {
		targetModel = s.ActiveModel()
	}
	if targetModel == "" || s.embedder == nil {
		return nil, nil
	}
	vecs, err := s.embedder.Embed(ctx, []string{query}, targetModel)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: expected 1 vector, got %d", len(vecs))
	}
	queryVec := vecs[0]

	entries, err := s.loadCandidates(opts.SessionID, opts.Type, nil)
	if err != nil {
		return nil, err
	}
	return scoreByVector(entries, targetModel, queryVec, limit), nil
}

func scoreByVector(entries []Entry, targetModel string, queryVec []float32, limit int) []Scored {
	scored := make([]Scored, 0, len(entries))
	for _, e := range entries {
		vec, ok := e.Vectors[targetModel]
		if !ok || len(vec) == 0 {
			continue
		}
		if len(vec) != len(queryVec) {
			continue // dimension mismatch: skip, per §7's "Dimension mismatch" row
		}
		sim, err := CosineSimilarity(queryVec, vec)
		if err != nil {
			continue
		}
		scored = append(scored, Scored{Entry: e, Score: sim})
	}
	sortScoredDesc(scored)
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

func sortScoredDesc(scored []Scored) {
	for i := 1; i < len(scored); i++ {
		for j := i; j > 0 && scored[j].Score > scored[j-1].Score; j-- {
			scored[j], scored[j-1] = scored[j-1], scored[j]
		}
	}
}

// searchHybrid runs vector and fulltext concurrently, concatenates
// vector-then-fulltext, de-duplicating by id, truncated to limit.
func (s *Store) searchHybrid(ctx context.Context, query string, opts SearchOptions, limit int) ([]Scored, error) {
	type result struct {
		scored []Scored
		err    error
	}
	vectorCh := make(chan result, 1)
	fulltextCh := make(chan result, 1)

	go func() {
		scored, err := s.searchVectorMode(ctx, query, opts, limit)
		vectorCh <- result{scored, err}
	}()
	go func() {
		scored, err := s.searchFulltextMode(query, opts, limit)
		fulltextCh <- result{scored, err}
	}()

	vectorRes := <-vectorCh
	fulltextRes := <-fulltextCh
	if vectorRes.err != nil {
		return nil, vectorRes.err
	}
	if fulltextRes.err != nil {
		return nil, fulltextRes.err
	}
	return dedupeByID(append(vectorRes.scored, fulltextRes.scored...), limit), nil
}

func dedupeByID(scored []Scored, limit int) []Scored {
	seen := make(map[string]bool, len(scored))
	out := make([]Scored, 0, len(scored))
	for _, s := range scored {
		if seen[s.Entry.ID] {
			continue
		}
		seen[s.Entry.ID] = true
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// searchAuto implements §4.5's "Auto" mode: migration-aware hybrid
// when a migration targeting the same model is running, otherwise
// prefer vector, falling back to fulltext if it yields zero.
func (s *Store) searchAuto(ctx context.Context, query string, opts SearchOptions, limit int) ([]Scored, error) {
	s.mu.Lock()
	migrating := s.migrationRunning
	migratingModel := s.migrationTargetModel
	migratedUntil := s.migrationCursor
	s.mu.Unlock()

	targetModel := opts.TargetModel
	if targetModel == "" {
		targetModel = s.ActiveModel()
	}

	if migrating && migratingModel == targetModel {
		return s.searchMigrationAwareHybrid(ctx, query, opts, targetModel, migratedUntil, limit)
	}

	vectorResults, err := s.searchVectorMode(ctx, query, opts, limit)
	if err != nil {
		return nil, err
	}
	if len(vectorResults) > 0 {
		return vectorResults, nil
	}
	return s.searchFulltextMode(query, opts, limit)
}

// searchMigrationAwareHybrid vector-searches only rows already
// migrated to targetModel and restricts the fulltext sub-query to
// rows created after the migration cursor, per §4.5's scenario 5.
func (s *Store) searchMigrationAwareHybrid(ctx context.Context, query string, opts SearchOptions, targetModel string, migratedUntil time.Time, limit int) ([]Scored, error) {
	vectorResults, err := s.searchVectorMode(ctx, query, opts, limit)
	if err != nil {
		return nil, err
	}

	entries, err := s.loadCandidates(opts.SessionID, opts.Type, nil)
	if err != nil {
		return nil, err
	}
	var unmigrated []Entry
	for _, e := range entries {
		if e.CreatedAt.After(migratedUntil) {
			unmigrated = append(unmigrated, e)
		}
	}
	fulltextResults := searchFulltext(unmigrated, query, limit)

	return dedupeByID(append(vectorResults, fulltextResults...), limit), nil
}

// SetMigrationState lets internal/migration report its progress so
// searchAuto can switch to migration-aware hybrid mode.
func (s *Store) SetMigrationState(running bool, targetModel string, migratedUntil time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrationRunning = running
	s.migrationTargetModel = targetModel
	s.migrationCursor = migratedUntil
}

// CountRows returns the total number of memory entries.
func (s *Store) CountRows(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM memories`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

// FetchMigrationBatch returns the next batch of records whose
// targetModel vector column is null/absent and whose createdAt is
// after migratedUntil (if set), oldest first. Oldest-first ordering
// is load-bearing: the worker advances migratedUntil to the newest
// createdAt it has processed after each batch, so the next fetch's
// createdAt > migratedUntil only excludes rows already handled when
// batches are consumed in increasing createdAt order. Fetching
// newest-first would advance migratedUntil straight to the table's
// max createdAt after the very first batch, stranding every older row.
func (s *Store) FetchMigrationBatch(ctx context.Context, targetModel string, migratedUntil time.Time, batchSize int) ([]Entry, error) {
	if err := s.ensureVectorColumn(targetModel); err != nil {
		return nil, err
	}
	column := encodeColumn(targetModel)

	s.mu.Lock()
	defer s.mu.Unlock()

	cols, err := s.tableColumns()
	if err != nil {
		return nil, err
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}

	query := fmt.Sprintf(`SELECT %s FROM memories WHERE %s IS NULL`, strings.Join(quoted, ", "), quoteIdent(column))
	var args []any
	if !migratedUntil.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, migratedUntil.UnixMilli())
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, batchSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch migration batch: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		scanDest := make([]any, len(cols))
		scanPtrs := make([]any, len(cols))
		for i := range scanDest {
			scanPtrs[i] = &scanDest[i]
		}
		if err := rows.Scan(scanPtrs...); err != nil {
			return nil, fmt.Errorf("scan migration batch row: %w", err)
		}
		entry, err := rowToEntry(cols, scanDest)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// VectorColumns exposes the current vector_<encoded> column set, used
// by the migration engine's drift check and by CleanupOldVectors.
func (s *Store) VectorColumns() ([]string, error) {
	return s.vectorColumns()
}

// CleanupOldVectors implements the resolved semantics of
// multiEmbed.cleanupOldVectors: when the distinct vector-column count
// exceeds maxModels, drop the least-recently-used columns (by the
// newest embed_versions timestamp seen for that model across all
// rows) via a rebuild that preserves every other column, until the
// count is back at maxModels. The active model's column is never
// dropped.
func (s *Store) CleanupOldVectors(maxModels int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cols, err := s.tableColumns()
	if err != nil {
		return err
	}
	var vectorCols []string
	for _, c := range cols {
		if isVectorColumn(c) {
			vectorCols = append(vectorCols, c)
		}
	}
	if len(vectorCols) <= maxModels {
		return nil
	}

	lastUsed, err := s.lastUsedByColumnLocked(vectorCols)
	if err != nil {
		return err
	}

	activeColumn := encodeColumn(s.activeModel)
	ordered := make([]colAge, 0, len(vectorCols))
	for _, c := range vectorCols {
		if c == activeColumn {
			continue
		}
		ordered = append(ordered, colAge{c, lastUsed[c]})
	}
	sortColAgeAscending(ordered)

	toDrop := len(vectorCols) - maxModels
	for i := 0; i < toDrop && i < len(ordered); i++ {
		if err := s.dropColumnLocked(ordered[i].column); err != nil {
			return fmt.Errorf("drop vector column %s: %w", ordered[i].column, err)
		}
	}
	return nil
}

type colAge struct {
	column string
	age    time.Time
}

func sortColAgeAscending(items []colAge) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].age.Before(items[j-1].age); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

func (s *Store) lastUsedByColumnLocked(vectorCols []string) (map[string]time.Time, error) {
	rows, err := s.db.Query(`SELECT embed_versions FROM memories`)
	if err != nil {
		return nil, fmt.Errorf("scan embed_versions for cleanup: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]time.Time, len(vectorCols))
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan embed_versions row: %w", err)
		}
		if raw == "" {
			continue
		}
		var versions map[string]int64
		if err := json.Unmarshal([]byte(raw), &versions); err != nil {
			continue
		}
		for modelKey, ms := range versions {
			col := encodeColumn(modelKey)
			t := msToTime(ms)
			if latest[col].Before(t) {
				latest[col] = t
			}
		}
	}
	return latest, rows.Err()
}

// dropColumnLocked rebuilds the table without the given column.
// Caller must hold s.mu.
func (s *Store) dropColumnLocked(column string) error {
	cols, err := s.tableColumns()
	if err != nil {
		return err
	}
	keep := make([]string, 0, len(cols)-1)
	for _, c := range cols {
		if c != column {
			keep = append(keep, c)
		}
	}

	colDefs := make([]string, 0, len(keep))
	for _, c := range keep {
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
	}
	quotedKeep := make([]string, len(keep))
	for i, c := range keep {
		quotedKeep[i] = quoteIdent(c)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin drop-column rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DROP TABLE IF EXISTS memories_new`); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`CREATE TABLE memories_new (%s)`, strings.Join(colDefs, ", "))); err != nil {
		return fmt.Errorf("create memories_new: %w", err)
	}
	colList := strings.Join(quotedKeep, ", ")
	if _, err := tx.Exec(fmt.Sprintf(`INSERT INTO memories_new (%s) SELECT %s FROM memories`, colList, colList)); err != nil {
		return fmt.Errorf("copy rows dropping column: %w", err)
	}
	if _, err := tx.Exec(`DROP TABLE memories`); err != nil {
		return err
	}
	if _, err := tx.Exec(`ALTER TABLE memories_new RENAME TO memories`); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id, type)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)`); err != nil {
		return err
	}
	return tx.Commit()
}
