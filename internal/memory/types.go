package memory

import "time"

// EntryType is the kind of a memory entry.
type EntryType string

const (
	TypeConversation EntryType = "conversation"
	TypeSummary      EntryType = "summary"
	TypeEntity       EntryType = "entity"
)

// Entry is a single memory record: conversation turn, rolled-up
// summary, or extracted entity. Exactly one dense-vector column is
// "active" at a time (ActiveEmbed); EmbedVersions records when each
// embedding model last wrote a vector for this row, so the migration
// engine and the schema-evolution path can tell which columns are
// stale without re-reading every vector.
type Entry struct {
	ID            string
	SessionID     string
	Type          EntryType
	Content       string
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ActiveEmbed   string
	EmbedVersions map[string]time.Time

	// Vectors holds the decoded vector for every populated
	// vector_<encoded> column on this row, keyed by the raw model
	// key (e.g. "openai/text-embedding-3-small"), not the encoded
	// column name. A model with no vector on this row is absent from
	// the map, never present with a nil/empty slice.
	Vectors map[string][]float32
}

// SearchMode selects how Search resolves a query.
type SearchMode string

const (
	ModeFulltext SearchMode = "fulltext"
	ModeVector   SearchMode = "vector"
	ModeHybrid   SearchMode = "hybrid"
	ModeAuto     SearchMode = "auto"
)

// SearchOptions narrows a Search call.
type SearchOptions struct {
	Mode        SearchMode
	TargetModel string // embedding model key for vector/hybrid/auto
	SessionID   string // optional equality filter
	Type        EntryType // optional equality filter
	Limit       int
}

// Scored pairs an Entry with the score it was ranked by, so callers
// can tell a fulltext keyword-count hit from a cosine-similarity hit
// without re-deriving it.
type Scored struct {
	Entry Entry
	Score float64
}
