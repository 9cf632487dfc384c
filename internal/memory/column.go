package memory

import "strings"

// encodeColumn turns a fully-qualified embedding model key
// ("openai/text-embedding-3-small") into the filesystem/SQL-safe
// vector_<encoded> column name used to store that model's vectors
// (§4.5 "Dynamic schema").
func encodeColumn(modelKey string) string {
	encoded := columnEncoder.Replace(modelKey)
	return "vector_" + encoded
}

// decodeColumn inverts encodeColumn, returning the original model key
// for a vector_<encoded> column name.
func decodeColumn(column string) (string, bool) {
	encoded, ok := strings.CutPrefix(column, "vector_")
	if !ok {
		return "", false
	}
	return columnDecoder.Replace(encoded), true
}

var columnEncoder = strings.NewReplacer(
	"/", "_s_",
	":", "_c_",
	".", "_d_",
	"-", "_h_",
)

var columnDecoder = strings.NewReplacer(
	"_s_", "/",
	"_c_", ":",
	"_d_", ".",
	"_h_", "-",
)

// isVectorColumn reports whether a SQLite column name belongs to the
// dynamic vector-column family.
func isVectorColumn(name string) bool {
	return strings.HasPrefix(name, "vector_")
}
