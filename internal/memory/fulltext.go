package memory

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var (
	asciiWordRe = regexp.MustCompile(`[A-Za-z]{2,}`)
	digitRunRe  = regexp.MustCompile(`[0-9]{2,}`)
)

// extractKeywords implements §4.5's fulltext keyword extraction: ASCII
// words of length >= 2, digit runs of length >= 2, and (when at least
// 4 CJK characters are present) CJK 2-grams and 3-grams.
func extractKeywords(query string) []string {
	lower := strings.ToLower(query)
	keywords := make([]string, 0, 8)
	keywords = append(keywords, asciiWordRe.FindAllString(lower, -1)...)
	keywords = append(keywords, digitRunRe.FindAllString(lower, -1)...)

	cjk := cjkRunes(query)
	if len(cjk) >= 4 {
		for n := 0; n+1 < len(cjk); n++ {
			keywords = append(keywords, string(cjk[n:n+2]))
		}
		for n := 0; n+2 < len(cjk); n++ {
			keywords = append(keywords, string(cjk[n:n+3]))
		}
	}
	return keywords
}

// cjkRunes returns every CJK rune in s, in order, ignoring everything
// else (so n-grams are formed over contiguous CJK text only).
func cjkRunes(s string) []rune {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			out = append(out, r)
		}
	}
	return out
}

// searchFulltext scores every candidate entry by the sum of
// occurrence counts of the query's extracted keywords (case
// insensitive), keeps strictly positive scores, and returns them
// sorted by descending score, capped at limit.
func searchFulltext(entries []Entry, query string, limit int) []Scored {
	keywords := extractKeywords(query)
	if len(keywords) == 0 {
		return nil
	}
	patterns := make([]*regexp.Regexp, 0, len(keywords))
	for _, kw := range keywords {
		patterns = append(patterns, regexp.MustCompile(regexp.QuoteMeta(kw)))
	}

	scored := make([]Scored, 0, len(entries))
	for _, e := range entries {
		content := strings.ToLower(e.Content)
		score := 0
		for _, p := range patterns {
			score += len(p.FindAllStringIndex(content, -1))
		}
		if score > 0 {
			scored = append(scored, Scored{Entry: e, Score: float64(score)})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
