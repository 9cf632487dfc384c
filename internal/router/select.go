package router

import "github.com/stellarlinkco/agentcore/internal/llm"

// selectNearest implements §4.3's "Selection within a level": pick the
// first pool-order candidate at exactly target whose capability
// filters already applied by the caller pass; if none, fall back to
// the nearest-level policy.
//
// candidates is assumed pre-filtered by vision/tool per the caller's
// needs (matching the two call sites in routeDeterministic).
func selectNearest(candidates []llm.Capability, target llm.Level, max bool) llm.Capability {
	for _, c := range candidates {
		if c.Level == target {
			return c
		}
	}
	return nearestLevelFallback(candidates, target, max)
}

// nearestLevelFallback implements the diff-based nearest-level policy:
// diff = priority(candidate.level) - priority(target). max=true
// prefers diff >= 0 (equal or higher, else globally highest); max=false
// prefers diff <= 0 (equal or lower, else globally lowest). Among the
// preferred subset, pick the smallest |diff|.
func nearestLevelFallback(candidates []llm.Capability, target llm.Level, max bool) llm.Capability {
	if len(candidates) == 0 {
		return llm.Capability{}
	}

	var preferred []llm.Capability
	for _, c := range candidates {
		diff := int(c.Level) - int(target)
		if max && diff >= 0 {
			preferred = append(preferred, c)
		} else if !max && diff <= 0 {
			preferred = append(preferred, c)
		}
	}

	if len(preferred) == 0 {
		if max {
			return highestLevel(candidates)
		}
		return lowestLevel(candidates)
	}

	best := preferred[0]
	bestDiff := abs(int(best.Level) - int(target))
	for _, c := range preferred[1:] {
		d := abs(int(c.Level) - int(target))
		if d < bestDiff {
			best = c
			bestDiff = d
		}
	}
	return best
}

func highestLevel(candidates []llm.Capability) llm.Capability {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Level > best.Level {
			best = c
		}
	}
	return best
}

func lowestLevel(candidates []llm.Capability) llm.Capability {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Level < best.Level {
			best = c
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
