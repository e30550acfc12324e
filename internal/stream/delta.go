// Package stream post-processes raw upstream text chunks into clean,
// duplicate-free deltas and assembles them into Anthropic/OpenAI SSE
// frames.
package stream

import "strings"

// minOverlapFragment is the smallest overlap length that is trusted as
// a genuine repeat rather than coincidental short overlap; shorter
// overlaps are treated as additive instead of a dedup boundary.
const minOverlapFragment = 32

// DeltaByPrefix computes the new text in curr that hasn't already been
// emitted as prev, per the five-case truth table:
//  1. curr is empty -> no delta.
//  2. curr starts with prev -> delta is the suffix after prev.
//  3. prev appears inside curr at an index > 0 and is shorter than
//     curr -> delta is everything after that occurrence.
//  4. the longest suffix of prev that is a prefix of curr overlaps by
//     at least minOverlapFragment chars -> delta is the remainder of
//     curr after the overlap; shorter overlaps are ignored and curr is
//     treated as wholly additive.
//  5. none of the above -> curr is appended in full.
func DeltaByPrefix(prev, curr string) string {
	if curr == "" {
		return ""
	}
	if prev == "" {
		return curr
	}
	if strings.HasPrefix(curr, prev) {
		return curr[len(prev):]
	}
	if idx := strings.Index(curr, prev); idx > 0 && len(prev) < len(curr) {
		return curr[idx+len(prev):]
	}
	if overlap := longestSuffixPrefixOverlap(prev, curr); overlap >= minOverlapFragment {
		return curr[overlap:]
	}
	return curr
}

// longestSuffixPrefixOverlap returns the length of the longest suffix
// of a that is also a prefix of b.
func longestSuffixPrefixOverlap(a, b string) int {
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	for l := max; l > 0; l-- {
		if a[len(a)-l:] == b[:l] {
			return l
		}
	}
	return 0
}
