// Package score computes how closely a spoken transcript matches a
// reference statement.
package score

import "math"

// Accuracy returns a similarity percentage in [0,100] between the spoken
// text and the reference, derived from Levenshtein edit distance and
// rounded to two decimal places. Two empty strings compare as a perfect
// match.
func Accuracy(spoken, reference string) float64 {
	maxLen := len(spoken)
	if len(reference) > maxLen {
		maxLen = len(reference)
	}
	if maxLen == 0 {
		return 100
	}
	distance := Levenshtein(spoken, reference)
	pct := (1 - float64(distance)/float64(maxLen)) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return math.Round(pct*100) / 100
}

// Levenshtein returns the minimum number of single-character insertions,
// deletions and substitutions needed to turn a into b.
func Levenshtein(a, b string) int {
	dp := make([][]int, len(a)+1)
	for i := range dp {
		dp[i] = make([]int, len(b)+1)
		dp[i][0] = i
	}
	for j := 0; j <= len(b); j++ {
		dp[0][j] = j
	}

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			dp[i][j] = min3(dp[i-1][j]+1, dp[i][j-1]+1, dp[i-1][j-1]+cost)
		}
	}
	return dp[len(a)][len(b)]
}

// Band labels a score the way the portal presents it. It never gates
// submission.
func Band(pct float64) string {
	switch {
	case pct >= 80:
		return "great"
	case pct >= 60:
		return "good"
	default:
		return "low"
	}
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
