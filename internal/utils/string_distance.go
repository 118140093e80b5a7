package utils

import "strings"

// Closest returns the candidate nearest to query by Levenshtein distance,
// along with that distance. maxDistance bounds how far a match may be;
// when no candidate is within the bound, Closest returns ("", -1).
func Closest(query string, candidates []string, maxDistance int) (string, int) {
	if query == "" || len(candidates) == 0 {
		return "", -1
	}

	closest := ""
	minDist := maxDistance + 1

	for _, candidate := range candidates {
		if dist := ComputeDistance(query, candidate); dist < minDist {
			minDist = dist
			closest = candidate
		}
	}

	if minDist <= maxDistance {
		return closest, minDist
	}
	return "", -1
}

// ComputeDistance computes the Levenshtein distance between two strings.
// It is case-insensitive.
func ComputeDistance(s1, s2 string) int {
	s1 = strings.ToLower(s1)
	s2 = strings.ToLower(s2)

	if s1 == s2 {
		return 0
	}
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	// Two rolling rows instead of the full matrix.
	prev := make([]int, len(s2)+1)
	curr := make([]int, len(s2)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(s1); i++ {
		curr[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			d := prev[j] + 1 // deletion
			if ins := curr[j-1] + 1; ins < d {
				d = ins
			}
			if sub := prev[j-1] + cost; sub < d {
				d = sub
			}
			curr[j] = d
		}
		prev, curr = curr, prev
	}

	return prev[len(s2)]
}
