package cmd

import "strings"

// levenshtein computes the edit distance between two strings using a
// single row.
func levenshtein(a, b string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	row := make([]int, lb+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= la; i++ {
		prev := i - 1
		row[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			val := min(row[j]+1, row[j-1]+1, prev+cost)
			prev = row[j]
			row[j] = val
		}
	}
	return row[lb]
}

// maxSuggestDistance is the largest edit distance still worth suggesting.
const maxSuggestDistance = 3

func closest(needle string, options []string, key func(string) string) string {
	best := maxSuggestDistance + 1
	match := ""
	for _, opt := range options {
		if d := levenshtein(needle, key(opt)); d < best {
			best = d
			match = opt
		}
	}
	return match
}

// suggestCommand returns the closest command name, or "" when nothing is
// close enough.
func suggestCommand(unknown string, commands []string) string {
	return closest(strings.ToLower(unknown), commands, strings.ToLower)
}

// suggestFlag compares flags without their leading dashes but returns the
// match with its original prefix.
func suggestFlag(unknown string, flagNames []string) string {
	stripped := strings.ToLower(strings.TrimLeft(unknown, "-"))
	if stripped == "" {
		return ""
	}
	return closest(stripped, flagNames, func(f string) string {
		return strings.ToLower(strings.TrimLeft(f, "-"))
	})
}

// extractQuoted extracts the first double-quoted substring from s.
func extractQuoted(s string) string {
	start := strings.IndexByte(s, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(s[start+1:], '"')
	if end < 0 {
		return ""
	}
	return s[start+1 : start+1+end]
}

// extractFlag extracts a flag name (e.g., "--foo" or "-f") from a cobra
// error message.
func extractFlag(s string) string {
	idx := strings.Index(s, "--")
	if idx < 0 {
		// "unknown shorthand flag: 'a' in -a"
		idx = strings.LastIndex(s, " -")
		if idx < 0 {
			return ""
		}
		idx++
	}
	rest := s[idx:]
	if end := strings.IndexByte(rest, ' '); end >= 0 {
		rest = rest[:end]
	}
	rest = strings.TrimRight(rest, ".,;:!?\"'")
	if len(strings.TrimLeft(rest, "-")) == 0 {
		return ""
	}
	return rest
}
