package transform

import "sort"

// Sample is one observation of a grouping key and its label. A nil pointer is
// a missing value.
type Sample struct {
	Key   *string
	Label *string
}

// ModeByGroup returns, for each non-missing key, the most frequent
// non-missing label. Ties resolve to the lexicographically smallest label.
// Samples with a missing key or label do not contribute.
func ModeByGroup(samples []Sample) map[string]string {
	counts := make(map[string]map[string]int)
	for _, s := range samples {
		if s.Key == nil || s.Label == nil {
			continue
		}
		byLabel, ok := counts[*s.Key]
		if !ok {
			byLabel = make(map[string]int)
			counts[*s.Key] = byLabel
		}
		byLabel[*s.Label]++
	}

	modes := make(map[string]string, len(counts))
	for key, byLabel := range counts {
		labels := make([]string, 0, len(byLabel))
		for l := range byLabel {
			labels = append(labels, l)
		}
		sort.Strings(labels)

		best, bestN := "", 0
		for _, l := range labels {
			if n := byLabel[l]; n > bestN {
				best, bestN = l, n
			}
		}
		modes[key] = best
	}
	return modes
}

// Fallback is one step of an imputation chain: a mode table and the record's
// key into it.
type Fallback struct {
	Modes map[string]string
	Key   *string
}

// Impute walks the chain in order and returns the first mode found.
func Impute(chain ...Fallback) (string, bool) {
	for _, f := range chain {
		if f.Key == nil {
			continue
		}
		if label, ok := f.Modes[*f.Key]; ok {
			return label, true
		}
	}
	return "", false
}
