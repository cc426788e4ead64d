package recon

import (
	"sort"
	"strings"
)

// MergeReport is the combined output of several overlapping producers.
// Producers records which producer contributed: one producer's failure
// never discards another's successful output.
type MergeReport struct {
	Values    []string        `json:"values"`
	Producers map[string]bool `json:"producers"`
}

// Merge deduplicates discovery values from multiple producers by
// case-insensitive exact match and returns them in stable lexicographic
// order. A nil slice marks a failed producer; its absence from the merge is
// recorded without affecting the rest.
func Merge(producers map[string][]string) MergeReport {
	report := MergeReport{
		Producers: make(map[string]bool, len(producers)),
	}

	seen := make(map[string]struct{})
	for name, values := range producers {
		if values == nil {
			report.Producers[name] = false
			continue
		}
		report.Producers[name] = true
		for _, v := range values {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "" {
				continue
			}
			seen[v] = struct{}{}
		}
	}

	report.Values = make([]string, 0, len(seen))
	for v := range seen {
		report.Values = append(report.Values, v)
	}
	sort.Strings(report.Values)
	return report
}
