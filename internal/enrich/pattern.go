package enrich

import "github.com/mcoops/go-cve2attack/pkg/cve"

// PatternSource resolves the attack patterns related to a weakness.
type PatternSource interface {
	RelatedCapec(cweID string) []string
}

// Patterns returns the sorted union of CAPEC ids related to any weakness in closure.
func Patterns(closure []string, src PatternSource) []string {
	set := make(map[string]struct{})
	for _, id := range closure {
		for _, capec := range src.RelatedCapec(id) {
			set[capec] = struct{}{}
		}
	}
	return cve.SetToSlice(set)
}
