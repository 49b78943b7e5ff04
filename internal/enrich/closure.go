// Package enrich expands CVE weakness ids over the CWE hierarchy and joins
// them to CAPEC attack patterns and ATT&CK techniques.
package enrich

import "github.com/mcoops/go-cve2attack/pkg/cve"

// Graph exposes the ChildOf edges of the CWE hierarchy.
type Graph interface {
	Parents(id string) []string
}

// Closure returns leaves together with every ancestor reachable over ChildOf,
// sorted. Unknown ids contribute only themselves. The visited set makes the
// walk terminate on cyclic graphs.
func Closure(leaves []string, graph Graph) []string {
	visited := make(map[string]struct{}, len(leaves))
	for _, leaf := range leaves {
		if leaf != "" {
			visited[leaf] = struct{}{}
		}
	}

	for _, leaf := range leaves {
		queue := append([]string(nil), graph.Parents(leaf)...)
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}
			queue = append(queue, graph.Parents(id)...)
		}
	}

	return cve.SetToSlice(visited)
}
