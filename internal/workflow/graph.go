package workflow

// BuildDependencyMap returns every node's distinct predecessors in edge order.
// Edges naming an unknown node at either end are ignored.
func BuildDependencyMap(nodes []Node, edges []Edge) DependencyMap {
	deps := make(DependencyMap, len(nodes))
	for _, n := range nodes {
		deps[n.ID] = []string{}
	}

	for _, e := range edges {
		if _, ok := deps[e.Source]; !ok {
			continue
		}
		current, ok := deps[e.Target]
		if !ok {
			continue
		}
		if containsString(current, e.Source) {
			continue
		}
		deps[e.Target] = append(current, e.Source)
	}
	return deps
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
