package engine

import (
	"slices"

	"k8s.io/examples/AI/predictor/pkg/graph"
)

// PlanLifetimes returns, for each operation, the names whose current value is dead once that
// operation has run: no later operation reads it and it is not in keep.
//
// Names in initial are values present before the first operation (fed inputs). Names that
// are neither initial nor produced by an operation (weights) are never dropped. A value that is
// overwritten by the same operation that last reads it is left to the overwrite.
func PlanLifetimes(ops []*graph.Operation, initial []string, keep []string) [][]string {
	type version struct {
		name     string
		def      int
		lastRead int
	}

	current := make(map[string]*version)
	var versions []*version
	for _, name := range initial {
		v := &version{name: name, def: -1, lastRead: -1}
		current[name] = v
		versions = append(versions, v)
	}

	for i, op := range ops {
		for _, name := range op.Inputs {
			if v := current[name]; v != nil {
				v.lastRead = i
			}
		}
		for _, name := range op.Outputs {
			v := &version{name: name, def: i, lastRead: -1}
			current[name] = v
			versions = append(versions, v)
		}
	}

	drops := make([][]string, len(ops))
	for _, v := range versions {
		if current[v.name] == v && slices.Contains(keep, v.name) {
			continue
		}
		at := max(v.lastRead, v.def)
		if at < 0 {
			// Fed but never read; released with the rest of the pass.
			continue
		}
		if at != v.def && slices.Contains(ops[at].Outputs, v.name) {
			continue
		}
		drops[at] = append(drops[at], v.name)
	}
	return drops
}
