package engine

import (
	"fmt"
	"strings"
)

// DAGBuilder orders operations so that every dependency precedes its dependents.
// Operations at the same level have no dependencies on each other.
type DAGBuilder struct {
	// ops maps operation IDs to operations
	ops map[string]*Operation

	// order preserves the insertion order for stable output
	order []string

	// adjacencyList maps operation IDs to their dependents
	adjacencyList map[string][]string

	// inDegree tracks the number of unresolved dependencies of each node
	inDegree map[string]int

	// levels maps execution level to operation IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		ops:           make(map[string]*Operation),
		adjacencyList: make(map[string][]string),
		inDegree:      make(map[string]int),
	}
}

// Order validates dependencies, detects cycles and returns the operations in
// level order. Within a level the insertion order is kept.
func (b *DAGBuilder) Order(ops []*Operation) ([]*Operation, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	if err := b.initialize(ops); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	ordered := make([]*Operation, 0, len(ops))
	for _, level := range b.levels {
		for _, id := range level {
			ordered = append(ordered, b.ops[id])
		}
	}
	return ordered, nil
}

// initialize indexes operations and builds the adjacency list.
func (b *DAGBuilder) initialize(ops []*Operation) error {
	for _, op := range ops {
		if op.ID == "" {
			return NewPermanentError("operation has empty ID", nil).WithCode(ErrCodeValidation)
		}
		if _, exists := b.ops[op.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate operation ID: %s", op.ID), nil).
				WithCode(ErrCodeValidation)
		}
		b.ops[op.ID] = op
		b.order = append(b.order, op.ID)
		b.inDegree[op.ID] = 0
	}

	for _, id := range b.order {
		op := b.ops[id]
		for _, dep := range op.DependsOn {
			if _, exists := b.ops[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("operation %s depends on non-existent operation %s", op.ID, dep),
					nil,
				).WithCode(ErrCodeValidation).WithResource(op.Target.Key())
			}
			// dependency must complete before op can start
			b.adjacencyList[dep] = append(b.adjacencyList[dep], op.ID)
			b.inDegree[op.ID]++
		}
	}
	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.order {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")),
				nil,
			).WithCode(ErrCodeValidation)
		}
	}
	return nil
}

func (b *DAGBuilder) detectCyclesUtil(id string, visited, recStack map[string]bool, path []string) []string {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, dependent := range b.adjacencyList[id] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, p := range path {
				if p == dependent {
					return append(append([]string{}, path[i:]...), dependent)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// computeLevels assigns levels with Kahn's algorithm.
func (b *DAGBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	current := make([]string, 0)
	for _, id := range b.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		ready := make(map[string]bool)
		for _, id := range current {
			for _, dependent := range b.adjacencyList[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					ready[dependent] = true
				}
			}
		}
		next := make([]string, 0, len(ready))
		for _, id := range b.order {
			if ready[id] {
				next = append(next, id)
			}
		}
		current = next
	}

	if processed != len(b.ops) {
		return NewPermanentError("failed to order all operations - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

// Levels returns the computed levels.
func (b *DAGBuilder) Levels() [][]string {
	return b.levels
}

// ToDOT renders the graph in Graphviz DOT format for `bindctl plan --dot`.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Operations {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			op := b.ops[id]
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, op.Kind, op.Target.Key(), kindColor(op.Kind.ResourceKind())))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range b.order {
		for _, dep := range b.ops[id].DependsOn {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func kindColor(kind ResourceKind) string {
	switch kind {
	case KindDNSRecord:
		return "lightgreen"
	case KindCertificate:
		return "lightyellow"
	case KindEdgeAlias:
		return "lightblue"
	case KindPlatformBinding:
		return "plum"
	default:
		return "white"
	}
}
