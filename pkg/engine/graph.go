package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/runway/pkg/expr"
)

var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Graph owns the nodes of one deployment and the dependency edges between them.
// It is acyclic by construction: any edge that would close a cycle is rejected
// and the graph is left exactly as it was before the call.
type Graph struct {
	mu sync.RWMutex

	// nodes maps node IDs to nodes
	nodes map[string]*Node

	// order holds node IDs in insertion order
	order []string

	// index maps node IDs to their insertion position, used for tie breaking
	index map[string]int

	// deps maps node IDs to their outgoing dependency edges, in insertion order
	deps map[string][]Edge

	// dependents maps node IDs to the nodes that depend on them, in insertion order
	dependents map[string][]string

	pipelines []*pipelineBinding
	sealed    bool
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:      make(map[string]*Node),
		order:      make([]string, 0),
		index:      make(map[string]int),
		deps:       make(map[string][]Edge),
		dependents: make(map[string][]string),
	}
}

// AddNode adds a node to the graph. Every DependsOn target and every reference
// target carried by the node must already be present.
func (g *Graph) AddNode(node *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return ErrGraphSealed
	}
	if node == nil {
		return NewPermanentError("node is nil", nil).WithCode(ErrCodeValidation)
	}
	if !nodeIDPattern.MatchString(node.ID) {
		return NewPermanentError(fmt.Sprintf("invalid node id %q", node.ID), nil).
			WithCode(ErrCodeValidation)
	}
	if err := node.Kind.Validate(); err != nil {
		return NewPermanentError("invalid node", err).
			WithCode(ErrCodeValidation).
			WithResource(node.ID)
	}
	if _, exists := g.nodes[node.ID]; exists {
		return &DuplicateIDError{ID: node.ID}
	}

	for _, target := range node.DependsOn {
		if target == node.ID {
			return &CycleDetectedError{Cycle: []string{node.ID, node.ID}}
		}
		if _, ok := g.nodes[target]; !ok {
			return &UnknownTargetError{From: node.ID, Target: target}
		}
	}
	for _, ref := range node.References {
		if ref.Target == node.ID {
			return &CycleDetectedError{Cycle: []string{node.ID, node.ID}}
		}
		if err := g.validateReference(node.ID, ref); err != nil {
			return err
		}
	}

	if node.Config == nil {
		node.Config = make(map[string]interface{})
	}

	g.nodes[node.ID] = node
	g.index[node.ID] = len(g.order)
	g.order = append(g.order, node.ID)

	// A new node has no dependents yet, so none of these edges can close a cycle.
	for _, target := range node.DependsOn {
		g.linkLocked(node.ID, target, DependencyExplicit)
	}
	for _, ref := range node.References {
		g.linkLocked(node.ID, ref.Target, DependencyReference)
	}

	return nil
}

// AddReference attaches an attribute reference to an existing node and adds the
// implicit dependency edge fromID -> ref.Target.
func (g *Graph) AddReference(fromID string, ref AttributeRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return ErrGraphSealed
	}
	from, ok := g.nodes[fromID]
	if !ok {
		return &UnknownTargetError{Target: fromID}
	}
	if err := g.validateReference(fromID, ref); err != nil {
		return err
	}
	if cycle := g.cycleThroughLocked(fromID, ref.Target); cycle != nil {
		return &CycleDetectedError{Cycle: cycle}
	}

	from.References = append(from.References, ref)
	g.linkLocked(fromID, ref.Target, DependencyReference)
	return nil
}

// AddDependency declares that fromID must be provisioned after toID.
func (g *Graph) AddDependency(fromID, toID string, depType DependencyType) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return ErrGraphSealed
	}
	if err := depType.Validate(); err != nil {
		return NewPermanentError("invalid dependency", err).
			WithCode(ErrCodeValidation).
			WithResource(fromID)
	}
	if _, ok := g.nodes[fromID]; !ok {
		return &UnknownTargetError{Target: fromID}
	}
	if _, ok := g.nodes[toID]; !ok {
		return &UnknownTargetError{From: fromID, Target: toID}
	}
	if cycle := g.cycleThroughLocked(fromID, toID); cycle != nil {
		return &CycleDetectedError{Cycle: cycle}
	}

	g.linkLocked(fromID, toID, depType)
	return nil
}

// validateReference checks a reference without mutating the graph.
func (g *Graph) validateReference(fromID string, ref AttributeRef) error {
	if ref.Field == "" || ref.Output == "" {
		return NewPermanentError(fmt.Sprintf("reference %s needs a field and an output name", ref), nil).
			WithCode(ErrCodeValidation).
			WithResource(fromID)
	}
	if _, ok := g.nodes[ref.Target]; !ok {
		return &UnknownTargetError{From: fromID, Target: ref.Target}
	}
	if ref.Filter != "" {
		if _, err := expr.Compile("filter", ref.Filter); err != nil {
			return NewPermanentError("invalid reference filter", err).
				WithCode(ErrCodeValidation).
				WithResource(fromID)
		}
	}
	if ref.Projection != "" {
		if _, err := expr.Compile("projection", ref.Projection); err != nil {
			return NewPermanentError("invalid reference projection", err).
				WithCode(ErrCodeValidation).
				WithResource(fromID)
		}
	}
	// Plan and deferred applies hand the provisioning engine an HCL form of
	// the reference, so it must have one.
	if _, err := NewDeferred(ref); err != nil {
		return NewPermanentError("reference has no HCL form", err).
			WithCode(ErrCodeValidation).
			WithResource(fromID)
	}
	return nil
}

// linkLocked records the edge fromID -> toID. A repeated edge is kept once;
// an ordering edge is upgraded when a stronger edge to the same target arrives.
func (g *Graph) linkLocked(fromID, toID string, depType DependencyType) {
	for i, edge := range g.deps[fromID] {
		if edge.To == toID {
			if edge.Type == DependencyOrder && depType != DependencyOrder {
				g.deps[fromID][i].Type = depType
			}
			return
		}
	}
	g.deps[fromID] = append(g.deps[fromID], Edge{From: fromID, To: toID, Type: depType})
	g.dependents[toID] = append(g.dependents[toID], fromID)
}

// cycleThroughLocked returns the cycle that the edge fromID -> toID would close,
// or nil if the edge is safe. The edge closes a cycle when toID already depends
// on fromID, directly or transitively.
func (g *Graph) cycleThroughLocked(fromID, toID string) []string {
	if fromID == toID {
		return []string{fromID, fromID}
	}
	path := g.pathLocked(toID, fromID)
	if path == nil {
		return nil
	}
	return append([]string{fromID}, path...)
}

// pathLocked returns a dependency path from start to goal, both included,
// or nil if start does not depend on goal.
func (g *Graph) pathLocked(start, goal string) []string {
	visited := make(map[string]bool)
	var path []string
	var walk func(id string) bool
	walk = func(id string) bool {
		visited[id] = true
		path = append(path, id)
		if id == goal {
			return true
		}
		for _, edge := range g.deps[id] {
			if !visited[edge.To] && walk(edge.To) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	if !walk(start) {
		return nil
	}
	return path
}

// TopologicalOrder returns every node ID exactly once with each dependency ahead
// of its dependents. Among nodes that are ready at the same time the one added
// first comes first, so the order is stable across runs on the same input.
func (g *Graph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.topologicalOrderLocked()
}

func (g *Graph) topologicalOrderLocked() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	ready := make([]string, 0)
	for _, id := range g.order {
		inDegree[id] = len(g.deps[id])
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	result := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		result = append(result, next)

		for _, dependent := range g.dependents[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = g.insertByIndex(ready, dependent)
			}
		}
	}

	if len(result) != len(g.order) {
		return nil, &CycleDetectedError{Cycle: g.findCycleLocked()}
	}
	return result, nil
}

// insertByIndex inserts id into ready keeping ready sorted by insertion position.
func (g *Graph) insertByIndex(ready []string, id string) []string {
	pos := sort.Search(len(ready), func(i int) bool {
		return g.index[ready[i]] > g.index[id]
	})
	ready = append(ready, "")
	copy(ready[pos+1:], ready[pos:])
	ready[pos] = id
	return ready
}

// findCycleLocked uses depth-first search to locate a cycle, if any.
func (g *Graph) findCycleLocked() []string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, edge := range g.deps[id] {
			if !visited[edge.To] {
				if cycle := visit(edge.To); cycle != nil {
					return cycle
				}
			} else if recStack[edge.To] {
				for i, p := range path {
					if p == edge.To {
						cycle := append([]string{}, path[i:]...)
						return append(cycle, edge.To)
					}
				}
			}
		}

		recStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range g.order {
		if !visited[id] {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// TopologicalLevels groups nodes into levels. Every node sits one level after its
// deepest dependency, so nodes within a level are independent of each other.
// Each level lists its nodes in insertion order.
func (g *Graph) TopologicalLevels() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order, err := g.topologicalOrderLocked()
	if err != nil {
		return nil, err
	}

	levelOf := make(map[string]int, len(order))
	levels := make([][]string, 0)
	for _, id := range order {
		level := 0
		for _, edge := range g.deps[id] {
			if l := levelOf[edge.To] + 1; l > level {
				level = l
			}
		}
		levelOf[id] = level
		for len(levels) <= level {
			levels = append(levels, make([]string, 0))
		}
		levels[level] = append(levels[level], id)
	}

	for _, ids := range levels {
		sort.SliceStable(ids, func(i, j int) bool {
			return g.index[ids[i]] < g.index[ids[j]]
		})
	}
	return levels, nil
}

// DependenciesOf returns the direct dependencies of a node in insertion order.
func (g *Graph) DependenciesOf(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		return nil, &UnknownTargetError{Target: id}
	}
	result := make([]string, 0, len(g.deps[id]))
	for _, edge := range g.deps[id] {
		result = append(result, edge.To)
	}
	return result, nil
}

// DependentsOf returns the nodes that directly depend on a node, in insertion order.
func (g *Graph) DependentsOf(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		return nil, &UnknownTargetError{Target: id}
	}
	return append([]string{}, g.dependents[id]...), nil
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]
	return node, ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		result = append(result, g.nodes[id])
	}
	return result
}

// Edges returns all edges, grouped by dependent in insertion order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make([]Edge, 0)
	for _, id := range g.order {
		result = append(result, g.deps[id]...)
	}
	return result
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Seal freezes the graph structure. After Seal every mutator returns ErrGraphSealed.
func (g *Graph) Seal() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sealed = true
}

// Sealed reports whether the graph has been sealed.
func (g *Graph) Sealed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sealed
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() (string, error) {
	levels, err := g.TopologicalLevels()
	if err != nil {
		return "", err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("digraph ResourceGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			node := g.nodes[id]
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, id, node.Kind, kindColor(node.Kind)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range g.order {
		for _, edge := range g.deps[id] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n",
				edge.To, edge.From, dependencyStyle(edge.Type)))
		}
	}

	sb.WriteString("}\n")
	return sb.String(), nil
}

// kindColor returns a fill color for visualizing node kinds.
func kindColor(kind Kind) string {
	switch kind {
	case KindRegistry, KindNetwork:
		return "lightgray"
	case KindImage, KindImagePush:
		return "lightyellow"
	case KindManagedService:
		return "lightgreen"
	case KindIAMPolicyBinding:
		return "lightcoral"
	case KindDomainMapping, KindDNSRecordSet:
		return "lightblue"
	default:
		return "white"
	}
}

// dependencyStyle returns a DOT style string for dependency types.
func dependencyStyle(depType DependencyType) string {
	switch depType {
	case DependencyReference:
		return "style=solid, color=black"
	case DependencyExplicit:
		return "style=dashed, color=blue"
	case DependencyOrder:
		return "style=dotted, color=gray"
	default:
		return "style=solid, color=black"
	}
}
