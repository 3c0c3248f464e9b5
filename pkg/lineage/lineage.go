// Package lineage maintains the artifact dependency graph. Edges come
// from manifest upstream pins and point from an artifact to the exact
// versions it was built from.
package lineage

import (
	"context"
	"sort"
	"sync"

	"github.com/domaindetermine/governance/pkg/errs"
	"github.com/domaindetermine/governance/pkg/registry"
)

// Graph is the in-memory lineage DAG. It is derived state: the manifest
// store is the source of truth and the graph is rebuilt from it on
// startup.
type Graph struct {
	mu sync.RWMutex
	// upstream[id] = artifacts id was built from
	upstream map[string][]string
	// downstream[id] = artifacts built from id
	downstream map[string][]string
	known      map[string]bool
}

// NewGraph creates an empty lineage graph.
func NewGraph() *Graph {
	return &Graph{
		upstream:   make(map[string][]string),
		downstream: make(map[string][]string),
		known:      make(map[string]bool),
	}
}

// Rebuild replaces the graph with the lineage of the given manifests.
func (g *Graph) Rebuild(ctx context.Context, manifests []*registry.Manifest) error {
	fresh := NewGraph()
	for _, m := range manifests {
		if err := fresh.add(m); err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.upstream = fresh.upstream
	g.downstream = fresh.downstream
	g.known = fresh.known
	return nil
}

// Add registers a manifest's lineage edges. Adding an artifact whose
// pins would close a cycle fails with POLICY_VIOLATION and leaves the
// graph unchanged.
func (g *Graph) Add(m *registry.Manifest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.add(m)
}

func (g *Graph) add(m *registry.Manifest) error {
	id := m.ArtifactID

	// A new node can only create a cycle if one of its ancestors-to-be
	// already depends on it.
	for _, pin := range m.Upstream {
		if pin.ArtifactID == id || g.reachable(pin.ArtifactID, id, g.upstream) {
			return errs.Newf(errs.PolicyViolation,
				"lineage cycle: %s cannot pin %s", id, pin.ArtifactID)
		}
	}

	g.known[id] = true
	for _, pin := range m.Upstream {
		g.upstream[id] = append(g.upstream[id], pin.ArtifactID)
		g.downstream[pin.ArtifactID] = append(g.downstream[pin.ArtifactID], id)
		g.known[pin.ArtifactID] = true
	}
	return nil
}

// reachable reports whether target is reachable from start following
// the given edge map.
func (g *Graph) reachable(start, target string, edges map[string][]string) bool {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// bfs collects every node reachable from start, excluding start itself.
func (g *Graph) bfs(start string, edges map[string][]string) []string {
	visited := map[string]bool{start: true}
	queue := []string{start}
	var out []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if visited[next] {
				continue
			}
			visited[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	sort.Strings(out)
	return out
}

// Ancestors returns every artifact id transitively pinned by id.
func (g *Graph) Ancestors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.bfs(id, g.upstream)
}

// Descendants returns every artifact transitively built from id.
func (g *Graph) Descendants(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.bfs(id, g.downstream)
}

// Known reports whether the graph has seen the artifact id.
func (g *Graph) Known(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.known[id]
}

// RollbackImpact returns the artifacts that must be warned when id is
// rolled back: its transitive descendants.
func (g *Graph) RollbackImpact(id string) []string {
	return g.Descendants(id)
}
