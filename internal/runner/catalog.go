package runner

import (
	"fmt"
	"sort"
	"sync"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/compiler"
)

// Graphs resolves a workflow id to its compiled graph.
type Graphs interface {
	Graph(workflowID string) (*compiler.ValidGraph, bool)
}

// Catalog is the set of compiled definitions a runner can execute.
//
// Thread-safety: Catalog is safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	graphs map[string]*compiler.ValidGraph
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{graphs: make(map[string]*compiler.ValidGraph)}
}

// Compile compiles every definition and adds the valid ones.
// Definitions that fail to compile are returned as errors and skipped.
func Compile(defs []*compiler.Definition, reg *compiler.Registry) (*Catalog, []error) {
	c := NewCatalog()
	var errs []error
	for _, def := range defs {
		vg, err := compiler.Compile(def, reg)
		if err != nil {
			errs = append(errs, fmt.Errorf("factory %s: %w", def.ID, err))
			continue
		}
		if err := c.Add(vg); err != nil {
			errs = append(errs, err)
		}
	}
	return c, errs
}

// Add registers a compiled graph. Workflow ids must be unique.
func (c *Catalog) Add(vg *compiler.ValidGraph) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := vg.Graph.ID
	if _, exists := c.graphs[id]; exists {
		return fmt.Errorf("factory %s: defined more than once", id)
	}
	c.graphs[id] = vg
	return nil
}

func (c *Catalog) Graph(workflowID string) (*compiler.ValidGraph, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vg, ok := c.graphs[workflowID]
	return vg, ok
}

// IDs returns the workflow ids in the catalog, sorted.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.graphs))
	for id := range c.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
