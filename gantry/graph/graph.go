package graph

import (
	"slices"
	"strings"

	"tangled.sh/tangled.sh/gantry/gantry/models"
)

// Graph is a validated, immutable set of stages with dependency edges. A
// linear chain is the common case but fan-out and fan-in are allowed.
type Graph struct {
	order []string
	defs  map[string]models.StageDefinition
	preds map[string][]string
	succs map[string][]string
}

// New validates the definitions and builds the graph. Errors are
// *ConfigurationError wrapping one of the Err* sentinels.
func New(defs []models.StageDefinition) (*Graph, error) {
	g := &Graph{
		defs:  make(map[string]models.StageDefinition, len(defs)),
		preds: make(map[string][]string, len(defs)),
		succs: make(map[string][]string, len(defs)),
	}

	for _, d := range defs {
		if strings.TrimSpace(d.Name) == "" {
			return nil, stageErr("", ErrInvalidStage, "stage without a name")
		}
		if _, ok := g.defs[d.Name]; ok {
			return nil, stageErr(d.Name, ErrDuplicateStage, "")
		}
		if d.Timeout <= 0 {
			return nil, stageErr(d.Name, ErrInvalidStage, "timeout must be positive")
		}
		if d.Retries < 0 {
			return nil, stageErr(d.Name, ErrInvalidStage, "retries must not be negative")
		}
		g.defs[d.Name] = d
		g.order = append(g.order, d.Name)
	}

	for _, name := range g.order {
		d := g.defs[name]
		for _, p := range d.Needs {
			if _, ok := g.defs[p]; !ok {
				return nil, stageErr(name, ErrUnknownPredecessor, "%q", p)
			}
			if slices.Contains(g.preds[name], p) {
				continue
			}
			g.preds[name] = append(g.preds[name], p)
			g.succs[p] = append(g.succs[p], name)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, stageErr(cycle[0], ErrCyclicDependency, "%s", strings.Join(cycle, " -> "))
	}

	return g, nil
}

// findCycle walks predecessor chains depth first and returns the first cycle
// it finds, starting and ending with the same stage.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.order))
	var stack []string

	var visit func(n string) []string
	visit = func(n string) []string {
		color[n] = grey
		stack = append(stack, n)
		for _, p := range g.preds[n] {
			switch color[p] {
			case grey:
				i := slices.Index(stack, p)
				cycle := append([]string{}, stack[i:]...)
				return append(cycle, p)
			case white:
				if c := visit(p); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range g.order {
		if color[n] == white {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// NextReady returns, in definition order, every stage that is not completed
// and whose predecessors all are. For an acyclic graph it is empty exactly
// when every stage is completed.
func (g *Graph) NextReady(completed map[string]bool) []string {
	var ready []string
	for _, n := range g.order {
		if completed[n] {
			continue
		}
		ok := true
		for _, p := range g.preds[n] {
			if !completed[p] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n)
		}
	}
	return ready
}

func (g *Graph) Stage(name string) (models.StageDefinition, bool) {
	d, ok := g.defs[name]
	return d, ok
}

func (g *Graph) Stages() []string {
	return slices.Clone(g.order)
}

func (g *Graph) Len() int {
	return len(g.order)
}

func (g *Graph) Predecessors(name string) []string {
	return slices.Clone(g.preds[name])
}

func (g *Graph) Successors(name string) []string {
	return slices.Clone(g.succs[name])
}

// Complete reports whether every stage in the graph is in completed.
func (g *Graph) Complete(completed map[string]bool) bool {
	for _, n := range g.order {
		if !completed[n] {
			return false
		}
	}
	return true
}

// TopoOrder returns one valid execution order (Kahn), ties broken by
// definition order.
func (g *Graph) TopoOrder() []string {
	indeg := make(map[string]int, len(g.order))
	for _, n := range g.order {
		indeg[n] = len(g.preds[n])
	}
	var out []string
	done := make(map[string]bool, len(g.order))
	for len(out) < len(g.order) {
		for _, n := range g.order {
			if !done[n] && indeg[n] == 0 {
				done[n] = true
				out = append(out, n)
				for _, s := range g.succs[n] {
					indeg[s]--
				}
				break
			}
		}
	}
	return out
}

// Cursor is the coordinator's view of a graph during one run. It never
// offers the same stage twice, so each stage result is written at most once.
type Cursor struct {
	g       *Graph
	offered map[string]bool
}

func (g *Graph) Cursor() *Cursor {
	return &Cursor{g: g, offered: make(map[string]bool)}
}

// Next returns ready stages that were not offered before and marks them
// offered. Stages already in completed (a resumed run) count as offered.
func (c *Cursor) Next(completed map[string]bool) []string {
	var out []string
	for _, n := range c.g.NextReady(completed) {
		if c.offered[n] {
			continue
		}
		c.offered[n] = true
		out = append(out, n)
	}
	return out
}

func (c *Cursor) Offered(name string) bool {
	return c.offered[name]
}
