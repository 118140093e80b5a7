package orchestrator

import (
	"fmt"
	"sort"
	"strings"
)

// Plan is a validated, deterministically ordered stage DAG. Stages are
// grouped into waves: a wave is either one sequential stage or a batch of
// Concurrent stages whose dependencies are all satisfied by earlier waves.
type Plan struct {
	byName map[string]*Definition
	waves  [][]*Definition
}

// NewPlan validates definitions and computes the execution order: Kahn's
// algorithm with ready stages taken in name order, so a given set of
// definitions always yields the same plan. Duplicate names, unknown or
// self dependencies, and cycles are configuration errors reported before
// any work is claimed.
func NewPlan(defs []Definition) (*Plan, error) {
	p := &Plan{byName: make(map[string]*Definition, len(defs))}

	for i := range defs {
		d := &defs[i]
		if d.Stage == nil {
			return nil, fmt.Errorf("stage definition %d has no stage", i)
		}
		name := d.Stage.Name()
		if name == "" {
			return nil, fmt.Errorf("stage definition %d has an empty name", i)
		}
		if _, dup := p.byName[name]; dup {
			return nil, fmt.Errorf("duplicate stage name %q", name)
		}
		p.byName[name] = d
	}

	indegree := make(map[string]int, len(defs))
	dependents := make(map[string][]string)
	for name, d := range p.byName {
		indegree[name] += 0
		for _, dep := range d.DependsOn {
			if dep == name {
				return nil, fmt.Errorf("stage %q depends on itself", name)
			}
			if _, ok := p.byName[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}

	placed := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		level := ready
		ready = nil

		// Within a level no stage depends on another, so batching is
		// purely about concurrency: consecutive Concurrent stages share a
		// wave, everything else runs alone.
		var batch []*Definition
		flush := func() {
			if len(batch) > 0 {
				p.waves = append(p.waves, batch)
				batch = nil
			}
		}
		for _, name := range level {
			d := p.byName[name]
			if d.Concurrent {
				batch = append(batch, d)
			} else {
				flush()
				p.waves = append(p.waves, []*Definition{d})
			}
			placed++
			for _, dep := range dependents[name] {
				indegree[dep]--
				if indegree[dep] == 0 {
					ready = append(ready, dep)
				}
			}
		}
		flush()
	}

	if placed != len(p.byName) {
		var stuck []string
		for name, n := range indegree {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("stage dependency cycle involving: %s", strings.Join(stuck, ", "))
	}
	return p, nil
}

// Waves returns the ordered execution waves.
func (p *Plan) Waves() [][]*Definition { return p.waves }

// StageNames returns every stage name in execution order.
func (p *Plan) StageNames() []string {
	var names []string
	for _, wave := range p.waves {
		for _, d := range wave {
			names = append(names, d.Stage.Name())
		}
	}
	return names
}

// Len returns the number of stages in the plan.
func (p *Plan) Len() int { return len(p.byName) }
