package workflow

import (
	"fmt"
	"sort"

	"github.com/pitabwire/batchflow/model"
)

// graph is an in-memory snapshot of one batch's executions, ordered by order.
type graph struct {
	batch model.Batch
	execs []model.PhaseExecution
	index map[model.Phase]int
}

func newGraph(batch model.Batch, execs []model.PhaseExecution) *graph {
	sorted := make([]model.PhaseExecution, len(execs))
	copy(sorted, execs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	g := &graph{batch: batch, execs: sorted, index: make(map[model.Phase]int, len(sorted))}
	for i, e := range sorted {
		g.index[e.Phase] = i
	}
	return g
}

func (g *graph) get(phase model.Phase) (model.PhaseExecution, bool) {
	i, ok := g.index[phase]
	if !ok {
		return model.PhaseExecution{}, false
	}
	return g.execs[i], true
}

// put replaces or inserts an execution, keeping order.
func (g *graph) put(e model.PhaseExecution) {
	if i, ok := g.index[e.Phase]; ok {
		g.execs[i] = e
		return
	}
	g.execs = append(g.execs, e)
	sort.SliceStable(g.execs, func(i, j int) bool { return g.execs[i].Order < g.execs[j].Order })
	for i, x := range g.execs {
		g.index[x.Phase] = i
	}
}

// blocker returns why exec cannot start, or "" if it can.
func (g *graph) blocker(exec model.PhaseExecution) string {
	if exec.Status != model.StatusPending {
		return fmt.Sprintf("status is %s, not pending", exec.Status)
	}
	for _, other := range g.execs {
		if other.Order >= exec.Order {
			break
		}
		if !other.Status.Satisfied() {
			return fmt.Sprintf("prerequisite %q is %s", other.Phase, other.Status)
		}
	}
	return ""
}
