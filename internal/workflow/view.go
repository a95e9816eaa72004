package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/batchflow/model"
)

// Status summarises a batch's progress. It has no side effects.
func (e *Engine) Status(ctx context.Context, batchID string) (model.StatusReport, error) {
	g, err := e.load(ctx, batchID)
	if err != nil {
		return model.StatusReport{}, err
	}
	return g.status(), nil
}

func (g *graph) status() model.StatusReport {
	report := model.StatusReport{
		BatchID:     g.batch.ID,
		ProductType: g.batch.Product.Type,
		TotalPhases: len(g.execs),
	}

	var firstNotReady *model.PhaseExecution
	for i := range g.execs {
		exec := g.execs[i]
		switch exec.Status {
		case model.StatusCompleted:
			report.CompletedCount++
		case model.StatusSkipped:
			report.SkippedCount++
		}
		if report.Current == nil && exec.Status.Actionable() {
			report.Current = &exec
		}
		if report.Next == nil && exec.Status == model.StatusPending {
			report.Next = &exec
		}
		if firstNotReady == nil && exec.Status == model.StatusNotReady {
			firstNotReady = &exec
		}
	}
	if report.Next == nil {
		report.Next = firstNotReady
	}
	if report.TotalPhases > 0 {
		report.ProgressPct = (report.CompletedCount + report.SkippedCount) * 100 / report.TotalPhases
	}
	return report
}

// TasksForRole returns the batch's pending and in_progress executions the
// role may act on, ordered by order. It is computed from current status on
// every call, so phases reactivated by a rollback reappear.
func (e *Engine) TasksForRole(ctx context.Context, batchID, role string) ([]model.PhaseExecution, error) {
	if !e.policy.Known(role) {
		return nil, model.NewInvalidPhaseError(fmt.Sprintf("unknown role %q", role))
	}
	execs, err := e.store.List(ctx, batchID)
	if err != nil {
		return nil, err
	}

	// One snapshot of the role's phases, so a policy reload cannot change the
	// answer halfway through the list.
	allowed := make(map[model.Phase]bool)
	for _, p := range e.policy.PhasesFor(role) {
		allowed[p] = true
	}

	tasks := []model.PhaseExecution{}
	for _, exec := range execs {
		if exec.Status.Actionable() && allowed[exec.Phase] {
			tasks = append(tasks, exec)
		}
	}
	return tasks, nil
}

// Executions returns the batch's executions ordered by order.
func (e *Engine) Executions(ctx context.Context, batchID string) ([]model.PhaseExecution, error) {
	return e.store.List(ctx, batchID)
}

// Execution returns one phase execution of a batch.
func (e *Engine) Execution(ctx context.Context, batchID string, phase model.Phase) (model.PhaseExecution, error) {
	if !phase.Valid() {
		return model.PhaseExecution{}, model.NewInvalidPhaseError(fmt.Sprintf("unknown phase %q", phase))
	}
	return e.store.Get(ctx, batchID, phase)
}

// Definitions returns the phase definitions recorded for a product type by
// its instantiations, ordered by order.
func (e *Engine) Definitions(ctx context.Context, productType model.ProductType) ([]model.PhaseDefinition, error) {
	if !productType.Valid() {
		return nil, model.NewBadRequestError(fmt.Sprintf("unknown product type %q", productType))
	}
	defs, err := e.store.Definitions(ctx, productType)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("no workflow has been instantiated for product type %q", productType),
		)
	}
	return defs, nil
}

// Events returns the batch's audit trail.
func (e *Engine) Events(ctx context.Context, batchID string) ([]model.PhaseEvent, error) {
	return e.store.Events(ctx, batchID)
}

// FindStuck returns executions that have been in_progress for longer than
// threshold. Phases have no timeout; this only feeds monitoring.
func (e *Engine) FindStuck(ctx context.Context, threshold time.Duration) ([]model.PhaseExecution, error) {
	return e.store.FindStuck(ctx, e.now().Add(-threshold))
}
