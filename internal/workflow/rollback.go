package workflow

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/batchflow/model"
)

// rollback resets the executions in [target, failed) that have advanced, so
// the batch re-enters the normal flow at target. The failed checkpoint keeps
// its failed status as the audit record. A missing target execution is
// recreated from the catalog.
func (e *Engine) rollback(t *txn, failed model.PhaseExecution) (model.Phase, error) {
	target, ok := e.catalog.RollbackTarget(failed.Phase)
	if !ok {
		return "", model.NewInvalidPhaseError(
			fmt.Sprintf("phase %q has no rollback target", failed.Phase),
		)
	}

	comment := fmt.Sprintf("rolled back after %s failed: %s", failed.Phase, failed.RejectionReason)

	r, exists := t.g.get(target)
	if !exists {
		order, err := e.plannedOrder(t.g.batch.Product, target)
		if err != nil {
			return "", err
		}
		e.logger.Warn("rollback target missing, recreating it",
			zap.String("batch_id", t.g.batch.ID),
			zap.String("phase", target.String()),
		)
		r = model.PhaseExecution{Phase: target, Order: order, Status: model.StatusPending}
		t.insert(r, model.EventRolledBack, comment)
	}

	if r.Order >= failed.Order {
		return "", model.NewRollbackFailedError(
			fmt.Sprintf("rollback target %q does not precede %q", target, failed.Phase), nil,
		)
	}

	for _, exec := range t.g.execs {
		if exec.Order < r.Order || exec.Order >= failed.Order {
			continue
		}
		switch exec.Status {
		case model.StatusCompleted, model.StatusFailed, model.StatusInProgress:
		default:
			continue
		}
		next := exec
		if exec.Phase == target {
			next.Reset(model.StatusPending)
		} else {
			next.Reset(model.StatusNotReady)
		}
		t.set(exec, next, model.EventRolledBack, comment)
	}
	return target, nil
}

// plannedOrder returns the order of phase in the product's resolved plan.
func (e *Engine) plannedOrder(product model.Product, phase model.Phase) (int, error) {
	plan, err := e.catalog.Plan(product)
	if err != nil {
		return 0, model.NewRollbackFailedError("resolving workflow for rollback", err)
	}
	for _, pp := range plan {
		if pp.Phase == phase {
			return pp.Order, nil
		}
	}
	return 0, model.NewRollbackFailedError(
		fmt.Sprintf("rollback target %q is not part of the %s workflow", phase, product.Type), nil,
	)
}

// resolveFailures runs when a checkpoint passes after an earlier failure. Any
// other execution of the same phase still failed is marked resolved, and a
// resolved audit entry keeps the failure history next to the pass.
func (e *Engine) resolveFailures(t *txn, passed model.PhaseExecution) {
	for _, exec := range t.g.execs {
		if exec.Phase != passed.Phase || exec.Order == passed.Order || exec.Status != model.StatusFailed {
			continue
		}
		next := exec
		next.Status = model.StatusResolved
		t.set(exec, next, model.EventResolved, "")
	}
	t.record(passed.Phase, model.EventResolved, model.StatusFailed, passed.Status,
		fmt.Sprintf("QC failure resolved by reprocessing: %s", passed.RejectionReason))
}
