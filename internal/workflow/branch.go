package workflow

import (
	"go.uber.org/zap"

	"github.com/pitabwire/batchflow/model"
)

// Outcome is what a branch rule does to the executions after a completion.
type Outcome struct {
	// Activate moves not_ready executions to pending.
	Activate []model.Phase
	// Skip marks not_ready or pending executions as skipped.
	Skip []model.Phase
	// Hold forces pending executions back to not_ready.
	Hold []model.Phase
}

// BranchRule overrides the default "activate the next phase" behaviour after
// a specific completion.
type BranchRule struct {
	Name    string
	Applies func(completed model.Phase, product model.Product) bool
	Outcome func(product model.Product) Outcome
}

// DefaultBranchRules returns the tablet decision points: coating after
// sorting, packing variant after packaging material release, and secondary
// packaging after packing.
func DefaultBranchRules() []BranchRule {
	return []BranchRule{
		{
			Name: "tablet_coating",
			Applies: func(completed model.Phase, p model.Product) bool {
				return p.Type == model.ProductTablet && completed == model.PhaseSorting
			},
			Outcome: func(p model.Product) Outcome {
				if p.Coated {
					return Outcome{Activate: []model.Phase{model.PhaseCoating}}
				}
				return Outcome{
					Skip:     []model.Phase{model.PhaseCoating},
					Activate: []model.Phase{model.PhasePackagingMaterialRelease},
				}
			},
		},
		{
			Name: "tablet_packing_variant",
			Applies: func(completed model.Phase, p model.Product) bool {
				return p.Type == model.ProductTablet && completed == model.PhasePackagingMaterialRelease
			},
			Outcome: func(p model.Product) Outcome {
				packing := model.PhaseBlisterPacking
				if p.TabletVariant == model.TabletVariantType2 {
					packing = model.PhaseBulkPacking
				}
				return Outcome{
					Activate: []model.Phase{packing},
					Hold:     []model.Phase{model.PhaseSecondaryPackaging},
				}
			},
		},
		{
			Name: "tablet_secondary_packaging",
			Applies: func(completed model.Phase, p model.Product) bool {
				return p.Type == model.ProductTablet &&
					(completed == model.PhaseBlisterPacking || completed == model.PhaseBulkPacking)
			},
			Outcome: func(model.Product) Outcome {
				return Outcome{Activate: []model.Phase{model.PhaseSecondaryPackaging}}
			},
		},
	}
}

// resolveBranch runs the first matching rule, or the default rule when none
// matches, and returns the phase that is now actionable next.
func (e *Engine) resolveBranch(t *txn, completed model.PhaseExecution) model.Phase {
	product := t.g.batch.Product
	for _, rule := range e.rules {
		if !rule.Applies(completed.Phase, product) {
			continue
		}
		e.logger.Debug("branch rule matched",
			zap.String("batch_id", t.g.batch.ID),
			zap.String("rule", rule.Name),
			zap.String("completed", completed.Phase.String()),
		)
		return e.applyOutcome(t, rule.Outcome(product))
	}
	return e.activateNext(t, completed)
}

func (e *Engine) applyOutcome(t *txn, out Outcome) model.Phase {
	for _, p := range out.Skip {
		exec, ok := t.g.get(p)
		if !ok {
			continue
		}
		if exec.Status != model.StatusNotReady && exec.Status != model.StatusPending {
			continue
		}
		next := exec
		next.Status = model.StatusSkipped
		next.Comments = systemComment("")
		t.set(exec, next, model.EventSkipped, next.Comments)
	}

	for _, p := range out.Hold {
		exec, ok := t.g.get(p)
		if !ok || exec.Status != model.StatusPending {
			continue
		}
		next := exec
		next.Status = model.StatusNotReady
		t.set(exec, next, model.EventHeld, "")
	}

	var activated model.Phase
	for _, p := range out.Activate {
		exec, ok := t.g.get(p)
		if !ok {
			e.logger.Warn("branch target missing from workflow",
				zap.String("batch_id", t.g.batch.ID),
				zap.String("phase", p.String()),
			)
			continue
		}
		switch exec.Status {
		case model.StatusNotReady, model.StatusFailed:
			next := exec
			next.Status = model.StatusPending
			t.set(exec, next, model.EventActivated, "")
		case model.StatusPending:
		default:
			continue
		}
		if activated == "" {
			activated = p
		}
	}
	return activated
}

// activateNext is the default rule: the lowest-order execution after the
// given one that is not_ready, or failed and awaiting reprocessing, becomes
// pending.
func (e *Engine) activateNext(t *txn, after model.PhaseExecution) model.Phase {
	for _, exec := range t.g.execs {
		if exec.Order <= after.Order {
			continue
		}
		if exec.Status != model.StatusNotReady && exec.Status != model.StatusFailed {
			continue
		}
		next := exec
		next.Status = model.StatusPending
		t.set(exec, next, model.EventActivated, "")
		return exec.Phase
	}
	return ""
}
