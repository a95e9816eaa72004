package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/batchflow/internal/observability"
	"github.com/pitabwire/batchflow/model"
)

// Instantiate resolves the product's workflow and creates one execution per
// phase. The first active phase starts pending, conditionally removed phases
// are recorded as skipped, everything else is not_ready. Calling it again for
// the same batch and product creates nothing new.
func (e *Engine) Instantiate(ctx context.Context, batchID string, product model.Product) (_ model.StatusReport, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.instantiate", spanAttrs(batchID, "")...)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Validate input.
	if batchID == "" {
		return model.StatusReport{}, model.NewBadRequestError("batch id is required")
	}
	if err := product.Validate(); err != nil {
		return model.StatusReport{}, err
	}
	product = product.Normalized()
	span.SetAttributes(observability.AttrProductType.String(product.Type.String()))

	// 2. Resolve the plan and check checkpoint targets precede checkpoints.
	plan, err := e.catalog.Plan(product)
	if err == nil {
		err = e.catalog.ValidatePlan(plan)
	}
	if err != nil {
		e.metrics.RecordInstantiation(product.Type.String(), "error")
		e.logger.Error("workflow resolution failed",
			zap.String("batch_id", batchID),
			zap.String("product_type", product.Type.String()),
			zap.Error(err),
		)
		return model.StatusReport{}, err
	}

	// 3. Build definitions and initial executions; order is the plan index.
	now := e.now()
	inst := Instantiation{
		Batch: model.Batch{ID: batchID, Product: product, CreatedAt: now},
	}
	first := true
	for _, pp := range plan {
		inst.Definitions = append(inst.Definitions, model.PhaseDefinition{
			ProductType:              product.Type,
			Phase:                    pp.Phase,
			Order:                    pp.Order,
			Mandatory:                pp.Mandatory,
			RequiresExternalApproval: pp.RequiresExternalApproval,
			Checkpoint:               pp.Checkpoint,
			UpdatedAt:                now,
		})

		exec := model.PhaseExecution{
			BatchID:   batchID,
			Phase:     pp.Phase,
			Order:     pp.Order,
			Status:    model.StatusNotReady,
			CreatedAt: now,
			UpdatedAt: now,
		}
		switch {
		case pp.Skip:
			exec.Status = model.StatusSkipped
			exec.Comments = systemComment("")
		case first:
			exec.Status = model.StatusPending
			first = false
		}
		inst.Executions = append(inst.Executions, exec)
		inst.Events = append(inst.Events, model.PhaseEvent{
			ID:        uuid.New().String(),
			BatchID:   batchID,
			Phase:     pp.Phase,
			Event:     model.EventInstantiated,
			ActorID:   model.SystemActorID,
			ToStatus:  exec.Status,
			Comment:   exec.Comments,
			Timestamp: now,
		})
	}

	// 4. Persist; existing executions are left untouched.
	created, err := e.store.Instantiate(ctx, inst)
	if err != nil {
		e.metrics.RecordInstantiation(product.Type.String(), "error")
		if model.CodeOf(err) == "" {
			err = fmt.Errorf("instantiate batch %q: %w", batchID, err)
		}
		return model.StatusReport{}, err
	}

	if len(created) > 0 {
		inserted := make(map[model.Phase]bool, len(created))
		for _, c := range created {
			inserted[c.Phase] = true
		}
		var published []model.PhaseEvent
		for _, evt := range inst.Events {
			if inserted[evt.Phase] {
				published = append(published, evt)
			}
		}
		e.publish(ctx, published)
		e.metrics.RecordInstantiation(product.Type.String(), "created")
	} else {
		e.metrics.RecordInstantiation(product.Type.String(), "unchanged")
	}

	e.logger.Info("workflow instantiated",
		zap.String("batch_id", batchID),
		zap.String("product_type", product.Type.String()),
		zap.Int("phases", len(plan)),
		zap.Int("created", len(created)),
	)

	return e.Status(ctx, batchID)
}
