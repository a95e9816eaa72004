package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/batchflow/model"
)

// Store persists batches, phase definitions, phase executions and the audit
// trail. Implementations must make Instantiate and Apply atomic.
type Store interface {
	// Instantiate records the batch, upserts its phase definitions (order is
	// always overwritten) and inserts the executions that do not exist yet.
	// Events are persisted only for executions that were inserted. Returns
	// CONFLICT, writing nothing, if the batch exists with a different product.
	Instantiate(ctx context.Context, inst Instantiation) ([]model.PhaseExecution, error)

	// GetBatch returns the stored batch descriptor.
	GetBatch(ctx context.Context, batchID string) (model.Batch, error)

	// Definitions returns the phase definitions for a product type ordered by
	// order.
	Definitions(ctx context.Context, productType model.ProductType) ([]model.PhaseDefinition, error)

	// List returns a batch's executions ordered by order. Returns NOT_FOUND
	// if the batch has no executions.
	List(ctx context.Context, batchID string) ([]model.PhaseExecution, error)

	// Get returns one execution.
	Get(ctx context.Context, batchID string, phase model.Phase) (model.PhaseExecution, error)

	// Apply writes every change and appends every event in one atomic step.
	// Each change asserts the stored status and version; if any assertion
	// fails nothing is written and CONFLICT is returned. Returns the stored
	// executions with their new versions.
	Apply(ctx context.Context, batchID string, changes []Change, events []model.PhaseEvent) ([]model.PhaseExecution, error)

	// Events returns the batch's audit trail in append order.
	Events(ctx context.Context, batchID string) ([]model.PhaseEvent, error)

	// FindStuck returns in_progress executions started before cutoff, oldest
	// first.
	FindStuck(ctx context.Context, cutoff time.Time) ([]model.PhaseExecution, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// Instantiation is the write set of a workflow instantiation.
type Instantiation struct {
	Batch       model.Batch
	Definitions []model.PhaseDefinition
	Executions  []model.PhaseExecution
	Events      []model.PhaseEvent
}

// Change is a compare-and-swap write of one execution.
type Change struct {
	// ExpectedStatus is the status the caller observed. Empty means the
	// execution must not exist yet and is inserted.
	ExpectedStatus  model.PhaseStatus
	ExpectedVersion int
	Execution       model.PhaseExecution
}

// Insert reports whether the change creates a new execution.
func (c Change) Insert() bool { return c.ExpectedStatus == "" }
