// Package workflow drives a batch through its resolved phase sequence: it
// instantiates phase executions, applies start/complete/fail transitions
// atomically, resolves product-specific branches and rolls back after QC
// failures.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/batchflow/internal/capability"
	"github.com/pitabwire/batchflow/internal/catalog"
	"github.com/pitabwire/batchflow/internal/events"
	"github.com/pitabwire/batchflow/internal/observability"
	"github.com/pitabwire/batchflow/model"
)

// Engine manages the phase graph of every batch.
type Engine struct {
	catalog   *catalog.Catalog
	policy    *capability.Policy
	store     Store
	rules     []BranchRule
	logger    *zap.Logger
	metrics   *observability.Metrics
	publisher events.Publisher
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPublisher sets the publisher that receives committed events.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBranchRules replaces the default branch rules.
func WithBranchRules(rules ...BranchRule) Option {
	return func(e *Engine) { e.rules = rules }
}

// NewEngine creates a new workflow engine.
func NewEngine(cat *catalog.Catalog, policy *capability.Policy, store Store, opts ...Option) *Engine {
	e := &Engine{
		catalog:   cat,
		policy:    policy,
		store:     store,
		rules:     DefaultBranchRules(),
		logger:    zap.NewNop(),
		publisher: events.NopPublisher{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CanStart reports whether the phase is pending and every lower-order
// execution is completed or skipped.
func (e *Engine) CanStart(ctx context.Context, batchID string, phase model.Phase) (bool, error) {
	g, err := e.load(ctx, batchID)
	if err != nil {
		return false, err
	}
	exec, ok := g.get(phase)
	if !ok {
		return false, phaseNotFound(batchID, phase)
	}
	return g.blocker(exec) == "", nil
}

// Start moves a pending execution to in_progress.
func (e *Engine) Start(ctx context.Context, batchID string, phase model.Phase, actor model.Actor) (_ model.PhaseExecution, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		append(spanAttrs(batchID, phase), actorAttrs(actor)...)...)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Authorize the actor for the phase.
	if err := e.authorize(phase, actor); err != nil {
		return model.PhaseExecution{}, err
	}

	// 2. Load the batch graph.
	g, err := e.load(ctx, batchID)
	if err != nil {
		return model.PhaseExecution{}, err
	}
	exec, ok := g.get(phase)
	if !ok {
		return model.PhaseExecution{}, phaseNotFound(batchID, phase)
	}

	// 3. Check status and prerequisites.
	if reason := g.blocker(exec); reason != "" {
		e.logger.Warn("phase not startable",
			zap.String("batch_id", batchID),
			zap.String("phase", phase.String()),
			zap.String("reason", reason),
		)
		return model.PhaseExecution{}, model.NewNotStartableError(
			fmt.Sprintf("phase %q cannot start: %s", phase, reason),
		)
	}

	// 4. Transition pending -> in_progress.
	t := e.begin(g, actor.ID)
	next := exec
	next.Status = model.StatusInProgress
	startedAt := t.now
	next.StartedBy = actor.ID
	next.StartedAt = &startedAt
	t.set(exec, next, model.EventStarted, "")

	stored, err := e.commit(ctx, "start", t)
	if err != nil {
		return model.PhaseExecution{}, err
	}

	e.logger.Info("phase started",
		zap.String("batch_id", batchID),
		zap.String("phase", phase.String()),
		zap.String("actor_id", actor.ID),
		zap.String("role", actor.Role),
	)
	return stored[phase], nil
}

// Complete finishes an in_progress execution, runs branch resolution and
// returns the execution it activated, or nil when the workflow has nothing
// left to activate.
func (e *Engine) Complete(ctx context.Context, batchID string, phase model.Phase, actor model.Actor, comments string) (_ *model.PhaseExecution, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.complete",
		append(spanAttrs(batchID, phase), actorAttrs(actor)...)...)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Authorize the actor for the phase.
	if err := e.authorize(phase, actor); err != nil {
		return nil, err
	}

	// 2. Load the batch graph.
	g, err := e.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	exec, ok := g.get(phase)
	if !ok {
		return nil, phaseNotFound(batchID, phase)
	}

	// 3. Only in_progress executions can complete.
	if exec.Status != model.StatusInProgress {
		return nil, model.NewWrongStateError(
			fmt.Sprintf("phase %q is %s, not in_progress", phase, exec.Status),
		)
	}

	// 4. Transition in_progress -> completed.
	t := e.begin(g, actor.ID)
	next := exec
	next.Status = model.StatusCompleted
	completedAt := t.now
	next.CompletedBy = actor.ID
	next.CompletedAt = &completedAt
	next.Comments = comments
	if exec.RejectionReason != "" {
		next.Comments = appendNote(comments,
			fmt.Sprintf("reprocessed after QC failure: %s", exec.RejectionReason))
	}
	t.set(exec, next, model.EventCompleted, comments)

	// 5. A re-passed checkpoint resolves its failure records.
	if exec.RejectionReason != "" {
		e.resolveFailures(t, next)
	}

	// 6. Branch resolution.
	activated := e.resolveBranch(t, next)

	stored, err := e.commit(ctx, "complete", t)
	if err != nil {
		return nil, err
	}

	if exec.StartedAt != nil {
		e.metrics.RecordPhaseDuration(phase.String(), t.now.Sub(*exec.StartedAt))
	}
	e.logger.Info("phase completed",
		zap.String("batch_id", batchID),
		zap.String("phase", phase.String()),
		zap.String("actor_id", actor.ID),
		zap.String("activated", string(activated)),
	)

	if activated == "" {
		return nil, nil
	}
	// The activated phase may have been pending before this call.
	result, ok := stored[activated]
	if !ok {
		result, _ = t.g.get(activated)
	}
	return &result, nil
}

// Fail rejects an in_progress QC checkpoint and rolls the batch back to the
// checkpoint's target in the same atomic write. It returns the rollback
// target, now pending.
func (e *Engine) Fail(ctx context.Context, batchID string, phase model.Phase, actor model.Actor, reason string) (_ *model.PhaseExecution, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.fail",
		append(spanAttrs(batchID, phase), actorAttrs(actor)...)...)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Authorize and check the phase is a checkpoint.
	if err := e.authorize(phase, actor); err != nil {
		return nil, err
	}
	if !e.catalog.IsCheckpoint(phase) {
		return nil, model.NewInvalidPhaseError(
			fmt.Sprintf("phase %q is not a QC checkpoint", phase),
		)
	}
	if reason == "" {
		return nil, model.NewBadRequestError("a rejection reason is required")
	}

	// 2. Load the batch graph.
	g, err := e.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	exec, ok := g.get(phase)
	if !ok {
		return nil, phaseNotFound(batchID, phase)
	}
	if exec.Status != model.StatusInProgress {
		return nil, model.NewWrongStateError(
			fmt.Sprintf("phase %q is %s, not in_progress", phase, exec.Status),
		)
	}

	// 3. Transition in_progress -> failed.
	t := e.begin(g, actor.ID)
	next := exec
	next.Status = model.StatusFailed
	next.RejectionReason = reason
	t.set(exec, next, model.EventFailed, reason)

	// 4. Roll back the range [target, checkpoint).
	target, err := e.rollback(t, next)
	if err != nil {
		return nil, err
	}

	stored, err := e.commit(ctx, "fail", t)
	if err != nil {
		if model.IsCode(err, model.ErrConflict) || model.IsCode(err, model.ErrNotFound) {
			return nil, err
		}
		e.logger.Error("rollback failed",
			zap.String("batch_id", batchID),
			zap.String("phase", phase.String()),
			zap.Error(err),
		)
		return nil, model.NewRollbackFailedError(
			fmt.Sprintf("rollback of %q to %q", phase, target), err,
		)
	}

	e.metrics.RecordRollback(phase.String())
	e.logger.Info("QC checkpoint failed, batch rolled back",
		zap.String("batch_id", batchID),
		zap.String("phase", phase.String()),
		zap.String("target", target.String()),
		zap.String("actor_id", actor.ID),
		zap.String("reason", reason),
	)

	result, ok := stored[target]
	if !ok {
		result, _ = t.g.get(target)
	}
	return &result, nil
}

// Skip marks a not_ready or pending execution as skipped. It is invoked by
// the system, never by operators. Skipping the pending execution activates
// the next one.
func (e *Engine) Skip(ctx context.Context, batchID string, phase model.Phase, reason string) (err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.skip", spanAttrs(batchID, phase)...)
	defer func() { observability.EndSpanWithError(span, err) }()

	g, err := e.load(ctx, batchID)
	if err != nil {
		return err
	}
	exec, ok := g.get(phase)
	if !ok {
		return phaseNotFound(batchID, phase)
	}

	switch exec.Status {
	case model.StatusSkipped:
		return nil
	case model.StatusNotReady, model.StatusPending:
	default:
		return model.NewWrongStateError(
			fmt.Sprintf("phase %q is %s and cannot be skipped", phase, exec.Status),
		)
	}

	t := e.begin(g, model.SystemActorID)
	next := exec
	next.Status = model.StatusSkipped
	next.Comments = systemComment(reason)
	t.set(exec, next, model.EventSkipped, next.Comments)
	if exec.Status == model.StatusPending {
		e.activateNext(t, next)
	}

	if _, err := e.commit(ctx, "skip", t); err != nil {
		return err
	}
	e.logger.Info("phase skipped",
		zap.String("batch_id", batchID),
		zap.String("phase", phase.String()),
		zap.String("reason", reason),
	)
	return nil
}

// authorize checks the acting role may act on phase.
func (e *Engine) authorize(phase model.Phase, actor model.Actor) error {
	if !phase.Valid() {
		return model.NewInvalidPhaseError(fmt.Sprintf("unknown phase %q", phase))
	}
	if actor.ID == "" {
		return model.NewBadRequestError("actor id is required")
	}
	if !e.policy.Allows(actor.Role, phase) {
		return model.NewInvalidPhaseError(
			fmt.Sprintf("role %q is not authorized for phase %q", actor.Role, phase),
		)
	}
	return nil
}

func (e *Engine) load(ctx context.Context, batchID string) (*graph, error) {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	execs, err := e.store.List(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return newGraph(batch, execs), nil
}

func (e *Engine) begin(g *graph, actorID string) *txn {
	return &txn{
		g:       g,
		now:     e.now(),
		actorID: actorID,
		pos:     make(map[model.Phase]int),
	}
}

// commit applies the transaction, records metrics and publishes its events.
func (e *Engine) commit(ctx context.Context, op string, t *txn) (map[model.Phase]model.PhaseExecution, error) {
	stored, err := e.store.Apply(ctx, t.g.batch.ID, t.changes, t.events)
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			e.metrics.RecordTransitionConflict(op)
			e.logger.Warn("transition conflict",
				zap.String("batch_id", t.g.batch.ID),
				zap.String("operation", op),
				zap.Error(err),
			)
		}
		return nil, err
	}

	for _, evt := range t.events {
		e.metrics.RecordTransition(evt.Phase.String(), evt.Event)
	}
	e.publish(ctx, t.events)

	result := make(map[model.Phase]model.PhaseExecution, len(stored))
	for _, s := range stored {
		result[s.Phase] = s
	}
	return result, nil
}

// publish delivers committed events. Failures are logged and never undo the
// committed transition.
func (e *Engine) publish(ctx context.Context, evts []model.PhaseEvent) {
	if len(evts) == 0 {
		return
	}
	if err := e.publisher.Publish(ctx, evts...); err != nil {
		e.logger.Warn("failed to publish phase events",
			zap.String("batch_id", evts[0].BatchID),
			zap.Int("count", len(evts)),
			zap.Error(err),
		)
	}
}

// txn accumulates the change set of one operation. Later changes to the same
// execution keep the first observed status and version as the expectation.
type txn struct {
	g       *graph
	now     time.Time
	actorID string
	changes []Change
	events  []model.PhaseEvent
	pos     map[model.Phase]int
}

func (t *txn) set(prev, next model.PhaseExecution, event, comment string) {
	next.UpdatedAt = t.now
	if i, ok := t.pos[next.Phase]; ok {
		t.changes[i].Execution = next
	} else {
		t.pos[next.Phase] = len(t.changes)
		t.changes = append(t.changes, Change{
			ExpectedStatus:  prev.Status,
			ExpectedVersion: prev.Version,
			Execution:       next,
		})
	}
	t.g.put(next)
	t.record(next.Phase, event, prev.Status, next.Status, comment)
}

func (t *txn) insert(next model.PhaseExecution, event, comment string) {
	next.BatchID = t.g.batch.ID
	next.CreatedAt = t.now
	next.UpdatedAt = t.now
	t.pos[next.Phase] = len(t.changes)
	t.changes = append(t.changes, Change{Execution: next})
	t.g.put(next)
	t.record(next.Phase, event, "", next.Status, comment)
}

func (t *txn) record(phase model.Phase, event string, from, to model.PhaseStatus, comment string) {
	t.events = append(t.events, model.PhaseEvent{
		ID:         uuid.New().String(),
		BatchID:    t.g.batch.ID,
		Phase:      phase,
		Event:      event,
		ActorID:    t.actorID,
		FromStatus: from,
		ToStatus:   to,
		Comment:    comment,
		Timestamp:  t.now,
	})
}

func phaseNotFound(batchID string, phase model.Phase) error {
	return model.NewNotFoundError(
		fmt.Sprintf("phase %q not found for batch %q", phase, batchID),
	)
}

func spanAttrs(batchID string, phase model.Phase) []attribute.KeyValue {
	return []attribute.KeyValue{
		observability.AttrBatchID.String(batchID),
		observability.AttrPhase.String(phase.String()),
	}
}

func actorAttrs(actor model.Actor) []attribute.KeyValue {
	return []attribute.KeyValue{
		observability.AttrOperatorID.String(actor.ID),
		observability.AttrRole.String(actor.Role),
	}
}

func systemComment(reason string) string {
	if reason == "" {
		reason = "not required for this product"
	}
	return "system: " + reason
}

func appendNote(comments, note string) string {
	if comments == "" {
		return note
	}
	return comments + "\n" + note
}
