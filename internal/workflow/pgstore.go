package workflow

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/batchflow/model"
)

//go:embed schema.sql
var schemaSQL string

const executionColumns = `batch_id, phase, position, status,
	started_by, started_at, completed_by, completed_at,
	comments, rejection_reason, version, created_at, updated_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Instantiate records the batch, its definitions and any missing executions
// in one transaction.
func (s *PgStore) Instantiate(ctx context.Context, inst Instantiation) ([]model.PhaseExecution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b := inst.Batch
	_, err = tx.Exec(ctx, `
		INSERT INTO batches (id, product_type, coated, tablet_variant, capsule_variant, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		b.ID, b.Product.Type, b.Product.Coated, b.Product.TabletVariant, b.Product.CapsuleVariant, b.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}

	stored, err := scanBatch(tx.QueryRow(ctx, `
		SELECT id, product_type, coated, tablet_variant, capsule_variant, created_at
		FROM batches WHERE id = $1 FOR UPDATE`, b.ID))
	if err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}
	if stored.Product != b.Product {
		return nil, model.NewConflictError(
			fmt.Sprintf("batch %q was instantiated for a different product", b.ID),
		)
	}

	for _, d := range inst.Definitions {
		_, err := tx.Exec(ctx, `
			INSERT INTO phase_definitions (
				product_type, phase, position, mandatory, requires_external_approval, checkpoint, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (product_type, phase) DO UPDATE SET
				position = EXCLUDED.position,
				mandatory = EXCLUDED.mandatory,
				requires_external_approval = EXCLUDED.requires_external_approval,
				checkpoint = EXCLUDED.checkpoint,
				updated_at = EXCLUDED.updated_at`,
			d.ProductType, d.Phase, d.Order, d.Mandatory, d.RequiresExternalApproval, d.Checkpoint, d.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("upsert phase definition %s/%s: %w", d.ProductType, d.Phase, err)
		}
	}

	var created []model.PhaseExecution
	inserted := make(map[model.Phase]bool)
	for _, e := range inst.Executions {
		e.Version = 1
		ok, err := insertExecution(ctx, tx, e)
		if err != nil {
			return nil, err
		}
		if ok {
			inserted[e.Phase] = true
			created = append(created, e)
		}
	}
	for _, evt := range inst.Events {
		if !inserted[evt.Phase] {
			continue
		}
		if err := insertEvent(ctx, tx, evt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit instantiation: %w", err)
	}
	return created, nil
}

// GetBatch returns the stored batch descriptor.
func (s *PgStore) GetBatch(ctx context.Context, batchID string) (model.Batch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `
		SELECT id, product_type, coated, tablet_variant, capsule_variant, created_at
		FROM batches WHERE id = $1`, batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Batch{}, model.NewNotFoundError(
			fmt.Sprintf("batch %q not found", batchID),
		)
	}
	if err != nil {
		return model.Batch{}, fmt.Errorf("query batch: %w", err)
	}
	return b, nil
}

// Definitions returns the phase definitions for a product type.
func (s *PgStore) Definitions(ctx context.Context, productType model.ProductType) ([]model.PhaseDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT product_type, phase, position, mandatory, requires_external_approval, checkpoint, updated_at
		FROM phase_definitions
		WHERE product_type = $1
		ORDER BY position ASC`, productType)
	if err != nil {
		return nil, fmt.Errorf("query phase definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.PhaseDefinition
	for rows.Next() {
		var d model.PhaseDefinition
		if err := rows.Scan(
			&d.ProductType, &d.Phase, &d.Order, &d.Mandatory,
			&d.RequiresExternalApproval, &d.Checkpoint, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan phase definition: %w", err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// List returns a batch's executions ordered by order.
func (s *PgStore) List(ctx context.Context, batchID string) ([]model.PhaseExecution, error) {
	execs, err := s.queryExecutions(ctx, `
		SELECT `+executionColumns+`
		FROM phase_executions
		WHERE batch_id = $1
		ORDER BY position ASC`, batchID)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("batch %q has no workflow", batchID),
		)
	}
	return execs, nil
}

// Get returns one execution.
func (s *PgStore) Get(ctx context.Context, batchID string, phase model.Phase) (model.PhaseExecution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx, `
		SELECT `+executionColumns+`
		FROM phase_executions
		WHERE batch_id = $1 AND phase = $2`, batchID, phase))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PhaseExecution{}, model.NewNotFoundError(
			fmt.Sprintf("phase %q not found for batch %q", phase, batchID),
		)
	}
	if err != nil {
		return model.PhaseExecution{}, fmt.Errorf("query phase execution: %w", err)
	}
	return e, nil
}

// Apply writes the change set in one transaction. Each update is guarded by
// the expected status and version; a guard that matches no row aborts the
// transaction with CONFLICT.
func (s *PgStore) Apply(ctx context.Context, batchID string, changes []Change, events []model.PhaseEvent) ([]model.PhaseExecution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stored := make([]model.PhaseExecution, 0, len(changes))
	for _, c := range changes {
		e := c.Execution
		e.BatchID = batchID
		e.Version = c.ExpectedVersion + 1

		if c.Insert() {
			ok, err := insertExecution(ctx, tx, e)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, model.NewConflictError(
					fmt.Sprintf("phase %q already exists for batch %q", e.Phase, batchID),
				)
			}
			stored = append(stored, e)
			continue
		}

		tag, err := tx.Exec(ctx, `
			UPDATE phase_executions SET
				status = $1,
				started_by = $2,
				started_at = $3,
				completed_by = $4,
				completed_at = $5,
				comments = $6,
				rejection_reason = $7,
				version = $8,
				updated_at = $9
			WHERE batch_id = $10 AND phase = $11 AND status = $12 AND version = $13`,
			e.Status, e.StartedBy, e.StartedAt, e.CompletedBy, e.CompletedAt,
			e.Comments, e.RejectionReason, e.Version, e.UpdatedAt,
			batchID, e.Phase, c.ExpectedStatus, c.ExpectedVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("update phase execution %s: %w", e.Phase, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, model.NewConflictError(
				fmt.Sprintf("phase %q of batch %q changed (expected %s v%d)",
					e.Phase, batchID, c.ExpectedStatus, c.ExpectedVersion),
			)
		}
		stored = append(stored, e)
	}

	for _, evt := range events {
		if err := insertEvent(ctx, tx, evt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return stored, nil
}

// Events returns the batch's audit trail in append order.
func (s *PgStore) Events(ctx context.Context, batchID string) ([]model.PhaseEvent, error) {
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, batch_id, phase, event, actor_id, from_status, to_status, comment, created_at
		FROM phase_events
		WHERE batch_id = $1
		ORDER BY seq ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query phase events: %w", err)
	}
	defer rows.Close()

	var events []model.PhaseEvent
	for rows.Next() {
		var evt model.PhaseEvent
		if err := rows.Scan(
			&evt.ID, &evt.BatchID, &evt.Phase, &evt.Event, &evt.ActorID,
			&evt.FromStatus, &evt.ToStatus, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan phase event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// FindStuck returns in_progress executions started before cutoff.
func (s *PgStore) FindStuck(ctx context.Context, cutoff time.Time) ([]model.PhaseExecution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+`
		FROM phase_executions
		WHERE status = 'in_progress' AND started_at < $1
		ORDER BY started_at ASC`, cutoff)
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) queryExecutions(ctx context.Context, query string, args ...any) ([]model.PhaseExecution, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query phase executions: %w", err)
	}
	defer rows.Close()

	var execs []model.PhaseExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan phase execution: %w", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func scanExecution(row pgx.Row) (model.PhaseExecution, error) {
	var e model.PhaseExecution
	err := row.Scan(
		&e.BatchID, &e.Phase, &e.Order, &e.Status,
		&e.StartedBy, &e.StartedAt, &e.CompletedBy, &e.CompletedAt,
		&e.Comments, &e.RejectionReason, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

func scanBatch(row pgx.Row) (model.Batch, error) {
	var b model.Batch
	err := row.Scan(
		&b.ID, &b.Product.Type, &b.Product.Coated,
		&b.Product.TabletVariant, &b.Product.CapsuleVariant, &b.CreatedAt,
	)
	return b, err
}

func insertExecution(ctx context.Context, tx pgx.Tx, e model.PhaseExecution) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO phase_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (batch_id, phase) DO NOTHING`,
		e.BatchID, e.Phase, e.Order, e.Status,
		e.StartedBy, e.StartedAt, e.CompletedBy, e.CompletedAt,
		e.Comments, e.RejectionReason, e.Version, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert phase execution %s: %w", e.Phase, err)
	}
	return tag.RowsAffected() == 1, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, evt model.PhaseEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO phase_events (
			id, batch_id, phase, event, actor_id, from_status, to_status, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		evt.ID, evt.BatchID, evt.Phase, evt.Event, evt.ActorID,
		evt.FromStatus, evt.ToStatus, evt.Comment, evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert phase event: %w", err)
	}
	return nil
}
