package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/batchflow/model"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	batches     map[string]model.Batch
	definitions map[model.ProductType]map[model.Phase]model.PhaseDefinition
	executions  map[string]map[model.Phase]model.PhaseExecution // key: batch ID
	events      map[string][]model.PhaseEvent                   // key: batch ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:     make(map[string]model.Batch),
		definitions: make(map[model.ProductType]map[model.Phase]model.PhaseDefinition),
		executions:  make(map[string]map[model.Phase]model.PhaseExecution),
		events:      make(map[string][]model.PhaseEvent),
	}
}

// Instantiate records the batch, its definitions and any missing executions.
func (s *MemoryStore) Instantiate(_ context.Context, inst Instantiation) ([]model.PhaseExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batchID := inst.Batch.ID
	if existing, ok := s.batches[batchID]; ok {
		if existing.Product != inst.Batch.Product {
			return nil, model.NewConflictError(
				fmt.Sprintf("batch %q was instantiated for a different product", batchID),
			)
		}
	} else {
		s.batches[batchID] = inst.Batch
	}

	for _, def := range inst.Definitions {
		defs, ok := s.definitions[def.ProductType]
		if !ok {
			defs = make(map[model.Phase]model.PhaseDefinition)
			s.definitions[def.ProductType] = defs
		}
		defs[def.Phase] = def
	}

	execs, ok := s.executions[batchID]
	if !ok {
		execs = make(map[model.Phase]model.PhaseExecution)
		s.executions[batchID] = execs
	}

	var created []model.PhaseExecution
	inserted := make(map[model.Phase]bool)
	for _, e := range inst.Executions {
		if _, exists := execs[e.Phase]; exists {
			continue
		}
		e.Version = 1
		execs[e.Phase] = e
		inserted[e.Phase] = true
		created = append(created, e)
	}
	for _, evt := range inst.Events {
		if inserted[evt.Phase] {
			s.events[batchID] = append(s.events[batchID], evt)
		}
	}
	return created, nil
}

// GetBatch returns the stored batch descriptor.
func (s *MemoryStore) GetBatch(_ context.Context, batchID string) (model.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[batchID]
	if !ok {
		return model.Batch{}, model.NewNotFoundError(
			fmt.Sprintf("batch %q not found", batchID),
		)
	}
	return b, nil
}

// Definitions returns the phase definitions for a product type.
func (s *MemoryStore) Definitions(_ context.Context, productType model.ProductType) ([]model.PhaseDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]model.PhaseDefinition, 0, len(s.definitions[productType]))
	for _, d := range s.definitions[productType] {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Order < defs[j].Order })
	return defs, nil
}

// List returns a batch's executions ordered by order.
func (s *MemoryStore) List(_ context.Context, batchID string) ([]model.PhaseExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execs, ok := s.executions[batchID]
	if !ok || len(execs) == 0 {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("batch %q has no workflow", batchID),
		)
	}
	return sortedExecutions(execs), nil
}

// Get returns one execution.
func (s *MemoryStore) Get(_ context.Context, batchID string, phase model.Phase) (model.PhaseExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[batchID][phase]
	if !ok {
		return model.PhaseExecution{}, model.NewNotFoundError(
			fmt.Sprintf("phase %q not found for batch %q", phase, batchID),
		)
	}
	return e, nil
}

// Apply verifies every change against the stored state, then writes them all.
func (s *MemoryStore) Apply(_ context.Context, batchID string, changes []Change, events []model.PhaseEvent) ([]model.PhaseExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	execs, ok := s.executions[batchID]
	if !ok {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("batch %q has no workflow", batchID),
		)
	}

	// Optimistic lock check over the whole write set.
	for _, c := range changes {
		current, exists := execs[c.Execution.Phase]
		if c.Insert() {
			if exists {
				return nil, model.NewConflictError(
					fmt.Sprintf("phase %q already exists for batch %q", c.Execution.Phase, batchID),
				)
			}
			continue
		}
		if !exists {
			return nil, model.NewNotFoundError(
				fmt.Sprintf("phase %q not found for batch %q", c.Execution.Phase, batchID),
			)
		}
		if current.Status != c.ExpectedStatus || current.Version != c.ExpectedVersion {
			return nil, model.NewConflictError(
				fmt.Sprintf("phase %q of batch %q changed (expected %s v%d, found %s v%d)",
					c.Execution.Phase, batchID, c.ExpectedStatus, c.ExpectedVersion, current.Status, current.Version),
			)
		}
	}

	stored := make([]model.PhaseExecution, 0, len(changes))
	for _, c := range changes {
		e := c.Execution
		e.BatchID = batchID
		e.Version = c.ExpectedVersion + 1
		execs[e.Phase] = e
		stored = append(stored, e)
	}
	s.events[batchID] = append(s.events[batchID], events...)
	return stored, nil
}

// Events returns the batch's audit trail in append order.
func (s *MemoryStore) Events(_ context.Context, batchID string) ([]model.PhaseEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.executions[batchID]; !ok {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("batch %q has no workflow", batchID),
		)
	}
	events := s.events[batchID]
	result := make([]model.PhaseEvent, len(events))
	copy(result, events)
	return result, nil
}

// FindStuck returns in_progress executions started before cutoff.
func (s *MemoryStore) FindStuck(_ context.Context, cutoff time.Time) ([]model.PhaseExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PhaseExecution
	for _, execs := range s.executions {
		for _, e := range execs {
			if e.Status != model.StatusInProgress || e.StartedAt == nil {
				continue
			}
			if e.StartedAt.Before(cutoff) {
				result = append(result, e)
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(*result[j].StartedAt)
	})
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the total number of executions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, execs := range s.executions {
		n += len(execs)
	}
	return n
}

func sortedExecutions(execs map[model.Phase]model.PhaseExecution) []model.PhaseExecution {
	result := make([]model.PhaseExecution, 0, len(execs))
	for _, e := range execs {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Order < result[j].Order })
	return result
}
