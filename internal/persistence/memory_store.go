package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/passo/pkg/api"
)

// InMemoryStepStore is a goroutine-safe StepStore backed by a map. It is not
// durable; it exists for tests and development.
type InMemoryStepStore struct {
	mu    sync.Mutex
	steps map[stepAddr]*api.StepRecord
}

type stepAddr struct {
	workflowID string
	stepKey    string
}

// Ensure InMemoryStepStore implements the interface.
var _ api.StepStore = (*InMemoryStepStore)(nil)

// NewInMemoryStepStore creates a new InMemoryStepStore.
func NewInMemoryStepStore() *InMemoryStepStore {
	return &InMemoryStepStore{steps: make(map[stepAddr]*api.StepRecord)}
}

func (s *InMemoryStepStore) Initialize(ctx context.Context) error {
	return nil
}

func (s *InMemoryStepStore) Reserve(ctx context.Context, workflowID, stepKey, stepID, owner string, lease time.Duration) (api.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	addr := stepAddr{workflowID: workflowID, stepKey: stepKey}

	existing, ok := s.steps[addr]
	if !ok {
		rec := &api.StepRecord{
			WorkflowID:  workflowID,
			StepKey:     stepKey,
			StepID:      stepID,
			Status:      api.StepRunning,
			Attempt:     1,
			Owner:       owner,
			StartedAtMs: now,
			UpdatedAtMs: now,
		}
		s.steps[addr] = rec
		return api.Acquired(*rec), nil
	}

	if existing.Status == api.StepCompleted {
		return api.Cached(*existing), nil
	}

	if !reclaimable(*existing, owner, lease, now) {
		return api.RunningElsewhere(*existing), nil
	}

	existing.Status = api.StepRunning
	existing.Owner = owner
	existing.OutputJSON = ""
	existing.OutputType = ""
	existing.ErrorMessage = ""
	existing.Attempt++
	existing.UpdatedAtMs = now
	return api.Acquired(*existing), nil
}

func (s *InMemoryStepStore) Complete(ctx context.Context, workflowID, stepKey, owner, outputJSON, outputType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.steps[stepAddr{workflowID: workflowID, stepKey: stepKey}]
	if !ok || rec.Owner != owner || rec.Status == api.StepCompleted {
		return fmt.Errorf("complete %s: %w", stepKey, api.ErrOwnershipLost)
	}

	rec.Status = api.StepCompleted
	rec.OutputJSON = outputJSON
	rec.OutputType = outputType
	rec.ErrorMessage = ""
	rec.UpdatedAtMs = time.Now().UnixMilli()
	return nil
}

func (s *InMemoryStepStore) Fail(ctx context.Context, workflowID, stepKey, owner, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.steps[stepAddr{workflowID: workflowID, stepKey: stepKey}]
	if !ok || rec.Owner != owner || rec.Status == api.StepCompleted {
		return fmt.Errorf("fail %s: %w", stepKey, api.ErrOwnershipLost)
	}

	rec.Status = api.StepFailed
	rec.ErrorMessage = errorMessage
	rec.UpdatedAtMs = time.Now().UnixMilli()
	return nil
}

// Snapshot returns a copy of all records for a workflow, keyed by step key.
// It exists for tests and inspection.
func (s *InMemoryStepStore) Snapshot(workflowID string) map[string]api.StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]api.StepRecord)
	for addr, rec := range s.steps {
		if addr.workflowID == workflowID {
			out[addr.stepKey] = *rec
		}
	}
	return out
}
