package saga

import (
	"context"
	"sync"
)

// MemoryStore keeps sagas in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]Instance
	steps     []StepExecution
	events    []AuditEvent
}

// NewMemoryStore constructs an empty in-memory saga store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]Instance)}
}

func (s *MemoryStore) Create(_ context.Context, inst Instance) (Instance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.instances[inst.ID]; ok {
		return existing, false, nil
	}
	s.instances[inst.ID] = inst
	return inst, true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return inst, nil
}

func (s *MemoryStore) Update(_ context.Context, inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[inst.ID]
	if !ok {
		return ErrNotFound
	}
	if current.State.Terminal() {
		return ErrTerminal
	}
	inst.CreatedAt = current.CreatedAt
	inst.Payload = current.Payload
	s.instances[inst.ID] = inst
	return nil
}

func (s *MemoryStore) StartStep(_ context.Context, exec StepExecution) (StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[exec.SagaID]; !ok {
		return StepExecution{}, ErrNotFound
	}
	for _, existing := range s.steps {
		if existing.SagaID == exec.SagaID && existing.Step == exec.Step {
			return StepExecution{}, ErrDuplicateStep
		}
	}
	exec.ID = int64(len(s.steps) + 1)
	s.steps = append(s.steps, exec)
	return exec, nil
}

func (s *MemoryStore) FinishStep(_ context.Context, exec StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := int(exec.ID) - 1
	if idx < 0 || idx >= len(s.steps) || s.steps[idx].SagaID != exec.SagaID {
		return ErrNotFound
	}
	s.steps[idx] = exec
	return nil
}

func (s *MemoryStore) Steps(_ context.Context, sagaID string) ([]StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StepExecution
	for _, exec := range s.steps {
		if exec.SagaID == sagaID {
			out = append(out, exec)
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = int64(len(s.events) + 1)
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) Events(_ context.Context, sagaID string) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEvent
	for _, ev := range s.events {
		if ev.SagaID == sagaID {
			out = append(out, ev)
		}
	}
	return out, nil
}
