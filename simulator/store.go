package simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	schema "github.com/taskdeck/taskdeck/shared/tasks/schema"
)

// ErrTaskNotFound is returned when a task id is unknown to the store.
var ErrTaskNotFound = errors.New("task not found")

// TaskStore persists simulated task state.
type TaskStore interface {
	Save(ctx context.Context, task *schema.Task) error
	Load(ctx context.Context, taskID string) (*schema.Task, error)
	Delete(ctx context.Context, taskID string) error
}

// InMemoryTaskStore implements TaskStore with a map.
type InMemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*schema.Task
}

// NewInMemoryTaskStore creates an empty in-memory store.
func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{
		tasks: make(map[string]*schema.Task),
	}
}

// Save stores a deep copy of the task, so later mutations by the caller do
// not leak into the store.
func (s *InMemoryTaskStore) Save(ctx context.Context, task *schema.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := task.Clone()
	s.tasks[task.ID] = &clone
	return nil
}

// Load returns a deep copy of the stored task.
func (s *InMemoryTaskStore) Load(ctx context.Context, taskID string) (*schema.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	clone := task.Clone()
	return &clone, nil
}

// Delete removes a task from the store.
func (s *InMemoryTaskStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[taskID]; !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	delete(s.tasks, taskID)
	return nil
}
