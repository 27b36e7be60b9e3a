package tasks

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xhad/kbase/internal/models"
	"github.com/xhad/kbase/internal/types"
)

// Tracker is an in-memory task store safe for concurrent use. Task records
// persist for the life of the process so status stays queryable after the
// ingestion that produced them has finished.
type Tracker struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

func NewTracker() *Tracker {
	return &Tracker{
		tasks: make(map[string]*models.Task),
	}
}

// Create registers a new pending task for the given document and returns a
// copy of the record.
func (t *Tracker) Create(documentID string) models.Task {
	now := time.Now().UTC()
	task := &models.Task{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Status:     models.TaskStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	t.mu.Lock()
	t.tasks[task.ID] = task
	t.mu.Unlock()

	return *task
}

// validNext holds the allowed status transitions. Terminal states allow
// none; success is only reachable through processing, while failure may
// strike a task that never got picked up.
var validNext = map[models.TaskStatus]map[models.TaskStatus]bool{
	models.TaskStatusPending: {
		models.TaskStatusProcessing: true,
		models.TaskStatusFailed:     true,
	},
	models.TaskStatusProcessing: {
		models.TaskStatusSucceeded: true,
		models.TaskStatusFailed:    true,
	},
}

// Update advances a task's status. Transitions are monotonic: anything not
// in validNext returns ErrInvalidTransition.
func (t *Tracker) Update(taskID string, status models.TaskStatus, errDetail string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, types.ErrNotFound)
	}

	if !validNext[task.Status][status] {
		return fmt.Errorf("task %s cannot go from %s to %s: %w", taskID, task.Status, status, types.ErrInvalidTransition)
	}

	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	if status == models.TaskStatusFailed {
		task.Error = errDetail
	} else {
		task.Error = ""
	}

	return nil
}

// Get returns a copy of the task record.
func (t *Tracker) Get(taskID string) (models.Task, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	task, ok := t.tasks[taskID]
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", taskID, types.ErrNotFound)
	}
	return *task, nil
}
