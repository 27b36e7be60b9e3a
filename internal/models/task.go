package models

import "time"

// TaskStatus represents the state of an ingestion task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusSucceeded  TaskStatus = "succeeded"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// Task tracks one asynchronous ingestion job. Records outlive the documents
// they describe so status stays queryable after the pipeline finishes.
type Task struct {
	ID         string
	DocumentID string
	Status     TaskStatus
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
