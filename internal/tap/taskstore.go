package tap

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wiretap-dev/wiretap/internal/session"
)

// TaskStatus is the lifecycle state of a long-running task.
type TaskStatus string

const (
	TaskWorking       TaskStatus = "working"
	TaskInputRequired TaskStatus = "input_required"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskCancelled     TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is the stored state of one task.
type Task struct {
	TaskID        string        `json:"taskId"`
	Status        TaskStatus    `json:"status"`
	StatusMessage string        `json:"statusMessage,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	LastUpdatedAt time.Time     `json:"lastUpdatedAt"`
	TTL           time.Duration `json:"ttl,omitempty"`
}

// TaskParams are the caller-supplied options for a new task.
type TaskParams struct {
	TTL time.Duration `json:"ttl,omitempty"`
}

// TaskPage is one page of ListTasks results.
type TaskPage struct {
	Tasks      []Task `json:"tasks"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// TaskStore is the task-state store of the observed protocol server.
// GetTask returns a nil task and nil error when the task does not exist.
type TaskStore interface {
	CreateTask(ctx context.Context, sessionID string, params TaskParams, requestID, request json.RawMessage) (Task, error)
	GetTask(ctx context.Context, sessionID, taskID string) (*Task, error)
	UpdateTaskStatus(ctx context.Context, sessionID, taskID string, status TaskStatus, statusMessage string) error
	StoreTaskResult(ctx context.Context, sessionID, taskID string, status TaskStatus, result json.RawMessage) error
	GetTaskResult(ctx context.Context, sessionID, taskID string) (json.RawMessage, error)
	ListTasks(ctx context.Context, sessionID, cursor string) (TaskPage, error)
}

// WrapTaskStore returns a TaskStore that forwards every call to inner and
// reports task creation and status transitions. Results and errors from
// inner are returned unchanged.
func (t *Tap) WrapTaskStore(inner TaskStore) TaskStore {
	return &observedTaskStore{inner: inner, tap: t}
}

type observedTaskStore struct {
	inner TaskStore
	tap   *Tap
}

func (s *observedTaskStore) CreateTask(ctx context.Context, sessionID string, params TaskParams, requestID, request json.RawMessage) (Task, error) {
	task, err := s.inner.CreateTask(ctx, sessionID, params, requestID, request)
	if err != nil {
		return task, err
	}
	s.taskCreated(sessionID, task.TaskID, requestID, request)
	return task, nil
}

func (s *observedTaskStore) taskCreated(sessionID, taskID string, requestID, request json.RawMessage) {
	defer s.tap.guard(NameTaskStore)
	name, args := toolCall(request)
	s.tap.emit(NameTaskStore, sessionID, session.NewTaskCreated(taskID, name, args, requestID))
}

func (s *observedTaskStore) GetTask(ctx context.Context, sessionID, taskID string) (*Task, error) {
	return s.inner.GetTask(ctx, sessionID, taskID)
}

func (s *observedTaskStore) UpdateTaskStatus(ctx context.Context, sessionID, taskID string, status TaskStatus, statusMessage string) error {
	previous := s.previousStatus(ctx, sessionID, taskID)
	if err := s.inner.UpdateTaskStatus(ctx, sessionID, taskID, status, statusMessage); err != nil {
		return err
	}
	s.tap.emit(NameTaskStore, sessionID, session.NewTaskStatus(taskID, previous, string(status), statusMessage))
	return nil
}

func (s *observedTaskStore) StoreTaskResult(ctx context.Context, sessionID, taskID string, status TaskStatus, result json.RawMessage) error {
	previous := s.previousStatus(ctx, sessionID, taskID)
	if err := s.inner.StoreTaskResult(ctx, sessionID, taskID, status, result); err != nil {
		return err
	}
	s.tap.emit(NameTaskStore, sessionID, session.NewTaskStatus(taskID, previous, string(status), ""))
	return nil
}

func (s *observedTaskStore) GetTaskResult(ctx context.Context, sessionID, taskID string) (json.RawMessage, error) {
	return s.inner.GetTaskResult(ctx, sessionID, taskID)
}

func (s *observedTaskStore) ListTasks(ctx context.Context, sessionID, cursor string) (TaskPage, error) {
	return s.inner.ListTasks(ctx, sessionID, cursor)
}

// previousStatus reads the task's status ahead of a mutation. It returns nil
// when the task cannot be read.
func (s *observedTaskStore) previousStatus(ctx context.Context, sessionID, taskID string) (status *string) {
	defer s.tap.guard(NameTaskStore)
	task, err := s.inner.GetTask(ctx, sessionID, taskID)
	if err != nil || task == nil {
		return nil
	}
	prev := string(task.Status)
	return &prev
}
