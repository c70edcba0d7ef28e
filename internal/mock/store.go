package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wiretap-dev/wiretap/internal/tap"
)

var (
	// ErrTaskNotFound is returned when mutating a task that does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskFinished is returned when mutating a task that already reached
	// a terminal status.
	ErrTaskFinished = errors.New("task already finished")
)

const pageSize = 50

type storedTask struct {
	task      tap.Task
	sessionID string
	result    json.RawMessage
}

// TaskStore is an in-memory tap.TaskStore scoped per session.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]*storedTask
	now   func() time.Time
}

func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[string]*storedTask),
		now:   time.Now,
	}
}

func (s *TaskStore) lookup(sessionID, taskID string) (*storedTask, bool) {
	st, ok := s.tasks[taskID]
	if !ok || st.sessionID != sessionID {
		return nil, false
	}
	if st.task.TTL > 0 && s.now().After(st.task.CreatedAt.Add(st.task.TTL)) {
		delete(s.tasks, taskID)
		return nil, false
	}
	return st, true
}

func (s *TaskStore) CreateTask(_ context.Context, sessionID string, params tap.TaskParams, _, _ json.RawMessage) (tap.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st := &storedTask{
		sessionID: sessionID,
		task: tap.Task{
			TaskID:        uuid.NewString(),
			Status:        tap.TaskWorking,
			CreatedAt:     now,
			LastUpdatedAt: now,
			TTL:           params.TTL,
		},
	}
	s.tasks[st.task.TaskID] = st
	return st.task, nil
}

func (s *TaskStore) GetTask(_ context.Context, sessionID, taskID string) (*tap.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lookup(sessionID, taskID)
	if !ok {
		return nil, nil
	}
	task := st.task
	return &task, nil
}

func (s *TaskStore) UpdateTaskStatus(_ context.Context, sessionID, taskID string, status tap.TaskStatus, statusMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lookup(sessionID, taskID)
	if !ok {
		return ErrTaskNotFound
	}
	if st.task.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTaskFinished, st.task.Status)
	}
	st.task.Status = status
	st.task.StatusMessage = statusMessage
	st.task.LastUpdatedAt = s.now()
	return nil
}

func (s *TaskStore) StoreTaskResult(_ context.Context, sessionID, taskID string, status tap.TaskStatus, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lookup(sessionID, taskID)
	if !ok {
		return ErrTaskNotFound
	}
	if st.task.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTaskFinished, st.task.Status)
	}
	st.task.Status = status
	st.task.LastUpdatedAt = s.now()
	st.result = append(json.RawMessage(nil), result...)
	return nil
}

func (s *TaskStore) GetTaskResult(_ context.Context, sessionID, taskID string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lookup(sessionID, taskID)
	if !ok {
		return nil, ErrTaskNotFound
	}
	return append(json.RawMessage(nil), st.result...), nil
}

// ListTasks pages through a session's tasks oldest first. The cursor is the
// id of the last task on the previous page.
func (s *TaskStore) ListTasks(_ context.Context, sessionID, cursor string) (tap.TaskPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []tap.Task
	for id := range s.tasks {
		if st, ok := s.lookup(sessionID, id); ok {
			all = append(all, st.task)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].TaskID < all[j].TaskID
	})

	start := 0
	if cursor != "" {
		start = len(all)
		for i, task := range all {
			if task.TaskID == cursor {
				start = i + 1
				break
			}
		}
	}

	page := tap.TaskPage{Tasks: []tap.Task{}}
	end := min(start+pageSize, len(all))
	if start < end {
		page.Tasks = all[start:end]
	}
	if end < len(all) {
		page.NextCursor = all[end-1].TaskID
	}
	return page, nil
}

// DropSession forgets every task of sessionID.
func (s *TaskStore) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.tasks {
		if st.sessionID == sessionID {
			delete(s.tasks, id)
		}
	}
}
