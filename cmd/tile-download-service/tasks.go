package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/geoyee/tilevault/internal/engine"
)

type TaskStatus string

const (
	StatusPending  TaskStatus = "pending"
	StatusRunning  TaskStatus = "running"
	StatusStopped  TaskStatus = "stopped"
	StatusComplete TaskStatus = "complete"
	StatusFailed   TaskStatus = "failed"
)

type Task struct {
	ID           string
	Request      *engine.DownloadRequest
	Status       TaskStatus
	Progress     float64
	Total        int64
	MissingTiles int64
	Root         string
	MapID        string
	StartTime    time.Time
	EndTime      time.Time
	Error        string
	cancelFunc   context.CancelFunc
	mu           sync.RWMutex
}

// TaskView is the JSON form of a task.
type TaskView struct {
	ID           string     `json:"id"`
	Status       TaskStatus `json:"status"`
	Progress     float64    `json:"progress"`
	Total        int64      `json:"total"`
	MissingTiles int64      `json:"missing_tiles"`
	Root         string     `json:"root,omitempty"`
	MapID        string     `json:"map_id,omitempty"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Duration     string     `json:"duration,omitempty"`
	Error        string     `json:"error,omitempty"`
}

func (t *Task) View() TaskView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v := TaskView{
		ID:           t.ID,
		Status:       t.Status,
		Progress:     t.Progress,
		Total:        t.Total,
		MissingTiles: t.MissingTiles,
		Root:         t.Root,
		MapID:        t.MapID,
		StartTime:    t.StartTime,
		Error:        t.Error,
	}
	if !t.EndTime.IsZero() {
		end := t.EndTime
		v.EndTime = &end
		v.Duration = end.Sub(t.StartTime).String()
	}
	return v
}

func (t *Task) setProgress(p float64) {
	t.mu.Lock()
	t.Progress = p
	t.mu.Unlock()
}

// Stop cancels a running task. It reports false when the task is not running.
func (t *Task) Stop() (TaskStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status != StatusRunning {
		return t.Status, false
	}
	if t.cancelFunc != nil {
		t.cancelFunc()
	}
	t.Status = StatusStopped
	return t.Status, true
}

type TaskManager struct {
	tasks map[string]*Task
	mu    sync.RWMutex
}

func NewTaskManager() *TaskManager {
	return &TaskManager{
		tasks: make(map[string]*Task),
	}
}

// CreateTask registers a pending task. It returns false if id is taken.
func (tm *TaskManager) CreateTask(id string, req *engine.DownloadRequest, total int64) (*Task, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if _, ok := tm.tasks[id]; ok {
		return nil, false
	}
	task := &Task{
		ID:      id,
		Request: req,
		Status:  StatusPending,
		Total:   total,
	}
	tm.tasks[id] = task
	return task, true
}

func (tm *TaskManager) GetTask(id string) (*Task, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	task, ok := tm.tasks[id]
	return task, ok
}

// ListTasks returns the tasks by start time.
func (tm *TaskManager) ListTasks() []*Task {
	tm.mu.RLock()
	tasks := make([]*Task, 0, len(tm.tasks))
	for _, task := range tm.tasks {
		tasks = append(tasks, task)
	}
	tm.mu.RUnlock()

	views := make(map[*Task]TaskView, len(tasks))
	for _, task := range tasks {
		views[task] = task.View()
	}
	sort.Slice(tasks, func(i, j int) bool {
		a, b := views[tasks[i]], views[tasks[j]]
		if a.StartTime.Equal(b.StartTime) {
			return a.ID < b.ID
		}
		return a.StartTime.Before(b.StartTime)
	})
	return tasks
}

// DeleteTask removes a task, cancelling it if it is still running.
func (tm *TaskManager) DeleteTask(id string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	task, ok := tm.tasks[id]
	if !ok {
		return false
	}
	task.Stop()
	delete(tm.tasks, id)
	return true
}

// StopAll cancels every running task.
func (tm *TaskManager) StopAll() {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	for _, task := range tm.tasks {
		task.Stop()
	}
}
