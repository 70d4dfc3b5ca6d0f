// Package lifecycle provides shutdown plumbing: an ordered cleanup task
// registry and an optional parent-process watcher for orphan detection.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"
)

// Task is one named cleanup step.
type Task struct {
	Name string
	Run  func(context.Context) error
}

// Registry holds cleanup tasks and runs them in registration order.
// A failing or timed-out task is logged and never aborts the rest.
type Registry struct {
	taskTimeout time.Duration

	mu    sync.Mutex
	tasks []Task
}

// NewRegistry creates a Registry with the given per-task timeout.
func NewRegistry(taskTimeout time.Duration) *Registry {
	return &Registry{taskTimeout: taskTimeout}
}

// Register appends a cleanup task.
func (r *Registry) Register(name string, run func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, Task{Name: name, Run: run})
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// RunAll executes every task in order. Returns the number of tasks that
// failed or timed out.
func (r *Registry) RunAll(ctx context.Context) int {
	r.mu.Lock()
	tasks := append([]Task(nil), r.tasks...)
	r.mu.Unlock()

	failed := 0
	for _, task := range tasks {
		taskCtx, cancel := context.WithTimeout(ctx, r.taskTimeout)

		done := make(chan error, 1)
		go func() { done <- task.Run(taskCtx) }()

		select {
		case err := <-done:
			if err != nil {
				slog.Warn("cleanup task failed", "task", task.Name, "error", err)
				failed++
			} else {
				slog.Debug("cleanup task done", "task", task.Name)
			}
		case <-taskCtx.Done():
			slog.Warn("cleanup task timed out", "task", task.Name, "timeout", r.taskTimeout)
			failed++
		}
		cancel()
	}
	return failed
}

// WatchParent polls the given pid and calls onGone once when the
// process disappears. Blocks until ctx is cancelled or the parent dies.
// Used when a supervisor passes its pid so an orphaned hub shuts down
// instead of holding the port forever.
func WatchParent(ctx context.Context, pid int, interval time.Duration, onGone func()) {
	if pid <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !processAlive(pid) {
				slog.Info("parent process gone, shutting down", "parent_pid", pid)
				onGone()
				return
			}
		}
	}
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
