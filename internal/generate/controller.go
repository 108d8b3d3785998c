// Package generate runs generation tasks: one cooperative, cancellable
// token-producing task per conversation scope, publishing progress to the
// event bus and persisting each final message.
package generate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genstream-io/genstream/internal/bus"
	"github.com/genstream-io/genstream/internal/scope"
	"github.com/genstream-io/genstream/internal/store"
)

var (
	// ErrAlreadyRunning is returned by Start when the scope has a non-terminal task.
	ErrAlreadyRunning = errors.New("generation already running for scope")

	// ErrNotFound is returned by Stop when the scope has no stoppable task.
	ErrNotFound = errors.New("no active generation for scope")
)

// DefaultTokenTimeout is the idle bound after which a silent source is
// treated as stalled and the task fails.
const DefaultTokenTimeout = 60 * time.Second

// Controller owns the scope to active-task registry and enforces the
// at-most-one-active-task-per-scope invariant. Safe for concurrent use.
type Controller struct {
	source       Source
	events       *bus.Bus
	messages     *store.MessageStore
	logger       *slog.Logger
	tokenTimeout time.Duration

	mu       sync.Mutex
	active   map[scope.Scope]*Task
	byThread map[string]map[scope.Scope]struct{}
}

// NewController creates a Controller. tokenTimeout <= 0 selects
// DefaultTokenTimeout.
func NewController(source Source, events *bus.Bus, messages *store.MessageStore, tokenTimeout time.Duration, logger *slog.Logger) *Controller {
	if tokenTimeout <= 0 {
		tokenTimeout = DefaultTokenTimeout
	}
	return &Controller{
		source:       source,
		events:       events,
		messages:     messages,
		logger:       logger,
		tokenTimeout: tokenTimeout,
		active:       make(map[scope.Scope]*Task),
		byThread:     make(map[string]map[scope.Scope]struct{}),
	}
}

// Start accepts a generation request for the scope and returns the new task's
// ID. It fails with ErrAlreadyRunning while a non-terminal task exists for
// the same scope. The task runs on its own goroutine, detached from the
// caller's cancellation.
func (c *Controller) Start(ctx context.Context, sc scope.Scope, prompt string) (string, error) {
	if err := sc.Validate(); err != nil {
		return "", err
	}

	task := &Task{
		id:     uuid.New().String(),
		scope:  sc,
		state:  StatePending,
		stopCh: make(chan struct{}),
	}

	c.mu.Lock()
	if _, busy := c.active[sc]; busy {
		c.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	c.active[sc] = task
	if c.byThread[sc.ThreadID] == nil {
		c.byThread[sc.ThreadID] = make(map[scope.Scope]struct{})
	}
	c.byThread[sc.ThreadID][sc] = struct{}{}
	c.mu.Unlock()

	c.logger.Info("generation started", "task_id", task.id, "scope", sc.String())
	go c.run(context.WithoutCancel(ctx), task, prompt)
	return task.id, nil
}

// Stop flags the scope's active task for cooperative cancellation and returns
// immediately; it does not wait for the terminal event. A scope with no
// active task, or whose task is already stopping, yields ErrNotFound, so
// repeated stops are harmless.
func (c *Controller) Stop(sc scope.Scope) error {
	c.mu.Lock()
	task, ok := c.active[sc]
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if !task.requestStop() {
		return ErrNotFound
	}
	c.logger.Info("stop requested", "task_id", task.id, "scope", sc.String())
	return nil
}

// StopThread stops every active task on the thread, regardless of which
// project/session lane it runs in. ErrNotFound when nothing was stoppable.
func (c *Controller) StopThread(threadID string) error {
	c.mu.Lock()
	var tasks []*Task
	for sc := range c.byThread[threadID] {
		if task, ok := c.active[sc]; ok {
			tasks = append(tasks, task)
		}
	}
	c.mu.Unlock()

	stopped := 0
	for _, task := range tasks {
		if task.requestStop() {
			c.logger.Info("stop requested", "task_id", task.id, "scope", task.scope.String())
			stopped++
		}
	}
	if stopped == 0 {
		return ErrNotFound
	}
	return nil
}

// Busy reports whether the scope currently has a non-terminal task.
func (c *Controller) Busy(sc scope.Scope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[sc]
	return ok
}

// finish removes the task from the registry once it reached a terminal
// state. Every terminal path goes through here, so a scope can never stay
// locked after its task ends.
func (c *Controller) finish(task *Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.active[task.scope]; ok && current == task {
		delete(c.active, task.scope)
		if set := c.byThread[task.scope.ThreadID]; set != nil {
			delete(set, task.scope)
			if len(set) == 0 {
				delete(c.byThread, task.scope.ThreadID)
			}
		}
	}
}
