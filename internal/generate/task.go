package generate

import (
	"context"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/genstream-io/genstream/internal/bus"
	"github.com/genstream-io/genstream/internal/scope"
	"github.com/genstream-io/genstream/internal/store"
)

// State is the lifecycle state of a generation task.
type State string

const (
	StatePending    State = "pending"
	StateGenerating State = "generating"
	StateCompleted  State = "completed"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// IsTerminal reports whether the state is final.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateFailed
}

// Task is one in-flight generation for a scope. The accumulated buffer is
// owned exclusively by the task goroutine; the terminal event's content is
// always derived from it, never recomputed elsewhere.
type Task struct {
	id    string
	scope scope.Scope

	stopRequested atomic.Bool
	stopCh        chan struct{}

	state State
	buf   strings.Builder
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// Scope returns the task's conversation lane.
func (t *Task) Scope() scope.Scope { return t.scope }

// requestStop flags the task for cooperative cancellation. Returns false if a
// stop was already requested.
func (t *Task) requestStop() bool {
	if t.stopRequested.Swap(true) {
		return false
	}
	close(t.stopCh)
	return true
}

type tokenMsg struct {
	fragment string
	err      error
}

// run drives the task to a terminal state: it pulls tokens from the source,
// appends them to the accumulator, publishes partial events, and publishes
// exactly one terminal event before deregistering from the controller.
func (c *Controller) run(ctx context.Context, task *Task, prompt string) {
	defer c.finish(task)

	c.publish(task, bus.Event{Kind: bus.KindStatus, State: string(StatePending)})

	ts, err := c.source.Open(ctx, Request{Scope: task.scope, Prompt: prompt})
	if err != nil {
		c.terminal(ctx, task, StateFailed, "source error: "+err.Error())
		return
	}
	defer ts.Close()

	// Pump tokens on a separate goroutine so the task loop can observe the
	// stop flag and the idle timer while the source blocks. done covers the
	// terminals that never close stopCh (idle timeout, source error), so a
	// late in-flight token cannot strand the pump on a full buffer.
	tokens := make(chan tokenMsg, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(tokens)
		for {
			fragment, err := ts.Recv()
			select {
			case tokens <- tokenMsg{fragment: fragment, err: err}:
			case <-task.stopCh:
				return
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	idle := time.NewTimer(c.tokenTimeout)
	defer idle.Stop()

	for {
		select {
		case <-task.stopCh:
			c.terminal(ctx, task, StateStopped, "")
			return

		case <-idle.C:
			c.terminal(ctx, task, StateFailed, "source stalled: no token within "+c.tokenTimeout.String())
			return

		case msg, ok := <-tokens:
			if !ok {
				// Pump exited after a stop; the stopCh branch wins next pass.
				c.terminal(ctx, task, StateStopped, "")
				return
			}
			// The stop flag is consulted at every token boundary, so at most
			// the token in flight when the flag was set gets produced, and it
			// is never published.
			if task.stopRequested.Load() {
				c.terminal(ctx, task, StateStopped, "")
				return
			}
			if msg.err == io.EOF {
				c.terminal(ctx, task, StateCompleted, "")
				return
			}
			if msg.err != nil {
				c.terminal(ctx, task, StateFailed, "source error: "+msg.err.Error())
				return
			}

			if task.state == StatePending {
				task.state = StateGenerating
				c.publish(task, bus.Event{Kind: bus.KindStatus, State: string(StateGenerating)})
			}
			if msg.fragment != "" {
				task.buf.WriteString(msg.fragment)
				c.publish(task, bus.Event{Kind: bus.KindPartial, Content: msg.fragment})
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.tokenTimeout)
		}
	}
}

// terminal moves the task to its final state and publishes the single
// terminal event. Content comes from the accumulator only.
func (c *Controller) terminal(ctx context.Context, task *Task, state State, errText string) {
	if task.state.IsTerminal() {
		return
	}
	task.state = state
	content := task.buf.String()

	ev := bus.Event{TaskID: task.id, State: string(state)}
	var msgErr *string
	var msgState store.MessageState

	switch state {
	case StateCompleted:
		ev.Kind = bus.KindComplete
		ev.Content = content
		msgState = store.MessageStateCompleted
	case StateStopped:
		ev.Kind = bus.KindComplete
		ev.Content = content
		msgState = store.MessageStateStopped
	case StateFailed:
		ev.Kind = bus.KindError
		ev.Error = errText
		msgState = store.MessageStateFailed
		if errText != "" {
			msgErr = &errText
		}
	}

	if _, err := c.messages.Append(ctx, task.id, task.scope, msgState, content, msgErr); err != nil {
		c.logger.Error("failed to persist terminal message",
			"task_id", task.id, "scope", task.scope.String(), "state", state, "error", err)
	}

	c.publish(task, ev)
	c.logger.Info("generation finished",
		"task_id", task.id, "scope", task.scope.String(), "state", state, "content_len", len(content))
}

func (c *Controller) publish(task *Task, ev bus.Event) {
	ev.Scope = task.scope
	if ev.TaskID == "" {
		ev.TaskID = task.id
	}
	if _, err := c.events.Publish(ev); err != nil {
		c.logger.Warn("publish event failed", "task_id", task.id, "kind", ev.Kind, "error", err)
	}
}
