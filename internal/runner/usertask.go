package runner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/workflowd/internal/graph"
	"github.com/nugget/workflowd/internal/wfcontext"
	"github.com/nugget/workflowd/internal/wferrors"
)

// UserTaskDecision is the payload an external client submits via
// `userTask.complete {decision, comments}` (§6) to resolve a pending
// user task.
type UserTaskDecision struct {
	Decision string
	Comments string
}

// UserTaskRunner implements the User task contract (§4.4): it emits
// `userTask.created`, suspends until a matching Complete call arrives
// (or its timeout/cancellation fires), and stores the decision in
// context. One runner instance serves every user task across every
// running instance; pending waits are keyed by a generated task id
// handed back to the client in the created event, not by element id,
// since the same element may be active concurrently across instances.
type UserTaskRunner struct {
	mu      sync.Mutex
	waiters map[string]chan UserTaskDecision
}

// NewUserTaskRunner creates an empty UserTaskRunner.
func NewUserTaskRunner() *UserTaskRunner {
	return &UserTaskRunner{waiters: make(map[string]chan UserTaskDecision)}
}

func (r *UserTaskRunner) Run(ctx context.Context, elem *graph.Element, wctx *wfcontext.Store, sink Sink) (map[string]any, error) {
	taskID := uuid.NewString()
	ch := make(chan UserTaskDecision, 1)

	r.mu.Lock()
	r.waiters[taskID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, taskID)
		r.mu.Unlock()
	}()

	if err := sink.Publish("userTask.created", map[string]any{
		"taskId": taskID, "elementId": elem.ID,
	}); err != nil {
		return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
	}

	var timeoutCh <-chan time.Time
	if elem.Timeout != "" {
		d, err := time.ParseDuration(elem.Timeout)
		if err != nil {
			return nil, wferrors.Wrap(wferrors.CodeTaskExecutionError, elem.ID, err)
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case decision := <-ch:
		result := map[string]any{"decision": decision.Decision, "comments": decision.Comments}
		if err := sink.Publish("task.progress", map[string]any{"phase": "resolved", "decision": decision.Decision}); err != nil {
			return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
		}
		return result, nil
	case <-timeoutCh:
		return nil, wferrors.New(wferrors.CodeCorrelationTimeout, elem.ID, "user task wait timed out")
	case <-ctx.Done():
		return nil, wferrors.Wrap(wferrors.CodeCancellation, elem.ID, ctx.Err())
	}
}

// Complete resolves the pending user task identified by taskID (as
// handed back in its `userTask.created` event). Returns false if no
// such task is currently waiting — already resolved, timed out, or
// cancelled.
func (r *UserTaskRunner) Complete(taskID, decision, comments string) bool {
	r.mu.Lock()
	ch, ok := r.waiters[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- UserTaskDecision{Decision: decision, Comments: comments}:
		return true
	default:
		return false
	}
}
