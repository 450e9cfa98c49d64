// Package runner is the Task Runner Registry (§4.4): a static
// kind/task-type -> Runner dispatch table, replacing the reflection-
// based task registries §9 flags for re-architecture.
//
// Grounded on the teacher's internal/tools static registry
// (map[string]Tool{Parameters, Handler}): the same "static table,
// value implements a narrow interface" shape, generalized from tool
// name to graph.TaskType.
package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/nugget/workflowd/internal/graph"
	"github.com/nugget/workflowd/internal/wfcontext"
)

// Sink is the publish/persist surface a runner uses while it executes
// (§4.4, §4.5, §4.6). The scheduler/boundary layer implements it with
// this task's element id already bound, so runners never need to know
// about the broadcaster or event store directly.
type Sink interface {
	// Publish emits an AG-UI progress envelope for this task.
	Publish(eventType string, data map[string]any) error
	// EnsureThread returns (creating if absent) this element's thread id.
	EnsureThread() (string, error)
	StoreMessageStart(role string) (string, error)
	UpdateMessageContent(messageID, text string) error
	MarkMessageComplete(messageID string) error
	MarkMessageCancelled(messageID, reason string) error
	StoreToolStart(toolName, argsJSON string) (string, error)
	UpdateToolEnd(id, resultJSON string, failed bool) error
	StoreThinking(message string) error
}

// Runner executes one task element to completion, returning the
// variables to deep-merge into the instance context (§3) or an error.
// The passed context carries the task's cancellation handle; runners
// must honor ctx.Done() at every suspension point (§5).
type Runner interface {
	Run(ctx context.Context, elem *graph.Element, wctx *wfcontext.Store, sink Sink) (map[string]any, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, elem *graph.Element, wctx *wfcontext.Store, sink Sink) (map[string]any, error)

func (f RunnerFunc) Run(ctx context.Context, elem *graph.Element, wctx *wfcontext.Store, sink Sink) (map[string]any, error) {
	return f(ctx, elem, wctx, sink)
}

// Registry is the static kind -> runner dispatch table.
type Registry struct {
	mu  sync.RWMutex
	byType map[graph.TaskType]Runner
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[graph.TaskType]Runner)}
}

// Register associates taskType with run. Registering the same type
// twice replaces the previous runner (useful for tests substituting
// fakes, per §9's "avoid hidden globals, inject explicitly").
func (r *Registry) Register(taskType graph.TaskType, run Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[taskType] = run
}

// Lookup returns the runner registered for taskType.
func (r *Registry) Lookup(taskType graph.TaskType) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.byType[taskType]
	return run, ok
}

// Run dispatches to the runner registered for elem.TaskType, or
// returns an error if none is registered.
func (r *Registry) Run(ctx context.Context, elem *graph.Element, wctx *wfcontext.Store, sink Sink) (map[string]any, error) {
	run, ok := r.Lookup(elem.TaskType)
	if !ok {
		return nil, fmt.Errorf("runner: no runner registered for task type %q (element %q)", elem.TaskType, elem.ID)
	}
	return run.Run(ctx, elem, wctx, sink)
}

// Default builds a Registry wired with the built-in runners for every
// task type spec.md §4.4 describes, using simulated collaborators
// where §6 calls for an external one (send, agentic) unless the
// caller later overrides them via Register. Compensation-throw has no
// entry here: it is an intermediate event, not a task type, and is
// dispatched directly by internal/scheduler.
//
// userTasks is shared across every instance the engine runs, not
// created fresh per instance: a task id handed to a client in a
// userTask.created event must stay resolvable by a single engine-wide
// Complete call regardless of which instance suspended on it (§6).
func Default(queue ReceiveWaiter, sender Sender, agent AgentRunner, invoker SubprocessInvoker, userTasks *UserTaskRunner) *Registry {
	reg := NewRegistry()
	reg.Register(graph.TaskGeneric, &SimpleRunner{Kind: "generic"})
	reg.Register(graph.TaskService, &SimpleRunner{Kind: "service"})
	reg.Register(graph.TaskManual, &SimpleRunner{Kind: "manual"})
	reg.Register(graph.TaskBusinessRule, &SimpleRunner{Kind: "business-rule"})
	reg.Register(graph.TaskScript, &ScriptRunner{})
	reg.Register(graph.TaskSend, &SendRunner{Sender: sender})
	reg.Register(graph.TaskReceive, &ReceiveRunner{Queue: queue})
	reg.Register(graph.TaskUser, userTasks)
	reg.Register(graph.TaskAgentic, &AgenticRunner{Agent: agent})
	reg.Register(graph.TaskCallActivity, &CallActivityRunner{Invoker: invoker})
	reg.Register(graph.TaskSubprocess, &CallActivityRunner{Invoker: invoker})
	return reg
}
