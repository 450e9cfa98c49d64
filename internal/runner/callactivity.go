package runner

import (
	"context"

	"github.com/nugget/workflowd/internal/graph"
	"github.com/nugget/workflowd/internal/wfcontext"
	"github.com/nugget/workflowd/internal/wferrors"
)

// CallActivityRunner implements the Call-activity (and Subprocess)
// task contract (§4.4): it builds a child context from the element's
// input mappings (or inherits the parent context wholesale if none
// are configured), invokes the scheduler recursively on the called
// subprocess graph via Invoker, then copies the output mappings back
// into the parent context.
type CallActivityRunner struct {
	Invoker SubprocessInvoker
}

func (r *CallActivityRunner) Run(ctx context.Context, elem *graph.Element, wctx *wfcontext.Store, sink Sink) (map[string]any, error) {
	if r.Invoker == nil {
		return nil, wferrors.New(wferrors.CodeTaskExecutionError, elem.ID, "call-activity has no subprocess invoker configured")
	}
	if elem.CalledElement == "" {
		return nil, wferrors.New(wferrors.CodeTaskExecutionError, elem.ID, "call-activity is missing calledElement")
	}

	childVars := buildChildContext(elem, wctx)
	childCtx := wfcontext.New(childVars)

	if err := sink.Publish("task.progress", map[string]any{"phase": "start", "calledElement": elem.CalledElement}); err != nil {
		return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
	}

	outcome, err := r.Invoker.InvokeSubprocess(ctx, elem.CalledElement, childCtx)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.CodeTaskExecutionError, elem.ID, err)
	}

	result := copyOutputMappings(elem, childCtx)
	if err := sink.Publish("task.progress", map[string]any{"phase": "end", "outcome": outcome}); err != nil {
		return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
	}
	return result, nil
}

// buildChildContext constructs the subprocess's initial context: if
// elem.InputMappings is non-empty, only the named parent keys are
// copied under their mapped child names; otherwise the parent context
// is inherited wholesale (§4.4).
func buildChildContext(elem *graph.Element, parent *wfcontext.Store) map[string]any {
	if len(elem.InputMappings) == 0 {
		return parent.Snapshot()
	}
	child := make(map[string]any, len(elem.InputMappings))
	for parentKey, childKey := range elem.InputMappings {
		if v, ok := parent.Get(parentKey); ok {
			child[childKey] = v
		}
	}
	return child
}

// copyOutputMappings reads elem.OutputMappings (child key -> parent
// key) from the finished child context, producing the map the caller
// merges into the parent context.
func copyOutputMappings(elem *graph.Element, child *wfcontext.Store) map[string]any {
	if len(elem.OutputMappings) == 0 {
		return nil
	}
	out := make(map[string]any, len(elem.OutputMappings))
	for childKey, parentKey := range elem.OutputMappings {
		if v, ok := child.Get(childKey); ok {
			out[parentKey] = v
		}
	}
	return out
}
