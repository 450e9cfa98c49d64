package scheduler

import (
	"context"

	"github.com/nugget/workflowd/internal/wfcontext"
	"github.com/nugget/workflowd/internal/wferrors"
)

// subprocessInvoker satisfies runner.SubprocessInvoker, bound to the
// calling instance so a call-activity runner can recurse into the
// subprocess graph referenced by its calledElement (§4.4).
type subprocessInvoker struct {
	engine *Engine
	parent *Instance
}

func (s *subprocessInvoker) InvokeSubprocess(ctx context.Context, calledElement string, childCtx *wfcontext.Store) (string, error) {
	return s.engine.runSubprocess(ctx, s.parent, calledElement, childCtx)
}

// runSubprocess resolves calledElement against parent's own graph
// (subprocess definitions travel with the graph that references them),
// runs it to completion synchronously, and reports the terminal
// outcome back to the call-activity runner.
func (e *Engine) runSubprocess(ctx context.Context, parent *Instance, calledElement string, childCtx *wfcontext.Store) (string, error) {
	def, ok := parent.Graph.Subprocess(calledElement)
	if !ok {
		return "", wferrors.New(wferrors.CodeTaskExecutionError, calledElement, "no subprocess definition registered for calledElement")
	}

	child := e.newInstance(def.Graph, childCtx)
	// Rooting the child's run context on the call-activity's own task
	// context propagates parent cancellation into the subprocess (§5).
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	child.runCtx = runCtx

	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.mu.Unlock()

	if err := child.publish(def.Graph.Start().ID, "workflow.started", map[string]any{"instanceId": child.ID, "parentInstanceId": parent.ID}); err != nil {
		return "", err
	}

	err := child.advanceFrom(runCtx, def.Graph.Start(), nil)
	if err != nil {
		child.Cancel.CancelAll("subprocess failed: " + err.Error())
		cancelRun()
	}
	child.indepWG.Wait()
	if err != nil {
		_ = child.publish(def.Graph.Start().ID, "workflow.completed", map[string]any{"outcome": "failed", "reason": err.Error()})
		return "failed", err
	}
	return "success", nil
}
