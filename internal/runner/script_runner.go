package runner

import (
	"context"

	"github.com/nugget/workflowd/internal/graph"
	"github.com/nugget/workflowd/internal/script"
	"github.com/nugget/workflowd/internal/wfcontext"
	"github.com/nugget/workflowd/internal/wferrors"
)

// ScriptRunner implements the Script task contract (§4.4): an inline
// snippet (element property "script") runs in a Lua sandbox with the
// instance context exposed as globals; mutations are re-merged, and
// the `result` global becomes the task's named output.
type ScriptRunner struct{}

// Run evaluates elem's "script" property. "resultVar" (default
// "result") names the context key the script's `result` global is
// merged under; every other injected global the script mutates is
// merged back under its own name.
func (r *ScriptRunner) Run(ctx context.Context, elem *graph.Element, wctx *wfcontext.Store, sink Sink) (map[string]any, error) {
	source, _ := elem.Properties["script"].(string)
	if source == "" {
		return nil, wferrors.New(wferrors.CodeTaskExecutionError, elem.ID, "script task is missing its \"script\" property")
	}

	if err := sink.Publish("task.progress", map[string]any{"phase": "start"}); err != nil {
		return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
	}

	vars := wctx.Snapshot()
	out, err := script.RunVars(ctx, source, vars)
	if err != nil {
		if ctx.Err() != nil {
			return nil, wferrors.Wrap(wferrors.CodeCancellation, elem.ID, ctx.Err())
		}
		return nil, wferrors.Wrap(wferrors.CodeTaskExecutionError, elem.ID, err)
	}

	resultVar, _ := elem.Properties["resultVar"].(string)
	if resultVar != "" && resultVar != "result" {
		if v, ok := out["result"]; ok {
			delete(out, "result")
			out[resultVar] = v
		}
	}

	if err := sink.Publish("task.progress", map[string]any{"phase": "end"}); err != nil {
		return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
	}
	return out, nil
}
