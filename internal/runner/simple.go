package runner

import (
	"context"

	"github.com/nugget/workflowd/internal/graph"
	"github.com/nugget/workflowd/internal/wfcontext"
	"github.com/nugget/workflowd/internal/wferrors"
)

// SimpleRunner implements the Service, Business-rule, Manual, and
// generic task contracts (§4.4): a single-shot operation, simulated in
// the absence of a real collaborator, that emits a start/end progress
// pair and produces a result from the element's configured
// "resultVars" property (each value interpolated against context).
type SimpleRunner struct {
	Kind string
}

// Run executes the single-shot task. It checks ctx once before
// producing a result — single-shot tasks have no suspension point of
// their own, so this is their only cancellation opportunity (§5).
func (r *SimpleRunner) Run(ctx context.Context, elem *graph.Element, wctx *wfcontext.Store, sink Sink) (map[string]any, error) {
	if err := sink.Publish("task.progress", map[string]any{"phase": "start", "kind": r.Kind}); err != nil {
		return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
	}

	select {
	case <-ctx.Done():
		return nil, wferrors.Wrap(wferrors.CodeCancellation, elem.ID, ctx.Err())
	default:
	}

	result := interpolateResultVars(elem, wctx)

	if err := sink.Publish("task.progress", map[string]any{"phase": "end", "kind": r.Kind}); err != nil {
		return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
	}
	return result, nil
}

// interpolateResultVars reads the "resultVars" element property (a
// map of context-key -> template string) and interpolates each value
// against wctx, producing the map the task merges into the instance
// context on completion. A missing property yields a nil (no-op) merge.
func interpolateResultVars(elem *graph.Element, wctx *wfcontext.Store) map[string]any {
	raw, ok := elem.Properties["resultVars"].(map[string]any)
	if !ok || raw == nil {
		return nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		interpolated, err := wctx.Interpolate(s)
		if err != nil {
			out[k] = s
			continue
		}
		out[k] = interpolated
	}
	return out
}
