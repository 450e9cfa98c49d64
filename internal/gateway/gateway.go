// Package gateway is the Gateway Evaluator (§4.2): it computes the
// next-set of outgoing connections for exclusive, inclusive, and
// parallel gateways, and tracks join synchronization state for
// gateways with more than one incoming connection.
//
// Condition evaluation is grounded on dshills-goflow's direct
// dependency on github.com/expr-lang/expr for the same
// "safe boolean expression over workflow variables" concern.
package gateway

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/nugget/workflowd/internal/graph"
	"github.com/nugget/workflowd/internal/wfcontext"
	"github.com/nugget/workflowd/internal/wferrors"
)

// Evaluator computes gateway next-sets. Stateless; safe for
// concurrent use across instances.
type Evaluator struct{}

// New creates an Evaluator.
func New() *Evaluator { return &Evaluator{} }

// Evaluate returns the next-set of connections to follow out of a
// gateway element, per its GatewayType (§4.2).
func (ev *Evaluator) Evaluate(g *graph.Graph, elem *graph.Element, ctx *wfcontext.Store) ([]*graph.Connection, error) {
	outgoing := g.Outgoing(elem.ID)

	switch elem.GatewayType {
	case graph.GatewayExclusive:
		return ev.evaluateExclusive(elem, outgoing, ctx)
	case graph.GatewayInclusive:
		return ev.evaluateInclusive(elem, outgoing, ctx)
	case graph.GatewayParallel:
		return outgoing, nil
	default:
		return nil, wferrors.New(wferrors.CodeConditionEvaluationError, elem.ID,
			fmt.Sprintf("unknown gateway type %q", elem.GatewayType))
	}
}

func (ev *Evaluator) evaluateExclusive(elem *graph.Element, outgoing []*graph.Connection, ctx *wfcontext.Store) ([]*graph.Connection, error) {
	var def *graph.Connection
	for _, c := range outgoing {
		if c.IsDefault || c.Name == "default" {
			def = c
			continue
		}
		// A flow with no condition is unconditional: always taken when
		// reached in declaration order (the common shape for merge
		// pass-throughs with a single outgoing flow).
		if c.Condition == "" {
			return []*graph.Connection{c}, nil
		}
		ok, err := evalCondition(ctx, c.Condition)
		if err != nil {
			return nil, wferrors.Wrap(wferrors.CodeConditionEvaluationError, elem.ID, err)
		}
		if ok {
			return []*graph.Connection{c}, nil
		}
	}
	if def != nil {
		return []*graph.Connection{def}, nil
	}
	return nil, wferrors.New(wferrors.CodeNoMatchingFlow, elem.ID,
		"no outgoing condition matched and no default flow is configured")
}

func (ev *Evaluator) evaluateInclusive(elem *graph.Element, outgoing []*graph.Connection, ctx *wfcontext.Store) ([]*graph.Connection, error) {
	var matched []*graph.Connection
	var def *graph.Connection
	for _, c := range outgoing {
		if c.IsDefault || c.Name == "default" {
			def = c
			continue
		}
		// Unconditional flows always match on an inclusive gateway.
		if c.Condition == "" {
			matched = append(matched, c)
			continue
		}
		ok, err := evalCondition(ctx, c.Condition)
		if err != nil {
			return nil, wferrors.Wrap(wferrors.CodeConditionEvaluationError, elem.ID, err)
		}
		if ok {
			matched = append(matched, c)
		}
	}
	if len(matched) > 0 {
		return matched, nil
	}
	if def != nil {
		return []*graph.Connection{def}, nil
	}
	return nil, wferrors.New(wferrors.CodeNoMatchingFlow, elem.ID,
		"no inclusive condition matched and no default flow is configured")
}

// evalCondition interpolates ${...} placeholders against ctx, then
// evaluates the result as a boolean expression (§4.2 "condition
// syntax").
func evalCondition(ctx *wfcontext.Store, condition string) (bool, error) {
	interpolated, err := ctx.Interpolate(condition)
	if err != nil {
		return false, fmt.Errorf("interpolate condition %q: %w", condition, err)
	}

	out, err := expr.Eval(interpolated, map[string]any{})
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", interpolated, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q must evaluate to a boolean, got %T", interpolated, out)
	}
	return b, nil
}
