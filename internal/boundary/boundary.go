// Package boundary is the Boundary Supervisor (§4.3): it wraps one
// task execution so that error-catch, timer, and compensation
// boundaries attached to the task interpose correctly, racing the
// task's completion against armed timer deadlines and consulting
// error boundaries in declaration order when the task raises.
//
// Grounded on the teacher's internal/scheduler.Scheduler timer-bag
// shape for the timer race (time.AfterFunc callbacks feeding a single
// fan-in channel rather than a per-timer select, since Go's select
// cannot range over a dynamic case list); error-boundary matching is
// new domain logic with no teacher analogue.
package boundary

import (
	"errors"
	"strings"
	"time"

	"github.com/nugget/workflowd/internal/graph"
	"github.com/nugget/workflowd/internal/wferrors"
)

// Outcome reports what happened after supervising one task execution.
// Exactly one of ResultVars-is-meaningful or NextSet-is-non-nil holds:
// a plain success carries ResultVars with NextSet nil (scheduler uses
// all outgoing connections, per §4.1 rule 4); a boundary redirect
// carries a non-nil NextSet (possibly empty) that the scheduler must
// use instead. Cancelled is set when an interrupting timer cancelled
// the task: task.cancelled has already been published, and the caller
// must not emit any further events for the task element itself (§4.9)
// even though the redirect NextSet still runs.
type Outcome struct {
	ResultVars map[string]any
	NextSet    []*graph.Connection
	Cancelled  bool
}

// Deps bundles the boundary supervisor's collaborators for one
// Execute call.
type Deps struct {
	Graph        *graph.Graph
	Compensation *Registry
	Publish      func(eventType string, data map[string]any) error
	// CancelTask requests cooperative cancellation of the in-flight
	// task when an interrupting timer fires. May be nil if the caller
	// has no cancellation handle to drive (tests).
	CancelTask func(reason string)
	// SpawnIndependent is invoked with a non-interrupting timer
	// boundary element when it fires; the caller is expected to start
	// an independent branch from the boundary's outgoing connections
	// without blocking this task (§4.3).
	SpawnIndependent func(boundary *graph.Element)
}

// Supervisor executes tasks under boundary supervision. Stateless;
// safe for concurrent use across tasks and instances — all per-task
// state lives in the arguments to Execute.
type Supervisor struct{}

// New creates a Supervisor.
func New() *Supervisor { return &Supervisor{} }

// Execute runs the task via run, racing it against any armed timer
// boundaries and catching any raised error against the task's error
// boundaries, in declaration order (§4.3).
func (s *Supervisor) Execute(
	elem *graph.Element,
	deps Deps,
	run func() (map[string]any, error),
) (Outcome, error) {
	g := deps.Graph
	errBoundaries := g.BoundariesOfType(elem.ID, graph.BoundaryError)
	timerBoundaries := g.BoundariesOfType(elem.ID, graph.BoundaryTimer)
	compBoundaries := g.BoundariesOfType(elem.ID, graph.BoundaryCompensation)

	type taskResult struct {
		vars map[string]any
		err  error
	}
	done := make(chan taskResult, 1)
	go func() {
		vars, err := run()
		done <- taskResult{vars: vars, err: err}
	}()

	type fire struct {
		boundary *graph.Element
	}
	fireCh := make(chan fire, len(timerBoundaries))
	var timers []*time.Timer
	for _, tb := range timerBoundaries {
		tb := tb
		d, err := time.ParseDuration(tb.Timeout)
		if err != nil || d <= 0 {
			continue // malformed or unset deadline: boundary never arms
		}
		timers = append(timers, time.AfterFunc(d, func() {
			select {
			case fireCh <- fire{boundary: tb}:
			default:
			}
		}))
	}
	stopTimers := func() {
		for _, t := range timers {
			t.Stop()
		}
	}

	for {
		select {
		case res := <-done:
			stopTimers()
			if res.err != nil {
				if isCancellation(res.err) {
					return Outcome{}, res.err
				}
				if b, ok := matchErrorBoundary(errBoundaries, res.err); ok {
					if deps.Publish != nil {
						_ = deps.Publish("boundary.triggered", map[string]any{
							"boundaryId": b.ID, "error": res.err.Error(),
						})
					}
					return Outcome{NextSet: redirect(g, b.ID)}, nil
				}
				return Outcome{}, res.err
			}
			for _, cb := range compBoundaries {
				deps.Compensation.Append(elem.ID, cb.ID)
			}
			return Outcome{ResultVars: res.vars}, nil

		case f := <-fireCh:
			if f.boundary.Interrupting {
				stopTimers()
				if deps.CancelTask != nil {
					deps.CancelTask("timeout")
				}
				// Cancellation is cooperative: wait for the runner to wind
				// down so its final events (streaming message marked
				// cancelled, etc.) precede ours in the element's log.
				res := <-done
				if deps.Publish != nil {
					cancelled := map[string]any{"elementId": elem.ID, "reason": "timeout"}
					if res.vars != nil {
						cancelled["partialResult"] = res.vars
					}
					_ = deps.Publish("task.cancelled", cancelled)
					_ = deps.Publish("boundary.triggered", map[string]any{
						"boundaryId": f.boundary.ID, "reason": "timeout",
					})
				}
				return Outcome{NextSet: redirect(g, f.boundary.ID), Cancelled: true}, nil
			}
			if deps.Publish != nil {
				_ = deps.Publish("boundary.triggered", map[string]any{
					"boundaryId": f.boundary.ID, "reason": "timeout", "interrupting": false,
				})
			}
			if deps.SpawnIndependent != nil {
				deps.SpawnIndependent(f.boundary)
			}
			// keep waiting: the task is still running (or another
			// timer boundary may still fire).
		}
	}
}

// redirect returns boundaryID's outgoing connections as a non-nil
// next-set, so a boundary with no outgoing flows ends the branch
// rather than reading as a plain success.
func redirect(g *graph.Graph, boundaryID string) []*graph.Connection {
	if out := g.Outgoing(boundaryID); out != nil {
		return out
	}
	return []*graph.Connection{}
}

// isCancellation reports whether err is the engine's cooperative
// cancellation marker, which must never be offered to error
// boundaries — branches terminate cleanly, not via error-catch (§7).
func isCancellation(err error) bool {
	var we *wferrors.Error
	return errors.As(err, &we) && we.Code == wferrors.CodeCancellation
}

// matchErrorBoundary finds the first error boundary (in declaration
// order) matching err: empty ErrorCode catches all, otherwise it must
// equal the raised error's taxonomy code or appear as a substring of
// its message (§4.3, §7, §8 testable property 6).
func matchErrorBoundary(boundaries []*graph.Element, err error) (*graph.Element, bool) {
	var we *wferrors.Error
	hasCode := errors.As(err, &we)

	for _, b := range boundaries {
		if b.ErrorCode == "" {
			return b, true
		}
		if hasCode && string(we.Code) == b.ErrorCode {
			return b, true
		}
		if hasCode && strings.Contains(we.Message, b.ErrorCode) {
			return b, true
		}
		if strings.Contains(err.Error(), b.ErrorCode) {
			return b, true
		}
	}
	return nil, false
}
