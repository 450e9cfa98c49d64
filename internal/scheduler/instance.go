package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/workflowd/internal/boundary"
	"github.com/nugget/workflowd/internal/broadcaster"
	"github.com/nugget/workflowd/internal/cancel"
	"github.com/nugget/workflowd/internal/gateway"
	"github.com/nugget/workflowd/internal/graph"
	"github.com/nugget/workflowd/internal/runner"
	"github.com/nugget/workflowd/internal/wfcontext"
	"github.com/nugget/workflowd/internal/wferrors"
)

// Instance is one running process instance: its own context, its own
// cancellation tracker and join tracker (branches of other instances
// never interact), and a runner registry whose call-activity runner
// is bound back to this instance for subprocess resolution.
type Instance struct {
	ID           string
	Graph        *graph.Graph
	Context      *wfcontext.Store
	Cancel       *cancel.Tracker
	Joins        *gateway.JoinTracker
	Compensation *boundary.Registry
	Runners      *runner.Registry

	engine *Engine

	// runCtx is the instance-lifetime context: independent branches
	// spawned by non-interrupting boundaries are rooted here, so
	// fail-fast cancellation and engine shutdown propagate into them.
	// Set before advanceFrom first runs; Background for direct
	// (synchronous) runs.
	runCtx context.Context
	// indepWG tracks independent boundary branches still in flight; the
	// engine waits on it before tearing the instance down.
	indepWG sync.WaitGroup

	mu       sync.Mutex
	children []*Instance

	// Audit sets for replay visualization (§3 "Instance State"):
	// completed, skipped, and errored element ids. Disjoint from the
	// active set the Cancel tracker holds — an element is marked
	// completed only after its task has unregistered.
	auditMu   sync.Mutex
	completed map[string]bool
	skipped   map[string]bool
	errored   map[string]bool
}

func (inst *Instance) publish(elementID, eventType string, data map[string]any) error {
	return inst.engine.broadcaster.Publish(broadcaster.Envelope{
		Type: eventType, ElementID: elementID, Data: data,
	})
}

func (inst *Instance) markCompleted(id string) { inst.mark(&inst.completed, id) }
func (inst *Instance) markSkipped(id string)   { inst.mark(&inst.skipped, id) }
func (inst *Instance) markErrored(id string)   { inst.mark(&inst.errored, id) }

func (inst *Instance) mark(set *map[string]bool, id string) {
	inst.auditMu.Lock()
	defer inst.auditMu.Unlock()
	if *set == nil {
		*set = make(map[string]bool)
	}
	(*set)[id] = true
}

// CompletedElements returns the ids of elements that have completed,
// sorted for deterministic inspection.
func (inst *Instance) CompletedElements() []string { return inst.auditSet(&inst.completed) }

// SkippedElements returns the ids of elements marked skipped by
// gateway evaluation (the targets of non-taken flows, default flows
// included).
func (inst *Instance) SkippedElements() []string { return inst.auditSet(&inst.skipped) }

// ErroredElements returns the ids of elements whose dispatch raised.
func (inst *Instance) ErroredElements() []string { return inst.auditSet(&inst.errored) }

func (inst *Instance) auditSet(set *map[string]bool) []string {
	inst.auditMu.Lock()
	defer inst.auditMu.Unlock()
	out := make([]string, 0, len(*set))
	for id := range *set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// advanceFrom is the recursive walker (§4.1). via is the connection
// through which this element was reached, nil for the start event or
// an independently spawned branch; it is only consulted for
// inclusive-join branch identity.
func (inst *Instance) advanceFrom(ctx context.Context, elem *graph.Element, via *graph.Connection) error {
	// Join synchronization happens before activation so a join element
	// activates exactly once per occurrence: early or losing arrivals
	// terminate their branch without emitting any events (§4.2, §8
	// testable properties 3 and 4).
	if elem.Kind == graph.KindGateway && inst.Graph.FanIn(elem.ID) > 1 {
		if !inst.arriveAtJoin(elem, via) {
			return nil
		}
	}

	start := time.Now()
	if err := inst.publish(elem.ID, "element.activated", map[string]any{"elementId": elem.ID}); err != nil {
		return err
	}

	var nextSet []*graph.Connection
	var taskCancelled bool
	var err error
	switch elem.Kind {
	case graph.KindStart:
		nextSet = nil
	case graph.KindEnd:
		_ = inst.publish(elem.ID, "workflow.completed", map[string]any{"outcome": "success"})
		nextSet = []*graph.Connection{}
	case graph.KindGateway:
		nextSet, err = inst.dispatchGateway(elem)
	case graph.KindTask:
		nextSet, taskCancelled, err = inst.dispatchTask(ctx, elem)
	case graph.KindIntermediate:
		nextSet, err = inst.dispatchIntermediate(ctx, elem)
	default:
		err = fmt.Errorf("scheduler: element %q has unsupported kind %q", elem.ID, elem.Kind)
	}
	if err != nil {
		if errors.Is(err, errBranchCancelled) {
			// The task already published task.cancelled; nothing more is
			// emitted for it (§4.9) and the branch ends cleanly.
			return nil
		}
		inst.markErrored(elem.ID)
		_ = inst.publish(elem.ID, "task.error", map[string]any{"elementId": elem.ID, "error": err.Error()})
		return err
	}

	if taskCancelled {
		// An interrupting timer cancelled the task: task.cancelled was
		// its final event (§4.9). The boundary's redirect flows below
		// still run, but the element itself is not marked completed.
	} else {
		inst.markCompleted(elem.ID)
		if err := inst.publish(elem.ID, "element.completed", map[string]any{
			"elementId": elem.ID, "durationMs": time.Since(start).Milliseconds(),
		}); err != nil {
			return err
		}
	}

	if nextSet == nil {
		nextSet = inst.Graph.Outgoing(elem.ID)
	}
	if len(nextSet) == 0 {
		return nil
	}
	if len(nextSet) == 1 {
		target, ok := inst.Graph.Element(nextSet[0].To)
		if !ok {
			return fmt.Errorf("scheduler: connection %q targets unknown element %q", nextSet[0].ID, nextSet[0].To)
		}
		return inst.advanceFrom(ctx, target, nextSet[0])
	}

	grp, gctx := errgroup.WithContext(ctx)
	for _, c := range nextSet {
		c := c
		target, ok := inst.Graph.Element(c.To)
		if !ok {
			return fmt.Errorf("scheduler: connection %q targets unknown element %q", c.ID, c.To)
		}
		grp.Go(func() error {
			return inst.advanceFrom(gctx, target, c)
		})
	}
	return grp.Wait()
}

// arriveAtJoin applies join synchronization for a gateway with fan-in
// greater than one (§4.2). Returns true when this arrival should carry
// the token past the gateway; false terminates the arriving branch.
func (inst *Instance) arriveAtJoin(elem *graph.Element, via *graph.Connection) bool {
	switch elem.GatewayType {
	case graph.GatewayParallel:
		return inst.Joins.ArriveParallel(elem.ID, inst.Graph.FanIn(elem.ID))
	case graph.GatewayInclusive:
		branchID := "root"
		if via != nil {
			branchID = via.ID
		}
		if !inst.Joins.ArriveInclusive(elem.ID, branchID) {
			return false
		}
		inst.cancelCompeting(elem.ID)
		return true
	default:
		// Exclusive joins are pass-throughs: no synchronization (§4.2).
		return true
	}
}

// dispatchGateway evaluates a gateway's next-set (§4.2), publishing
// path-taken/forked events for taken flows and marking the targets of
// every non-taken outgoing flow (default flows included) skipped for
// visualization.
func (inst *Instance) dispatchGateway(elem *graph.Element) ([]*graph.Connection, error) {
	next, err := inst.engine.gateways.Evaluate(inst.Graph, elem, inst.Context)
	if err != nil {
		return nil, err
	}
	switch elem.GatewayType {
	case graph.GatewayParallel:
		_ = inst.publish(elem.ID, "gateway.forked", map[string]any{"elementId": elem.ID, "count": len(next)})
	default:
		taken := make(map[string]bool, len(next))
		for _, c := range next {
			taken[c.ID] = true
			_ = inst.publish(elem.ID, "gateway.path_taken", map[string]any{"elementId": elem.ID, "flowId": c.ID})
		}
		for _, c := range inst.Graph.Outgoing(elem.ID) {
			if taken[c.ID] {
				continue
			}
			inst.markSkipped(c.To)
			_ = inst.publish(c.To, "element.skipped", map[string]any{"elementId": c.To, "flowId": c.ID})
		}
	}
	return next, nil
}

// cancelCompeting cancels every currently active task whose path can
// still reach joinID, once an inclusive join commits (§4.2, §4.9):
// those tasks are racing a branch that has already lost.
func (inst *Instance) cancelCompeting(joinID string) {
	for _, active := range inst.Cancel.ActiveIDs() {
		if active == joinID {
			continue
		}
		if reachable(inst.Graph, active, joinID) {
			inst.Cancel.Cancel(active, "inclusive-join-committed:"+joinID)
		}
	}
}

func reachable(g *graph.Graph, from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range g.Outgoing(cur) {
			if c.To == to {
				return true
			}
			if !visited[c.To] {
				visited[c.To] = true
				queue = append(queue, c.To)
			}
		}
	}
	return false
}

// dispatchTask executes one task under boundary supervision (§4.3,
// §4.4), merging its result into the instance context or returning the
// boundary's redirect next-set. cancelled reports that an interrupting
// timer cancelled the task mid-flight: the redirect next-set still
// runs, but the element must emit no further events (§4.9).
func (inst *Instance) dispatchTask(ctx context.Context, elem *graph.Element) (nextSet []*graph.Connection, cancelled bool, err error) {
	handle := inst.Cancel.Register(elem.ID, ctx)
	defer inst.Cancel.Unregister(elem.ID)

	sink := inst.sinkFor(elem)

	deps := boundary.Deps{
		Graph:        inst.Graph,
		Compensation: inst.Compensation,
		Publish: func(eventType string, data map[string]any) error {
			return sink.Publish(eventType, data)
		},
		CancelTask:       func(reason string) { handle.Cancel(reason) },
		SpawnIndependent: inst.spawnIndependent,
	}

	run := func() (map[string]any, error) {
		return inst.Runners.Run(handle.Context(), elem, inst.Context, sink)
	}

	outcome, err := inst.engine.boundarySup.Execute(elem, deps, run)
	if err != nil {
		if isCancellationErr(err) {
			_, reason := handle.Cancelled()
			if reason == "" {
				reason = "cancelled"
			}
			_ = sink.Publish("task.cancelled", map[string]any{"elementId": elem.ID, "reason": reason})
			return nil, false, errBranchCancelled
		}
		return nil, false, err
	}

	if outcome.NextSet != nil {
		return outcome.NextSet, outcome.Cancelled, nil
	}
	if outcome.ResultVars != nil {
		inst.Context.Merge(outcome.ResultVars)
	}
	return nil, false, nil
}

// spawnIndependent starts a non-interrupting boundary's outgoing flow
// as an independent branch (§4.3). The branch is rooted in the
// instance's run context — not a detached background context — so
// fail-fast cancellation and engine shutdown both reach it, and it is
// tracked on indepWG so the instance is not torn down (and the event
// store not closed) while the branch is still in flight.
func (inst *Instance) spawnIndependent(b *graph.Element) {
	inst.indepWG.Add(1)
	go func() {
		defer inst.indepWG.Done()
		for _, c := range inst.Graph.Outgoing(b.ID) {
			target, ok := inst.Graph.Element(c.To)
			if !ok {
				continue
			}
			if err := inst.advanceFrom(inst.runCtx, target, c); err != nil {
				inst.engine.logger.Error("independent boundary branch failed",
					"instance", inst.ID, "boundary", b.ID, "error", err)
			}
		}
	}()
}

// dispatchIntermediate handles compensation-throw events (§4.4): drain
// the registry in reverse, running each boundary's outgoing flow to
// completion before the next.
func (inst *Instance) dispatchIntermediate(ctx context.Context, elem *graph.Element) ([]*graph.Connection, error) {
	if elem.IntermediateType != graph.IntermediateCompensationThrow {
		return nil, fmt.Errorf("scheduler: element %q has unsupported intermediate type %q", elem.ID, elem.IntermediateType)
	}

	for _, entry := range inst.Compensation.DrainReverse() {
		for _, c := range inst.Graph.Outgoing(entry.BoundaryID) {
			target, ok := inst.Graph.Element(c.To)
			if !ok {
				continue
			}
			if err := inst.advanceFrom(ctx, target, c); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

// errBranchCancelled terminates a branch after its task was cancelled
// cooperatively: not an error (§7 "Cancellation — branches terminate
// cleanly"), just a signal to the walker to stop emitting events for
// the element.
var errBranchCancelled = errors.New("scheduler: branch cancelled")

func isCancellationErr(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var we *wferrors.Error
	return errors.As(err, &we) && we.Code == wferrors.CodeCancellation
}
