// Package scheduler is the Execution Scheduler (§4.1): the recursive
// advance_from walker that drives a process graph to completion,
// fanning concurrent branches out through golang.org/x/sync/errgroup
// and tying together the gateway evaluator, boundary supervisor,
// cancellation tracker, and event broadcaster for each instance.
//
// Grounded on the teacher's internal/scheduler.Scheduler for the
// overall "engine owns collaborators, instances own per-run state"
// split, generalized from scheduled background jobs to BPMN instance
// traversal.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/workflowd/internal/broadcaster"
	"github.com/nugget/workflowd/internal/boundary"
	"github.com/nugget/workflowd/internal/cancel"
	"github.com/nugget/workflowd/internal/config"
	"github.com/nugget/workflowd/internal/eventstore"
	"github.com/nugget/workflowd/internal/gateway"
	"github.com/nugget/workflowd/internal/graph"
	"github.com/nugget/workflowd/internal/mqueue"
	"github.com/nugget/workflowd/internal/runner"
	"github.com/nugget/workflowd/internal/wfcontext"
)

// Engine owns every collaborator shared across running instances.
// Constructed explicitly via New or Default — never a package-level
// singleton (§9's redesign flag on hidden globals).
type Engine struct {
	store       *eventstore.Store
	broadcaster *broadcaster.Broadcaster
	queue       *mqueue.Queue
	gateways    *gateway.Evaluator
	boundarySup *boundary.Supervisor
	sender      runner.Sender
	agent       runner.AgentRunner
	userTasks   *runner.UserTaskRunner
	logger      *slog.Logger

	deadlockThreshold time.Duration
	deadlockInterval  time.Duration

	mu        sync.Mutex
	instances map[string]*Instance
	wg        sync.WaitGroup
}

// New builds an Engine from explicit collaborators. sender and agent
// may be nil; the corresponding task runners fall back to simulated
// behavior (§4.4).
func New(
	store *eventstore.Store,
	bc *broadcaster.Broadcaster,
	queue *mqueue.Queue,
	gw *gateway.Evaluator,
	sender runner.Sender,
	agent runner.AgentRunner,
	logger *slog.Logger,
	deadlockThreshold, deadlockInterval time.Duration,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:             store,
		broadcaster:       bc,
		queue:             queue,
		gateways:          gw,
		boundarySup:       boundary.New(),
		sender:            sender,
		agent:             agent,
		userTasks:         runner.NewUserTaskRunner(),
		logger:            logger,
		deadlockThreshold: deadlockThreshold,
		deadlockInterval:  deadlockInterval,
		instances:         make(map[string]*Instance),
	}
}

// Default wires the real collaborator implementations from cfg, for
// cmd/workflowd. sender and agent remain nil — real external
// collaborators are out of scope (§6); callers needing one should
// build an Engine with New instead.
func Default(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("scheduler: create data dir: %w", err)
	}
	store, err := eventstore.Open(filepath.Join(cfg.DataDir, "workflowd.db"))
	if err != nil {
		return nil, fmt.Errorf("scheduler: open event store: %w", err)
	}
	bc := broadcaster.New(store, cfg.Broadcast.SubscriberBufferSize)
	q := mqueue.New(cfg.Webhook.MailboxWarnThreshold, func(key string, size int) {
		_ = bc.Publish(broadcaster.Envelope{
			Type: "mailbox.warning",
			Data: map[string]any{"correlationKey": key, "size": size},
		})
	})
	return New(store, bc, q, gateway.New(), nil, nil, logger,
		cfg.Scheduler.DeadlockThreshold, cfg.Scheduler.DeadlockSweepInterval), nil
}

// Store exposes the event store for the webhook/replay surface.
func (e *Engine) Store() *eventstore.Store { return e.store }

// Broadcaster exposes the broadcaster for the webhook/replay surface.
func (e *Engine) Broadcaster() *broadcaster.Broadcaster { return e.broadcaster }

// Queue exposes the message queue for the webhook ingress surface.
func (e *Engine) Queue() *mqueue.Queue { return e.queue }

func newInstanceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func (e *Engine) newInstance(g *graph.Graph, ctxStore *wfcontext.Store) *Instance {
	inst := &Instance{
		ID:           newInstanceID(),
		Graph:        g,
		Context:      ctxStore,
		Cancel:       cancel.NewTracker(),
		Joins:        gateway.NewJoinTracker(),
		Compensation: boundary.NewRegistry(),
		engine:       e,
		runCtx:       context.Background(),
	}
	inst.Runners = runner.Default(e.queue, e.sender, e.agent, &subprocessInvoker{engine: e, parent: inst}, e.userTasks)
	return inst
}

// StartInstance creates and runs an instance asynchronously (§4.1):
// it locates the graph's start event, publishes workflow.started, and
// launches advance_from in a background goroutine. Completion is
// observed through the event stream, not this call's return.
func (e *Engine) StartInstance(ctx context.Context, g *graph.Graph, initialContext map[string]any) (string, error) {
	inst := e.newInstance(g, wfcontext.New(initialContext))
	start := g.Start()

	if err := inst.publish(start.ID, "workflow.started", map[string]any{"instanceId": inst.ID}); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.instances[inst.ID] = inst
	e.mu.Unlock()

	detectorCtx, stopDetector := context.WithCancel(ctx)
	detector := cancel.NewDetector(inst.Joins, e.deadlockThreshold, e.deadlockInterval, func(ev cancel.DeadlockEvent) {
		_ = inst.publish(ev.GatewayID, "gateway.deadlock", map[string]any{
			"gatewayId": ev.GatewayID, "arrived": ev.Arrived, "expected": ev.Expected,
		})
	})
	go detector.Run(detectorCtx)

	runCtx, cancelRun := context.WithCancel(ctx)
	inst.runCtx = runCtx

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer stopDetector()
		defer cancelRun()
		defer func() {
			e.mu.Lock()
			delete(e.instances, inst.ID)
			e.mu.Unlock()
		}()

		err := inst.advanceFrom(runCtx, start, nil)
		if err != nil {
			// Fail-fast (§7): the first uncaught branch error cancels
			// every still-active task, including independent boundary
			// branches rooted in runCtx.
			inst.Cancel.CancelAll("workflow failed: " + err.Error())
			cancelRun()
		}
		// Independent boundary branches may outlive the main walk;
		// don't tear the instance down while they still publish.
		inst.indepWG.Wait()
		if err != nil {
			_ = inst.publish(start.ID, "workflow.completed", map[string]any{
				"outcome": "failed", "reason": err.Error(),
			})
			e.logger.Error("instance failed", "instance", inst.ID, "error", err)
		}
	}()

	return inst.ID, nil
}

// CompleteUserTask resolves a pending user-task wait identified by
// taskID (as handed back in its userTask.created event), per §6's
// "Submit userTask.complete {task_id, decision, comments}" inbound
// command. Returns false if no such task is currently waiting.
func (e *Engine) CompleteUserTask(taskID, decision, comments string) bool {
	return e.userTasks.Complete(taskID, decision, comments)
}

// CancelInstance requests cooperative cancellation of every active
// task in instanceID. Returns false if no such instance is running.
func (e *Engine) CancelInstance(instanceID, reason string) bool {
	e.mu.Lock()
	inst, ok := e.instances[instanceID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	inst.Cancel.CancelAll(reason)
	return true
}

// Shutdown cancels every running instance's in-flight tasks, waits
// (bounded by ctx) for them to wind down, then closes the event
// store, matching cmd/workflowd's graceful-shutdown sequence.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	trackers := make([]*cancel.Tracker, 0, len(e.instances))
	for _, inst := range e.instances {
		trackers = append(trackers, inst.Cancel)
	}
	e.mu.Unlock()

	for _, t := range trackers {
		t.CancelAll("engine shutdown")
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return e.store.Close()
}
