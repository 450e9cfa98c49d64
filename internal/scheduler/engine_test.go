package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/workflowd/internal/broadcaster"
	"github.com/nugget/workflowd/internal/eventstore"
	"github.com/nugget/workflowd/internal/gateway"
	"github.com/nugget/workflowd/internal/graph"
	"github.com/nugget/workflowd/internal/mqueue"
	"github.com/nugget/workflowd/internal/wfcontext"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bc := broadcaster.New(store, 256)
	q := mqueue.New(0, nil)
	return New(store, bc, q, gateway.New(), nil, nil, nil, time.Second, 50*time.Millisecond)
}

// drain empties a subscription's buffered envelopes without blocking.
// Delivery into the buffer happens inside Publish, so once an instance
// has run to completion synchronously, everything it emitted is here.
func drain(sub *broadcaster.Subscription) []broadcaster.Envelope {
	var out []broadcaster.Envelope
	for {
		select {
		case env := <-sub.Recv():
			out = append(out, env)
		default:
			return out
		}
	}
}

func eventCount(events []broadcaster.Envelope, elementID, eventType string) int {
	n := 0
	for _, env := range events {
		if env.ElementID == elementID && env.Type == eventType {
			n++
		}
	}
	return n
}

func completionOrder(events []broadcaster.Envelope) []string {
	var order []string
	for _, env := range events {
		if env.Type == "element.completed" {
			order = append(order, env.ElementID)
		}
	}
	return order
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// waitForOutcome drains a subscription until it sees a workflow.completed
// envelope (or the test times out), returning its outcome field.
func waitForOutcome(t *testing.T, sub *broadcaster.Subscription, timeout time.Duration) string {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env := <-sub.Recv():
			if env.Type == "workflow.completed" {
				outcome, _ := env.Data["outcome"].(string)
				return outcome
			}
		case <-deadline:
			t.Fatal("timed out waiting for workflow.completed")
		}
	}
}

func TestStartInstanceLinearSuccess(t *testing.T) {
	elements := []*graph.Element{
		{ID: "start", Kind: graph.KindStart},
		{ID: "task1", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "end", Kind: graph.KindEnd},
	}
	conns := []*graph.Connection{
		{ID: "c1", From: "start", To: "task1"},
		{ID: "c2", From: "task1", To: "end"},
	}
	g, err := graph.New(elements, conns, nil)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}

	e := newTestEngine(t)
	sub := e.broadcaster.Subscribe()
	defer sub.Close()

	if _, err := e.StartInstance(context.Background(), g, map[string]any{"x": 1}); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	if outcome := waitForOutcome(t, sub, 2*time.Second); outcome != "success" {
		t.Fatalf("outcome = %q, want success", outcome)
	}
}

func TestStartInstanceExclusiveGatewayNoMatchFails(t *testing.T) {
	elements := []*graph.Element{
		{ID: "start", Kind: graph.KindStart},
		{ID: "gw", Kind: graph.KindGateway, GatewayType: graph.GatewayExclusive},
		{ID: "a", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "b", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
	}
	conns := []*graph.Connection{
		{ID: "c1", From: "start", To: "gw"},
		{ID: "c2", From: "gw", To: "a", Condition: "false"},
		{ID: "c3", From: "gw", To: "b", Condition: "false"},
	}
	g, err := graph.New(elements, conns, nil)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}

	e := newTestEngine(t)
	sub := e.broadcaster.Subscribe()
	defer sub.Close()

	if _, err := e.StartInstance(context.Background(), g, nil); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	if outcome := waitForOutcome(t, sub, 2*time.Second); outcome != "failed" {
		t.Fatalf("outcome = %q, want failed", outcome)
	}
}

func TestStartInstanceParallelForkAndJoin(t *testing.T) {
	elements := []*graph.Element{
		{ID: "start", Kind: graph.KindStart},
		{ID: "fork", Kind: graph.KindGateway, GatewayType: graph.GatewayParallel},
		{ID: "left", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "right", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "join", Kind: graph.KindGateway, GatewayType: graph.GatewayParallel},
		{ID: "end", Kind: graph.KindEnd},
	}
	conns := []*graph.Connection{
		{ID: "c1", From: "start", To: "fork"},
		{ID: "c2", From: "fork", To: "left"},
		{ID: "c3", From: "fork", To: "right"},
		{ID: "c4", From: "left", To: "join"},
		{ID: "c5", From: "right", To: "join"},
		{ID: "c6", From: "join", To: "end"},
	}
	g, err := graph.New(elements, conns, nil)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}

	e := newTestEngine(t)
	sub := e.broadcaster.Subscribe()
	defer sub.Close()

	if _, err := e.StartInstance(context.Background(), g, nil); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	if outcome := waitForOutcome(t, sub, 2*time.Second); outcome != "success" {
		t.Fatalf("outcome = %q, want success", outcome)
	}
}

func TestCompleteUserTaskResolvesWaitingInstance(t *testing.T) {
	elements := []*graph.Element{
		{ID: "start", Kind: graph.KindStart},
		{ID: "approve", Kind: graph.KindTask, TaskType: graph.TaskUser},
		{ID: "end", Kind: graph.KindEnd},
	}
	conns := []*graph.Connection{
		{ID: "c1", From: "start", To: "approve"},
		{ID: "c2", From: "approve", To: "end"},
	}
	g, err := graph.New(elements, conns, nil)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}

	e := newTestEngine(t)
	sub := e.broadcaster.Subscribe()
	defer sub.Close()

	if _, err := e.StartInstance(context.Background(), g, nil); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	var taskID string
	deadline := time.After(2 * time.Second)
	for taskID == "" {
		select {
		case env := <-sub.Recv():
			if env.Type == "userTask.created" {
				taskID, _ = env.Data["taskId"].(string)
			}
		case <-deadline:
			t.Fatal("never saw userTask.created")
		}
	}

	if !e.CompleteUserTask(taskID, "approve", "looks good") {
		t.Fatal("CompleteUserTask returned false for a live task")
	}
	if outcome := waitForOutcome(t, sub, 2*time.Second); outcome != "success" {
		t.Fatalf("outcome = %q, want success", outcome)
	}

	if e.CompleteUserTask(taskID, "approve", "again") {
		t.Fatal("CompleteUserTask should report false for an already-resolved task")
	}
}

func TestStartInstanceCallActivityRunsSubprocess(t *testing.T) {
	subElements := []*graph.Element{
		{ID: "sub-start", Kind: graph.KindStart},
		{ID: "sub-task", Kind: graph.KindTask, TaskType: graph.TaskGeneric, Properties: map[string]any{
			"resultVars": map[string]any{"doubled": "${input}"},
		}},
		{ID: "sub-end", Kind: graph.KindEnd},
	}
	subConns := []*graph.Connection{
		{ID: "sc1", From: "sub-start", To: "sub-task"},
		{ID: "sc2", From: "sub-task", To: "sub-end"},
	}
	subGraph, err := graph.New(subElements, subConns, nil)
	if err != nil {
		t.Fatalf("sub graph.New: %v", err)
	}

	elements := []*graph.Element{
		{ID: "start", Kind: graph.KindStart},
		{
			ID: "call", Kind: graph.KindTask, TaskType: graph.TaskCallActivity,
			CalledElement:  "checkout",
			InputMappings:  map[string]string{"orderId": "input"},
			OutputMappings: map[string]string{"doubled": "doubledResult"},
		},
		{ID: "end", Kind: graph.KindEnd},
	}
	conns := []*graph.Connection{
		{ID: "c1", From: "start", To: "call"},
		{ID: "c2", From: "call", To: "end"},
	}
	g, err := graph.New(elements, conns, []*graph.SubprocessDefinition{
		{ID: "checkout", Graph: subGraph},
	})
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}

	e := newTestEngine(t)
	sub := e.broadcaster.Subscribe()
	defer sub.Close()

	if _, err := e.StartInstance(context.Background(), g, map[string]any{"orderId": "ORD-7"}); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	if outcome := waitForOutcome(t, sub, 2*time.Second); outcome != "success" {
		t.Fatalf("outcome = %q, want success", outcome)
	}
}

func TestExclusiveGatewayFirstPathTaken(t *testing.T) {
	elements := []*graph.Element{
		{ID: "start", Kind: graph.KindStart},
		{ID: "script", Kind: graph.KindTask, TaskType: graph.TaskScript, Properties: map[string]any{
			"script": "result = 12", "resultVar": "x",
		}},
		{ID: "xor", Kind: graph.KindGateway, GatewayType: graph.GatewayExclusive},
		{ID: "pathA", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "pathB", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "end", Kind: graph.KindEnd},
	}
	conns := []*graph.Connection{
		{ID: "c1", From: "start", To: "script"},
		{ID: "c2", From: "script", To: "xor"},
		{ID: "c3", From: "xor", To: "pathA", Condition: "${x} > 10"},
		{ID: "c4", From: "xor", To: "pathB", IsDefault: true},
		{ID: "c5", From: "pathA", To: "end"},
		{ID: "c6", From: "pathB", To: "end"},
	}
	g, err := graph.New(elements, conns, nil)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}

	e := newTestEngine(t)
	sub := e.broadcaster.Subscribe()
	defer sub.Close()

	inst := e.newInstance(g, wfcontext.New(nil))
	if err := inst.advanceFrom(context.Background(), g.Start(), nil); err != nil {
		t.Fatalf("advanceFrom: %v", err)
	}

	events := drain(sub)
	want := []string{"start", "script", "xor", "pathA", "end"}
	if got := completionOrder(events); !equalStrings(got, want) {
		t.Fatalf("completion order = %v, want %v", got, want)
	}
	if got := inst.CompletedElements(); !equalStrings(got, []string{"end", "pathA", "script", "start", "xor"}) {
		t.Fatalf("CompletedElements = %v", got)
	}
	if got := inst.SkippedElements(); !equalStrings(got, []string{"pathB"}) {
		t.Fatalf("SkippedElements = %v, want [pathB]", got)
	}
	if n := eventCount(events, "pathB", "element.activated"); n != 0 {
		t.Fatalf("pathB activated %d times, want 0", n)
	}
}

func TestParallelJoinActivatesExactlyOnce(t *testing.T) {
	elements := []*graph.Element{
		{ID: "start", Kind: graph.KindStart},
		{ID: "fork", Kind: graph.KindGateway, GatewayType: graph.GatewayParallel},
		{ID: "taskA", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "taskB", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "join", Kind: graph.KindGateway, GatewayType: graph.GatewayParallel},
		{ID: "end", Kind: graph.KindEnd},
	}
	conns := []*graph.Connection{
		{ID: "c1", From: "start", To: "fork"},
		{ID: "c2", From: "fork", To: "taskA"},
		{ID: "c3", From: "fork", To: "taskB"},
		{ID: "c4", From: "taskA", To: "join"},
		{ID: "c5", From: "taskB", To: "join"},
		{ID: "c6", From: "join", To: "end"},
	}
	g, err := graph.New(elements, conns, nil)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}

	e := newTestEngine(t)
	sub := e.broadcaster.Subscribe()
	defer sub.Close()

	inst := e.newInstance(g, wfcontext.New(nil))
	if err := inst.advanceFrom(context.Background(), g.Start(), nil); err != nil {
		t.Fatalf("advanceFrom: %v", err)
	}

	events := drain(sub)
	if n := eventCount(events, "join", "element.activated"); n != 1 {
		t.Fatalf("join activated %d times, want exactly 1", n)
	}
	// Both branches complete before the join activates.
	var joinActivatedAt, taskADoneAt, taskBDoneAt int
	for i, env := range events {
		switch {
		case env.ElementID == "join" && env.Type == "element.activated":
			joinActivatedAt = i
		case env.ElementID == "taskA" && env.Type == "element.completed":
			taskADoneAt = i
		case env.ElementID == "taskB" && env.Type == "element.completed":
			taskBDoneAt = i
		}
	}
	if joinActivatedAt < taskADoneAt || joinActivatedAt < taskBDoneAt {
		t.Fatalf("join activated at index %d before branch completions (%d, %d)", joinActivatedAt, taskADoneAt, taskBDoneAt)
	}
	if n := eventCount(events, "end", "element.activated"); n != 1 {
		t.Fatalf("end activated %d times, want 1", n)
	}
}

func TestInclusiveMergeCancelsCompetingBranch(t *testing.T) {
	elements := []*graph.Element{
		{ID: "start", Kind: graph.KindStart},
		{ID: "or-fork", Kind: graph.KindGateway, GatewayType: graph.GatewayInclusive},
		{ID: "email-approve", Kind: graph.KindTask, TaskType: graph.TaskUser},
		{ID: "manual-approve", Kind: graph.KindTask, TaskType: graph.TaskUser},
		{ID: "or-join", Kind: graph.KindGateway, GatewayType: graph.GatewayInclusive},
		{ID: "end", Kind: graph.KindEnd},
	}
	conns := []*graph.Connection{
		{ID: "c1", From: "start", To: "or-fork"},
		{ID: "c2", From: "or-fork", To: "email-approve", Condition: "true"},
		{ID: "c3", From: "or-fork", To: "manual-approve", Condition: "true"},
		{ID: "c4", From: "email-approve", To: "or-join"},
		{ID: "c5", From: "manual-approve", To: "or-join"},
		{ID: "c6", From: "or-join", To: "end"},
	}
	g, err := graph.New(elements, conns, nil)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}

	e := newTestEngine(t)
	sub := e.broadcaster.Subscribe()
	defer sub.Close()

	if _, err := e.StartInstance(context.Background(), g, nil); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	// Wait until both branches are suspended on their user tasks, then
	// approve via the email branch only.
	taskIDs := make(map[string]string)
	deadline := time.After(2 * time.Second)
	var collected []broadcaster.Envelope
	for len(taskIDs) < 2 {
		select {
		case env := <-sub.Recv():
			collected = append(collected, env)
			if env.Type == "userTask.created" {
				elementID, _ := env.Data["elementId"].(string)
				id, _ := env.Data["taskId"].(string)
				taskIDs[elementID] = id
			}
		case <-deadline:
			t.Fatal("never saw both userTask.created events")
		}
	}

	if !e.CompleteUserTask(taskIDs["email-approve"], "approve", "via email") {
		t.Fatal("CompleteUserTask(email-approve) returned false")
	}

	sawCancelled := false
	for {
		var env broadcaster.Envelope
		select {
		case env = <-sub.Recv():
		case <-deadline:
			t.Fatal("timed out waiting for workflow.completed")
		}
		collected = append(collected, env)
		if env.ElementID == "manual-approve" && env.Type == "task.cancelled" {
			sawCancelled = true
		}
		if env.Type == "workflow.completed" {
			if outcome, _ := env.Data["outcome"].(string); outcome != "success" {
				t.Fatalf("outcome = %q, want success", outcome)
			}
			break
		}
	}
	// The cancelled branch runs concurrently with the winning one, so
	// its task.cancelled may trail the workflow.completed envelope.
	for !sawCancelled {
		select {
		case env := <-sub.Recv():
			collected = append(collected, env)
			if env.ElementID == "manual-approve" && env.Type == "task.cancelled" {
				sawCancelled = true
			}
		case <-time.After(time.Second):
			t.Fatal("manual-approve was never cancelled after the email branch won the merge")
		}
	}
	if n := eventCount(collected, "end", "element.activated"); n != 1 {
		t.Fatalf("end activated %d times, want exactly 1", n)
	}
	if n := eventCount(collected, "or-join", "element.activated"); n != 1 {
		t.Fatalf("or-join activated %d times, want exactly 1", n)
	}
}

func TestCompensationDrainsInReverseOrder(t *testing.T) {
	elements := []*graph.Element{
		{ID: "start", Kind: graph.KindStart},
		{ID: "inventory", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "comp-inv", Kind: graph.KindBoundary, BoundaryType: graph.BoundaryCompensation, AttachedTo: "inventory"},
		{ID: "releaseInv", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "authorize", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "comp-pay", Kind: graph.KindBoundary, BoundaryType: graph.BoundaryCompensation, AttachedTo: "authorize"},
		{ID: "releasePay", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "shipment", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "comp-ship", Kind: graph.KindBoundary, BoundaryType: graph.BoundaryCompensation, AttachedTo: "shipment"},
		{ID: "cancelShip", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "capture", Kind: graph.KindTask, TaskType: graph.TaskScript, Properties: map[string]any{
			"script": `error("PaymentCaptureError: capture declined")`,
		}},
		{ID: "err-capture", Kind: graph.KindBoundary, BoundaryType: graph.BoundaryError, AttachedTo: "capture", ErrorCode: "PaymentCaptureError"},
		{ID: "logError", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "compThrow", Kind: graph.KindIntermediate, IntermediateType: graph.IntermediateCompensationThrow},
		{ID: "notifyFailure", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "end", Kind: graph.KindEnd},
	}
	conns := []*graph.Connection{
		{ID: "c1", From: "start", To: "inventory"},
		{ID: "c2", From: "inventory", To: "authorize"},
		{ID: "c3", From: "authorize", To: "shipment"},
		{ID: "c4", From: "shipment", To: "capture"},
		{ID: "c5", From: "capture", To: "end"},
		{ID: "b1", From: "comp-inv", To: "releaseInv"},
		{ID: "b2", From: "comp-pay", To: "releasePay"},
		{ID: "b3", From: "comp-ship", To: "cancelShip"},
		{ID: "e1", From: "err-capture", To: "logError"},
		{ID: "e2", From: "logError", To: "compThrow"},
		{ID: "e3", From: "compThrow", To: "notifyFailure"},
		{ID: "e4", From: "notifyFailure", To: "end"},
	}
	g, err := graph.New(elements, conns, nil)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}

	e := newTestEngine(t)
	sub := e.broadcaster.Subscribe()
	defer sub.Close()

	inst := e.newInstance(g, wfcontext.New(map[string]any{"payment_capture_should_succeed": false}))
	if err := inst.advanceFrom(context.Background(), g.Start(), nil); err != nil {
		t.Fatalf("advanceFrom: %v (the error boundary should have caught the capture failure)", err)
	}

	events := drain(sub)
	order := completionOrder(events)
	idx := func(id string) int {
		for i, v := range order {
			if v == id {
				return i
			}
		}
		t.Fatalf("element %q never completed (order: %v)", id, order)
		return -1
	}
	if !(idx("cancelShip") < idx("releasePay") && idx("releasePay") < idx("releaseInv")) {
		t.Fatalf("compensation order = %v, want cancelShip before releasePay before releaseInv", order)
	}
	if idx("logError") > idx("cancelShip") {
		t.Fatalf("logError should run before the compensation drain (order: %v)", order)
	}
	if idx("notifyFailure") < idx("releaseInv") {
		t.Fatalf("notifyFailure should run after the drain completes (order: %v)", order)
	}
	if inst.Compensation.Len() != 0 {
		t.Fatalf("compensation registry has %d entries after drain, want 0", inst.Compensation.Len())
	}
	caught := false
	for _, env := range events {
		if env.Type == "boundary.triggered" {
			if id, _ := env.Data["boundaryId"].(string); id == "err-capture" {
				caught = true
			}
		}
	}
	if !caught {
		t.Fatal("err-capture boundary never triggered for the capture failure")
	}
	outcome := ""
	for _, env := range events {
		if env.Type == "workflow.completed" {
			outcome, _ = env.Data["outcome"].(string)
		}
	}
	if outcome != "success" {
		t.Fatalf("outcome = %q, want success (the error was caught)", outcome)
	}
}

func TestInterruptingTimerBoundaryRedirectsFlow(t *testing.T) {
	elements := []*graph.Element{
		{ID: "start", Kind: graph.KindStart},
		{ID: "slow", Kind: graph.KindTask, TaskType: graph.TaskUser},
		{ID: "timer", Kind: graph.KindBoundary, BoundaryType: graph.BoundaryTimer, AttachedTo: "slow", Interrupting: true, Timeout: "50ms"},
		{ID: "timeoutHandler", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "end", Kind: graph.KindEnd},
	}
	conns := []*graph.Connection{
		{ID: "c1", From: "start", To: "slow"},
		{ID: "c2", From: "slow", To: "end"},
		{ID: "t1", From: "timer", To: "timeoutHandler"},
		{ID: "t2", From: "timeoutHandler", To: "end"},
	}
	g, err := graph.New(elements, conns, nil)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}

	e := newTestEngine(t)
	sub := e.broadcaster.Subscribe()
	defer sub.Close()

	inst := e.newInstance(g, wfcontext.New(nil))
	if err := inst.advanceFrom(context.Background(), g.Start(), nil); err != nil {
		t.Fatalf("advanceFrom: %v", err)
	}

	events := drain(sub)
	if n := eventCount(events, "slow", "task.cancelled"); n != 1 {
		t.Fatalf("slow published task.cancelled %d times, want 1", n)
	}
	triggered := false
	for _, env := range events {
		if env.Type == "boundary.triggered" {
			if id, _ := env.Data["boundaryId"].(string); id == "timer" {
				triggered = true
			}
		}
	}
	if !triggered {
		t.Fatal("timer boundary never triggered")
	}
	// task.cancelled is slow's final event: no element.completed follows
	// it, and the boundary's redirect flow runs instead of slow's own.
	if n := eventCount(events, "slow", "element.completed"); n != 0 {
		t.Fatalf("slow published element.completed %d times after cancellation, want 0", n)
	}
	order := completionOrder(events)
	if !equalStrings(order, []string{"start", "timeoutHandler", "end"}) {
		t.Fatalf("completion order = %v, want [start timeoutHandler end]", order)
	}
	for _, id := range inst.CompletedElements() {
		if id == "slow" {
			t.Fatal("cancelled task must not appear in the completed set")
		}
	}
}

func TestNonInterruptingTimerRunsIndependentBranch(t *testing.T) {
	elements := []*graph.Element{
		{ID: "start", Kind: graph.KindStart},
		{ID: "slow", Kind: graph.KindTask, TaskType: graph.TaskUser},
		{ID: "timer", Kind: graph.KindBoundary, BoundaryType: graph.BoundaryTimer, AttachedTo: "slow", Interrupting: false, Timeout: "30ms"},
		{ID: "reminder", Kind: graph.KindTask, TaskType: graph.TaskGeneric},
		{ID: "end", Kind: graph.KindEnd},
	}
	conns := []*graph.Connection{
		{ID: "c1", From: "start", To: "slow"},
		{ID: "c2", From: "slow", To: "end"},
		{ID: "t1", From: "timer", To: "reminder"},
	}
	g, err := graph.New(elements, conns, nil)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}

	e := newTestEngine(t)
	sub := e.broadcaster.Subscribe()
	defer sub.Close()

	if _, err := e.StartInstance(context.Background(), g, nil); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	// The reminder branch runs to completion while slow is still
	// suspended on its user task: both may complete (§4.3).
	var taskID string
	sawReminder := false
	deadline := time.After(2 * time.Second)
	for taskID == "" || !sawReminder {
		select {
		case env := <-sub.Recv():
			switch {
			case env.Type == "userTask.created":
				taskID, _ = env.Data["taskId"].(string)
			case env.ElementID == "reminder" && env.Type == "element.completed":
				sawReminder = true
			case env.Type == "boundary.triggered":
				if interrupting, ok := env.Data["interrupting"].(bool); ok && interrupting {
					t.Fatal("boundary.triggered reported interrupting=true for a non-interrupting timer")
				}
			}
		case <-deadline:
			t.Fatalf("timed out (taskID=%q, sawReminder=%v)", taskID, sawReminder)
		}
	}

	if !e.CompleteUserTask(taskID, "approve", "") {
		t.Fatal("CompleteUserTask returned false for the still-running task")
	}
	if outcome := waitForOutcome(t, sub, 2*time.Second); outcome != "success" {
		t.Fatalf("outcome = %q, want success", outcome)
	}
}

func TestReceiveTaskFindsMessageQueuedBeforeArrival(t *testing.T) {
	elements := []*graph.Element{
		{ID: "start", Kind: graph.KindStart},
		{ID: "recv", Kind: graph.KindTask, TaskType: graph.TaskReceive, Properties: map[string]any{
			"messageRef": "payment", "correlationKey": "ORD-1",
		}},
		{ID: "end", Kind: graph.KindEnd},
	}
	conns := []*graph.Connection{
		{ID: "c1", From: "start", To: "recv"},
		{ID: "c2", From: "recv", To: "end"},
	}
	g, err := graph.New(elements, conns, nil)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}

	e := newTestEngine(t)

	// Deliver before the instance ever reaches its receive task.
	if delivered := e.queue.Deliver("payment", "ORD-1", map[string]any{"amount": 99}); delivered {
		t.Fatal("Deliver reported delivered=true with no waiter registered")
	}

	inst := e.newInstance(g, wfcontext.New(nil))
	if err := inst.advanceFrom(context.Background(), g.Start(), nil); err != nil {
		t.Fatalf("advanceFrom: %v", err)
	}

	if v, ok := inst.Context.Get("amount"); !ok || v != 99 {
		t.Fatalf("context amount = %v (ok=%v), want 99", v, ok)
	}
	if _, ok := inst.Context.Get("recv_message"); !ok {
		t.Fatal("full message was not stored under recv_message")
	}
	if stats := e.queue.Stats(); stats.QueuedCounts["ORD-1"] != 0 {
		t.Fatalf("mailbox still holds %d messages for ORD-1", stats.QueuedCounts["ORD-1"])
	}
}

func TestReceiveTaskWokenByDeliveryWhileWaiting(t *testing.T) {
	elements := []*graph.Element{
		{ID: "start", Kind: graph.KindStart},
		{ID: "recv", Kind: graph.KindTask, TaskType: graph.TaskReceive, Properties: map[string]any{
			"messageRef": "payment", "correlationKey": "ORD-${orderId}",
		}},
		{ID: "end", Kind: graph.KindEnd},
	}
	conns := []*graph.Connection{
		{ID: "c1", From: "start", To: "recv"},
		{ID: "c2", From: "recv", To: "end"},
	}
	g, err := graph.New(elements, conns, nil)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}

	e := newTestEngine(t)
	sub := e.broadcaster.Subscribe()
	defer sub.Close()

	if _, err := e.StartInstance(context.Background(), g, map[string]any{"orderId": 2}); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	// The correlation key interpolates to ORD-2 at wait time.
	deadline := time.Now().Add(2 * time.Second)
	for e.queue.Stats().WaitingCounts["ORD-2"] == 0 {
		if time.Now().After(deadline) {
			t.Fatal("receive task never registered its waiter")
		}
		time.Sleep(time.Millisecond)
	}

	if delivered := e.queue.Deliver("payment", "ORD-2", map[string]any{"amount": 42}); !delivered {
		t.Fatal("Deliver reported delivered=false with a live waiter")
	}
	if outcome := waitForOutcome(t, sub, 2*time.Second); outcome != "success" {
		t.Fatalf("outcome = %q, want success", outcome)
	}
	if stats := e.queue.Stats(); stats.QueuedCounts["ORD-2"] != 0 {
		t.Fatalf("message was queued (%d) despite a live waiter", stats.QueuedCounts["ORD-2"])
	}
}
