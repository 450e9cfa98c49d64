package runner

import (
	"context"
	"time"

	"github.com/nugget/workflowd/internal/graph"
	"github.com/nugget/workflowd/internal/mqueue"
	"github.com/nugget/workflowd/internal/wfcontext"
)

// ReceiveWaiter is the Message Queue dependency a receive-task runner
// waits on (§4.7). internal/mqueue.Queue satisfies this.
type ReceiveWaiter interface {
	Wait(messageRef, correlationKey string, timeout time.Duration, cancel <-chan struct{}) (*mqueue.Message, error)
}

// Sender is the external send-task dispatcher (§6 "External
// task-runner collaborators": `send(channel, addressed_payload) ->
// message_id | error`). A nil Sender makes the Send runner log a
// simulated send instead (§4.4).
type Sender interface {
	Send(ctx context.Context, channel string, payload map[string]any) (messageID string, err error)
}

// AgentRunner is the opaque agentic-task collaborator (§1, §6): it
// produces streaming text and tool-call events through sink and
// honors cancellation via ctx. A nil AgentRunner makes the Agentic
// runner emit a single simulated message instead.
type AgentRunner interface {
	Run(ctx context.Context, elem *graph.Element, wctx *wfcontext.Store, sink Sink) (map[string]any, error)
}

// SubprocessInvoker lets the Call-activity runner recurse into the
// scheduler without this package importing it (avoids an import
// cycle: the scheduler imports runner, so runner cannot import the
// scheduler back). Implemented inside internal/scheduler by a
// per-instance invoker that resolves calledElement against the
// subprocess definitions of the graph the calling instance is already
// running.
type SubprocessInvoker interface {
	InvokeSubprocess(ctx context.Context, calledElement string, childCtx *wfcontext.Store) (outcome string, err error)
}
