package runner

import (
	"context"
	"time"

	"github.com/nugget/workflowd/internal/graph"
	"github.com/nugget/workflowd/internal/wfcontext"
	"github.com/nugget/workflowd/internal/wferrors"
)

// AgenticRunner implements the Agent task contract (§1, §4.4, §6): the
// task body is an opaque async callable producing streaming text and
// tool-call events. A nil Agent collaborator makes the runner simulate
// a short streamed response instead, exercising the same event shape
// an LLM/agent integration would.
type AgenticRunner struct {
	Agent AgentRunner
}

func (r *AgenticRunner) Run(ctx context.Context, elem *graph.Element, wctx *wfcontext.Store, sink Sink) (map[string]any, error) {
	if r.Agent != nil {
		return r.Agent.Run(ctx, elem, wctx, sink)
	}
	return simulateAgent(ctx, elem, wctx, sink)
}

// simulateAgent stands in for an external agent collaborator: it
// streams a small fixed number of chunks, honoring cancellation at
// each step (§5 "suspension points: ... any network I/O"), and
// transitions the message to cancelled or complete exactly once (§3).
func simulateAgent(ctx context.Context, elem *graph.Element, wctx *wfcontext.Store, sink Sink) (map[string]any, error) {
	if _, err := sink.EnsureThread(); err != nil {
		return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
	}
	messageID, err := sink.StoreMessageStart("assistant")
	if err != nil {
		return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
	}
	if err := sink.Publish("text.message.start", map[string]any{"messageId": messageID}); err != nil {
		return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
	}

	prompt, _ := elem.Properties["prompt"].(string)
	interpolated, _ := wctx.Interpolate(prompt)
	chunks := []string{"Simulated agent response", " for element " + elem.ID + ".", " (no live agent collaborator configured.)"}
	if interpolated != "" {
		chunks = append(chunks, " prompt=\""+interpolated+"\"")
	}

	var cumulative string
	for _, c := range chunks {
		select {
		case <-ctx.Done():
			_ = sink.MarkMessageCancelled(messageID, "cancelled")
			_ = sink.Publish("text.message.end", map[string]any{"messageId": messageID, "status": "cancelled"})
			return nil, wferrors.Wrap(wferrors.CodeCancellation, elem.ID, ctx.Err())
		case <-time.After(5 * time.Millisecond):
		}
		cumulative += c
		if err := sink.UpdateMessageContent(messageID, cumulative); err != nil {
			return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
		}
		if err := sink.Publish("text.message.chunk", map[string]any{"messageId": messageID, "delta": c, "content": cumulative}); err != nil {
			return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
		}
	}

	if err := sink.MarkMessageComplete(messageID); err != nil {
		return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
	}
	if err := sink.Publish("text.message.end", map[string]any{"messageId": messageID, "status": "complete"}); err != nil {
		return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
	}

	return map[string]any{"message": cumulative}, nil
}
