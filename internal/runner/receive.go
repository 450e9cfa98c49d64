package runner

import (
	"context"
	"time"

	"github.com/nugget/workflowd/internal/graph"
	"github.com/nugget/workflowd/internal/mqueue"
	"github.com/nugget/workflowd/internal/wfcontext"
	"github.com/nugget/workflowd/internal/wferrors"
)

// ReceiveRunner implements the Receive task contract (§4.4, §4.7): it
// registers a waiter on the message queue keyed by (messageRef,
// correlationKey after ${...} interpolation), suspends until delivery
// or timeout, merges the delivered payload into context, and stores
// the full message under "{elementID}_message".
type ReceiveRunner struct {
	Queue ReceiveWaiter
}

func (r *ReceiveRunner) Run(ctx context.Context, elem *graph.Element, wctx *wfcontext.Store, sink Sink) (map[string]any, error) {
	messageRef, _ := elem.Properties["messageRef"].(string)
	keyTemplate, _ := elem.Properties["correlationKey"].(string)

	correlationKey, err := wctx.Interpolate(keyTemplate)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.CodeTaskExecutionError, elem.ID, err)
	}

	var timeout time.Duration
	if elem.Timeout != "" {
		timeout, err = time.ParseDuration(elem.Timeout)
		if err != nil {
			return nil, wferrors.Wrap(wferrors.CodeTaskExecutionError, elem.ID, err)
		}
	}

	if err := sink.Publish("task.progress", map[string]any{
		"phase": "waiting", "messageRef": messageRef, "correlationKey": correlationKey,
	}); err != nil {
		return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
	}

	msg, err := r.Queue.Wait(messageRef, correlationKey, timeout, ctx.Done())
	if err != nil {
		if _, isTimeout := err.(*mqueue.ErrTimeout); isTimeout {
			return nil, wferrors.Wrap(wferrors.CodeCorrelationTimeout, elem.ID, err)
		}
		if ctx.Err() != nil {
			return nil, wferrors.Wrap(wferrors.CodeCancellation, elem.ID, ctx.Err())
		}
		return nil, wferrors.Wrap(wferrors.CodeTaskExecutionError, elem.ID, err)
	}

	result := make(map[string]any, len(msg.Payload)+1)
	for k, v := range msg.Payload {
		result[k] = v
	}
	result[elem.ID+"_message"] = map[string]any{
		"messageRef": msg.MessageRef,
		"payload":    msg.Payload,
	}

	if err := sink.Publish("task.progress", map[string]any{"phase": "delivered", "messageRef": messageRef}); err != nil {
		return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
	}
	return result, nil
}
