package runner

import (
	"context"

	"github.com/nugget/workflowd/internal/graph"
	"github.com/nugget/workflowd/internal/wfcontext"
	"github.com/nugget/workflowd/internal/wferrors"
)

// SendRunner implements the Send task contract (§4.4): it interpolates
// ${var} templates into the configured "to", "subject", and "body"
// element properties and delegates the actual dispatch to Sender. A
// nil Sender makes the task a simulated send: it still publishes the
// formatted message as a progress event, but performs no real I/O.
type SendRunner struct {
	Sender Sender
}

func (r *SendRunner) Run(ctx context.Context, elem *graph.Element, wctx *wfcontext.Store, sink Sink) (map[string]any, error) {
	to, _ := elem.Properties["to"].(string)
	subject, _ := elem.Properties["subject"].(string)
	body, _ := elem.Properties["body"].(string)
	channel, _ := elem.Properties["channel"].(string)
	if channel == "" {
		channel = "email"
	}

	interpolatedTo, err := wctx.Interpolate(to)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.CodeTaskExecutionError, elem.ID, err)
	}
	interpolatedSubject, err := wctx.Interpolate(subject)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.CodeTaskExecutionError, elem.ID, err)
	}
	interpolatedBody, err := wctx.Interpolate(body)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.CodeTaskExecutionError, elem.ID, err)
	}

	payload := map[string]any{
		"to":      interpolatedTo,
		"subject": interpolatedSubject,
		"body":    interpolatedBody,
	}

	if r.Sender == nil {
		if err := sink.Publish("task.progress", map[string]any{
			"phase": "simulated", "channel": channel, "payload": payload,
		}); err != nil {
			return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
		}
		return map[string]any{"sent": true, "simulated": true}, nil
	}

	if err := sink.Publish("task.progress", map[string]any{"phase": "start", "channel": channel}); err != nil {
		return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
	}

	messageID, err := r.Sender.Send(ctx, channel, payload)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.CodeTaskExecutionError, elem.ID, err)
	}

	if err := sink.Publish("task.progress", map[string]any{"phase": "end", "messageId": messageID}); err != nil {
		return nil, wferrors.Wrap(wferrors.CodePersistenceError, elem.ID, err)
	}
	return map[string]any{"sent": true, "messageId": messageID}, nil
}
