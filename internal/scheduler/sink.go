package scheduler

import (
	"github.com/nugget/workflowd/internal/broadcaster"
	"github.com/nugget/workflowd/internal/eventstore"
	"github.com/nugget/workflowd/internal/graph"
)

// taskSink implements runner.Sink for one task element, binding the
// engine's shared store and broadcaster to that element's id and
// thread (§4.4, §4.6).
type taskSink struct {
	elementID   string
	store       *eventstore.Store
	broadcaster *broadcaster.Broadcaster
}

func (inst *Instance) sinkFor(elem *graph.Element) *taskSink {
	if len(elem.EventCategories) > 0 {
		inst.engine.broadcaster.RegisterFilter(elem.ID, categoriesOf(elem.EventCategories))
	}
	return &taskSink{
		elementID:   elem.ID,
		store:       inst.engine.store,
		broadcaster: inst.engine.broadcaster,
	}
}

func categoriesOf(names []string) []broadcaster.Category {
	out := make([]broadcaster.Category, len(names))
	for i, n := range names {
		out[i] = broadcaster.Category(n)
	}
	return out
}

func (s *taskSink) Publish(eventType string, data map[string]any) error {
	return s.broadcaster.Publish(broadcaster.Envelope{
		Type: eventType, ElementID: s.elementID, Data: data,
	})
}

func (s *taskSink) EnsureThread() (string, error) {
	return s.store.EnsureThread(s.elementID)
}

func (s *taskSink) StoreMessageStart(role string) (string, error) {
	threadID, err := s.EnsureThread()
	if err != nil {
		return "", err
	}
	m, err := s.store.StoreMessageStart(threadID, role)
	if err != nil {
		return "", err
	}
	return m.MessageID, nil
}

func (s *taskSink) UpdateMessageContent(messageID, text string) error {
	return s.store.UpdateMessageContent(messageID, text)
}

func (s *taskSink) MarkMessageComplete(messageID string) error {
	return s.store.MarkMessageComplete(messageID)
}

func (s *taskSink) MarkMessageCancelled(messageID, reason string) error {
	return s.store.MarkMessageCancelled(messageID, reason)
}

func (s *taskSink) StoreToolStart(toolName, argsJSON string) (string, error) {
	threadID, err := s.EnsureThread()
	if err != nil {
		return "", err
	}
	return s.store.StoreToolStart(threadID, toolName, argsJSON)
}

func (s *taskSink) UpdateToolEnd(id, resultJSON string, failed bool) error {
	return s.store.UpdateToolEnd(id, resultJSON, failed)
}

func (s *taskSink) StoreThinking(message string) error {
	threadID, err := s.EnsureThread()
	if err != nil {
		return err
	}
	return s.store.StoreThinking(threadID, message)
}
