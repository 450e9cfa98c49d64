package broadcaster

// Category groups AG-UI event types for per-task filter registration
// (§4.5).
type Category string

const (
	CategoryLifecycle Category = "lifecycle"
	CategoryMessaging  Category = "messaging"
	CategoryTool       Category = "tool"
	CategoryState      Category = "state"
	CategorySpecial    Category = "special"
)

// eventCategory maps a concrete event type to its broadcast category.
// Unknown types default to CategorySpecial rather than erroring, so a
// new event type introduced by a task runner degrades gracefully
// instead of silently failing to persist or broadcast.
func eventCategory(eventType string) Category {
	switch eventType {
	case "workflow.started", "workflow.completed",
		"element.activated", "element.completed", "element.skipped",
		"task.progress", "task.error", "task.cancelled",
		"boundary.triggered", "gateway.forked", "gateway.path_taken",
		"gateway.deadlock":
		return CategoryLifecycle
	case "text.message.start", "text.message.chunk", "text.message.end":
		return CategoryMessaging
	case "task.tool.start", "task.tool.end":
		return CategoryTool
	case "messages.snapshot", "state.snapshot", "state.delta":
		return CategoryState
	case "task.thinking", "userTask.created", "ping", "pong",
		"replay.request", "clear.history", "queue.overflow",
		"mailbox.warning":
		return CategorySpecial
	default:
		return CategorySpecial
	}
}
