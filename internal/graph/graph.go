// Package graph holds the immutable in-memory representation of a
// parsed BPMN process: elements, sequence-flow connections, and
// subprocess definitions referenced by call activities.
package graph

import "fmt"

// Kind identifies the category of an element.
type Kind string

const (
	KindStart        Kind = "start"
	KindEnd          Kind = "end"
	KindTask         Kind = "task"
	KindGateway      Kind = "gateway"
	KindBoundary     Kind = "boundary"
	KindIntermediate Kind = "intermediate" // compensation-throw and friends
)

// TaskType distinguishes task elements. Meaningful only when Kind == KindTask.
type TaskType string

const (
	TaskGeneric       TaskType = "generic"
	TaskUser          TaskType = "user"
	TaskService       TaskType = "service"
	TaskScript        TaskType = "script"
	TaskSend          TaskType = "send"
	TaskReceive       TaskType = "receive"
	TaskManual        TaskType = "manual"
	TaskBusinessRule  TaskType = "business-rule"
	TaskAgentic       TaskType = "agentic"
	TaskSubprocess    TaskType = "subprocess"
	TaskCallActivity  TaskType = "call-activity"
)

// GatewayType distinguishes gateway elements. Meaningful only when Kind == KindGateway.
type GatewayType string

const (
	GatewayExclusive GatewayType = "exclusive"
	GatewayInclusive GatewayType = "inclusive"
	GatewayParallel  GatewayType = "parallel"
)

// BoundaryType distinguishes boundary elements. Meaningful only when Kind == KindBoundary.
type BoundaryType string

const (
	BoundaryError         BoundaryType = "error"
	BoundaryTimer         BoundaryType = "timer"
	BoundaryEscalation    BoundaryType = "escalation"
	BoundarySignal        BoundaryType = "signal"
	BoundaryCompensation  BoundaryType = "compensation"
)

// IntermediateType distinguishes intermediate-event elements.
type IntermediateType string

const (
	IntermediateCompensationThrow IntermediateType = "compensation-throw"
)

// Element is a single node in a process graph.
type Element struct {
	ID         string
	Kind       Kind
	Name       string
	Properties map[string]any

	TaskType         TaskType         // set when Kind == KindTask
	GatewayType      GatewayType      // set when Kind == KindGateway
	BoundaryType     BoundaryType     // set when Kind == KindBoundary
	IntermediateType IntermediateType // set when Kind == KindIntermediate

	// AttachedTo holds the id of the task this boundary event interposes
	// on. Only ever set for Kind == KindBoundary. Stored as an id, never
	// a pointer, so element/boundary references never cycle (§9).
	AttachedTo string

	// Interrupting is meaningful only for timer boundaries: an
	// interrupting timer cancels the task and redirects flow; a
	// non-interrupting timer spawns an independent branch (§4.3).
	Interrupting bool

	// Timeout is the configured deadline for a timer boundary, or the
	// correlation wait timeout for a receive task, or the wait timeout
	// for a user task. Zero means unbounded/default.
	Timeout string // duration string, e.g. "3s"; parsed by callers

	// ErrorCode matches an error boundary against a raised error; empty
	// is catch-all (§4.3, §7).
	ErrorCode string

	// EventCategories lists which broadcaster categories (§4.5) this
	// task emits to subscribers. Empty means the runner's defaults apply.
	EventCategories []string

	// CalledElement names the SubprocessDefinition a call-activity task
	// invokes.
	CalledElement string

	// InputMappings/OutputMappings are context key pairs copied into a
	// call-activity's child context / back into the parent context.
	InputMappings  map[string]string
	OutputMappings map[string]string
}

// Connection is a sequence flow between two elements.
type Connection struct {
	ID        string
	From      string
	To        string
	Name      string
	Condition string // expression string, evaluated against instance context
	IsDefault bool   // the unconditional fallback flow out of a gateway
}

// SubprocessDefinition is a self-contained graph referenced by a
// call-activity's CalledElement.
type SubprocessDefinition struct {
	ID    string
	Graph *Graph
}

// Graph is the immutable parsed process. Construct via New, which
// validates structural invariants; never mutate a Graph after
// construction — callers that need a derived graph should build a new
// one.
type Graph struct {
	elements    map[string]*Element
	outgoing    map[string][]*Connection // element id -> outgoing connections, in declaration order
	incoming    map[string][]*Connection // element id -> incoming connections, in declaration order
	boundaries  map[string][]*Element    // attached-to id -> boundary elements, in declaration order
	start       *Element
	subprocs    map[string]*SubprocessDefinition
}

// New builds a Graph from elements and connections, validating that
// every connection endpoint resolves to an element in the graph and
// that boundary elements attach to task elements (§3 invariant).
func New(elements []*Element, connections []*Connection, subprocesses []*SubprocessDefinition) (*Graph, error) {
	g := &Graph{
		elements:   make(map[string]*Element, len(elements)),
		outgoing:   make(map[string][]*Connection),
		incoming:   make(map[string][]*Connection),
		boundaries: make(map[string][]*Element),
		subprocs:   make(map[string]*SubprocessDefinition, len(subprocesses)),
	}

	for _, e := range elements {
		if _, dup := g.elements[e.ID]; dup {
			return nil, fmt.Errorf("graph: duplicate element id %q", e.ID)
		}
		g.elements[e.ID] = e
		if e.Kind == KindStart {
			if g.start != nil {
				return nil, fmt.Errorf("graph: multiple start events (%q and %q)", g.start.ID, e.ID)
			}
			g.start = e
		}
	}
	if g.start == nil {
		return nil, fmt.Errorf("graph: no start event")
	}

	for _, c := range connections {
		from, ok := g.elements[c.From]
		if !ok {
			return nil, fmt.Errorf("graph: connection %q references unknown source %q", c.ID, c.From)
		}
		if _, ok := g.elements[c.To]; !ok {
			return nil, fmt.Errorf("graph: connection %q references unknown target %q", c.ID, c.To)
		}
		g.outgoing[from.ID] = append(g.outgoing[from.ID], c)
		g.incoming[c.To] = append(g.incoming[c.To], c)
	}

	for _, e := range elements {
		if e.Kind != KindBoundary {
			continue
		}
		target, ok := g.elements[e.AttachedTo]
		if !ok {
			return nil, fmt.Errorf("graph: boundary %q attached to unknown element %q", e.ID, e.AttachedTo)
		}
		if target.Kind != KindTask {
			return nil, fmt.Errorf("graph: boundary %q must attach to a task, not %q", e.ID, target.Kind)
		}
		g.boundaries[e.AttachedTo] = append(g.boundaries[e.AttachedTo], e)
	}

	for _, sp := range subprocesses {
		g.subprocs[sp.ID] = sp
	}

	return g, nil
}

// Start returns the graph's unique start event.
func (g *Graph) Start() *Element { return g.start }

// Element looks up an element by id.
func (g *Graph) Element(id string) (*Element, bool) {
	e, ok := g.elements[id]
	return e, ok
}

// Outgoing returns an element's outgoing connections in declaration order.
func (g *Graph) Outgoing(id string) []*Connection {
	return g.outgoing[id]
}

// Incoming returns an element's incoming connections in declaration order.
func (g *Graph) Incoming(id string) []*Connection {
	return g.incoming[id]
}

// FanIn returns the number of incoming connections an element has. A
// gateway is a join when FanIn > 1 (§4.2).
func (g *Graph) FanIn(id string) int {
	return len(g.incoming[id])
}

// Boundaries returns the boundary elements attached to a task, in
// declaration order.
func (g *Graph) Boundaries(taskID string) []*Element {
	return g.boundaries[taskID]
}

// BoundariesOfType filters Boundaries by BoundaryType.
func (g *Graph) BoundariesOfType(taskID string, t BoundaryType) []*Element {
	var out []*Element
	for _, b := range g.boundaries[taskID] {
		if b.BoundaryType == t {
			out = append(out, b)
		}
	}
	return out
}

// Subprocess looks up a subprocess definition by id.
func (g *Graph) Subprocess(id string) (*SubprocessDefinition, bool) {
	sp, ok := g.subprocs[id]
	return sp, ok
}

// Targets resolves a set of connections to their destination elements.
func (g *Graph) Targets(conns []*Connection) []*Element {
	out := make([]*Element, 0, len(conns))
	for _, c := range conns {
		if e, ok := g.elements[c.To]; ok {
			out = append(out, e)
		}
	}
	return out
}
