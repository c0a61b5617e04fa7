package diagram

import "github.com/rendis/chatflow/pkg/schema"

// NodeKind classifies a diagram node. Flow nodes reuse the runtime kinds;
// start and end are virtual.
type NodeKind string

const (
	NodeKindMessage   NodeKind = NodeKind(schema.KindMessage)
	NodeKindAsk       NodeKind = NodeKind(schema.KindAsk)
	NodeKindCondition NodeKind = NodeKind(schema.KindCondition)
	NodeKindDelay     NodeKind = NodeKind(schema.KindDelay)
	NodeKindAPI       NodeKind = NodeKind(schema.KindAPI)
	NodeKindUnknown   NodeKind = NodeKind(schema.KindUnknown)
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Node overlay states.
const (
	StateVisited = "visited"
	StateCurrent = "current"
	StateWaiting = "waiting"
	StateError   = "error"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one flow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries what a run did at a node.
type StatusOverlay struct {
	State  string
	Visits int
	Error  string
}

// Edge is a directed link between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// Node returns the node with id, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
