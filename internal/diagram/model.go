// Package diagram draws workflow graphs and task plans as Mermaid, ASCII or
// graphviz images.
package diagram

// NodeKind classifies a diagram node by its step type.
type NodeKind string

const (
	NodeKindInput  NodeKind = "input"
	NodeKindAction NodeKind = "action"
	NodeKindStart  NodeKind = "start"
	NodeKindEnd    NodeKind = "end"
)

// StartNodeID is the id of the virtual entry node.
const StartNodeID = "__start__"

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status string // schema.StepStatus; empty for workflow templates
	// Current marks the step a task is halted on.
	Current bool
}

// Edge is a transition between two nodes. Label carries the condition.
type Edge struct {
	From  string
	To    string
	Label string
}

func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
