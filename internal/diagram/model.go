package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindReasoning NodeKind = "reasoning" // ai_reasoning step
	NodeKindSearch    NodeKind = "search"    // web_search step
	NodeKindImage     NodeKind = "image"     // image_generation step
	NodeKindCustom    NodeKind = "custom"    // custom procedure step
	NodeKindStage     NodeKind = "stage"     // one schedule pipeline stage
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
// Actions and schedule pipelines are linear, so every level holds one node.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one step, or one schedule stage.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // a stage's action steps
}

// SubGraph holds the steps of the action a schedule stage runs.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the replayed state of a step.
type StatusOverlay struct {
	Status     string // store.StepTrace status
	DurationMs int64
	Error      string
}

// Edge connects two consecutive nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
