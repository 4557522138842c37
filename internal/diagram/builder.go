package diagram

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// BuildAction converts an action into a DiagramModel. When timeline is
// non-nil, each step carries the status replayed from its execution; steps
// the run never reached are marked pending.
func BuildAction(action *schema.Action, timeline []store.StepTrace) (*DiagramModel, error) {
	if action == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: action is nil")
	}

	var traces map[string]store.StepTrace
	if timeline != nil {
		traces = make(map[string]store.StepTrace, len(timeline))
		for _, tr := range timeline {
			traces[tr.StepID] = tr
		}
	}

	nodes := stepNodes(action, "", traces)
	return chain(actionTitle(action), nodes), nil
}

// BuildSchedule converts a schedule pipeline into a DiagramModel. Each stage
// becomes a node whose subgraph lists the steps of the action it runs;
// stages whose action is missing from actions get no subgraph.
func BuildSchedule(sched *schema.Schedule, actions map[string]*schema.Action) (*DiagramModel, error) {
	if sched == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: schedule is nil")
	}

	var nodes []*Node
	for _, st := range sched.OrderedSteps() {
		id := fmt.Sprintf("stage_%d", st.Order)
		node := &Node{
			ID:    id,
			Label: stageLabel(st, actions[st.ActionID]),
			Kind:  NodeKindStage,
		}
		if act, ok := actions[st.ActionID]; ok {
			sub := stepNodes(act, id+".", nil)
			sg := &SubGraph{Label: actionTitle(act), Nodes: sub}
			for i := 1; i < len(sub); i++ {
				sg.Edges = append(sg.Edges, Edge{From: sub[i-1].ID, To: sub[i].ID})
			}
			node.Children = []*SubGraph{sg}
		}
		nodes = append(nodes, node)
	}

	title := sched.Name
	switch sched.Mode {
	case schema.ScheduleRecurring:
		title = fmt.Sprintf("%s (every %dh)", title, sched.IntervalHours)
	case schema.ScheduleOnce:
		title += " (once)"
	}
	return chain(title, nodes), nil
}

// chain links nodes between start and end markers, one per level.
func chain(title string, nodes []*Node) *DiagramModel {
	model := &DiagramModel{Title: title}
	all := make([]*Node, 0, len(nodes)+2)
	all = append(all, &Node{ID: startID, Label: "start", Kind: NodeKindStart})
	all = append(all, nodes...)
	all = append(all, &Node{ID: endID, Label: "end", Kind: NodeKindEnd})

	model.Nodes = all
	for i, n := range all {
		model.Levels = append(model.Levels, []string{n.ID})
		if i > 0 {
			model.Edges = append(model.Edges, Edge{From: all[i-1].ID, To: n.ID})
		}
	}
	return model
}

func stepNodes(action *schema.Action, prefix string, traces map[string]store.StepTrace) []*Node {
	steps := action.OrderedSteps()
	nodes := make([]*Node, 0, len(steps))
	for i, step := range steps {
		id := step.ID
		if id == "" {
			id = fmt.Sprintf("step_%d", i+1)
		}
		node := &Node{
			ID:    prefix + id,
			Label: stepLabel(step),
			Kind:  stepKind(step.Type),
		}
		if traces != nil {
			node.Status = overlay(traces, step.ID)
		}
		nodes = append(nodes, node)
	}
	return nodes
}

func stepKind(t schema.StepType) NodeKind {
	switch t {
	case schema.StepTypeAIReasoning:
		return NodeKindReasoning
	case schema.StepTypeWebSearch:
		return NodeKindSearch
	case schema.StepTypeImageGeneration:
		return NodeKindImage
	default:
		return NodeKindCustom
	}
}

// stepLabel is "name" on the first line and "inputs -> outputs" on the second.
func stepLabel(step schema.Step) string {
	name := step.Name
	if name == "" {
		name = string(step.Type)
	}
	in := strings.Join(step.Config.InputFields, ", ")
	out := strings.Join(step.Config.OutputFields, ", ")
	if in == "" && out == "" {
		return name
	}
	return fmt.Sprintf("%s\n%s -> %s", name, in, out)
}

func stageLabel(st schema.ScheduleStep, action *schema.Action) string {
	name := st.ActionID
	if action != nil && action.Name != "" {
		name = action.Name
	}
	label := fmt.Sprintf("%d. %s on %s", st.Order, name, st.ModelID)
	if q := describeQuery(st.Query); q != "" {
		label += "\nwhere " + q
	}
	return label
}

func describeQuery(expr schema.FilterExpression) string {
	parts := make([]string, 0, len(expr.Filters))
	for _, f := range expr.Filters {
		switch f.Operator {
		case schema.OpIsEmpty, schema.OpIsNotEmpty:
			parts = append(parts, fmt.Sprintf("%s %s", f.Field, f.Operator))
		default:
			parts = append(parts, fmt.Sprintf("%s %s %v", f.Field, f.Operator, f.Value))
		}
	}
	logic, _ := expr.Logic.Canonical()
	return strings.Join(parts, " "+string(logic)+" ")
}

func overlay(traces map[string]store.StepTrace, stepID string) *StatusOverlay {
	tr, ok := traces[stepID]
	if !ok {
		return &StatusOverlay{Status: "pending"}
	}
	so := &StatusOverlay{Status: tr.Status, DurationMs: tr.DurationMs}
	if tr.Status == "failed" && len(tr.Detail) > 0 {
		var detail struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(tr.Detail, &detail) == nil {
			so.Error = strings.TrimSpace(detail.Code + " " + detail.Message)
		}
	}
	return so
}

func actionTitle(a *schema.Action) string {
	if a.Title != "" {
		return a.Title
	}
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}
