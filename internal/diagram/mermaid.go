package diagram

import (
	"fmt"
	"strings"
)

// statusClasses maps a step status to its Mermaid class and style.
var statusClasses = []struct {
	status string
	class  string
	style  string
}{
	{"completed", "completed", "fill:#2d6a2d,stroke:#1a4a1a,color:#fff"},
	{"failed", "failed", "fill:#8b1a1a,stroke:#5c0e0e,color:#fff"},
	{"running", "running", "fill:#1a5276,stroke:#0e3a52,color:#fff"},
	{"awaiting_oauth", "awaiting", "fill:#b7791a,stroke:#8a5c14,color:#fff"},
	{"pending", "pending", "fill:#6b6b6b,stroke:#4a4a4a,color:#fff,stroke-dasharray:5 5"},
}

// RenderMermaid renders a DiagramModel as a Mermaid flowchart.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))

		for _, sg := range node.Children {
			fmt.Fprintf(&b, "    subgraph %s[%q]\n", mermaidSafeID(node.ID+"_steps"), sg.Label)
			for _, sub := range sg.Nodes {
				fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(sub))
			}
			for _, edge := range sg.Edges {
				writeMermaidEdge(&b, "        ", edge)
			}
			b.WriteString("    end\n")
			// Dotted link from the stage to its step block.
			fmt.Fprintf(&b, "    %s -.-> %s\n", mermaidSafeID(node.ID), mermaidSafeID(node.ID+"_steps"))
		}
	}

	for _, edge := range model.Edges {
		writeMermaidEdge(&b, "    ", edge)
	}

	b.WriteString("\n")
	for _, sc := range statusClasses {
		fmt.Fprintf(&b, "    classDef %s %s\n", sc.class, sc.style)
	}

	for _, node := range model.Nodes {
		writeMermaidClass(&b, node)
		for _, sg := range node.Children {
			for _, sub := range sg.Nodes {
				writeMermaidClass(&b, sub)
			}
		}
	}

	return b.String()
}

func writeMermaidEdge(b *strings.Builder, indent string, edge Edge) {
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%s|", edge.Label)
	}
	fmt.Fprintf(b, "%s%s -->%s %s\n", indent, mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
}

func writeMermaidClass(b *strings.Builder, node *Node) {
	if node.Status == nil {
		return
	}
	if cls := mermaidStatusClass(node.Status.Status); cls != "" {
		fmt.Fprintf(b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
	}
}

// mermaidNodeDef returns a Mermaid node definition shaped by kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(firstLine(node.Label))

	switch node.Kind {
	case NodeKindReasoning:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindSearch:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case NodeKindImage:
		return fmt.Sprintf("%s[(%q)]", id, label)
	case NodeKindStage:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// mermaidSafeID replaces dots, dashes and spaces with underscores.
func mermaidSafeID(id string) string {
	return mermaidIDReplacer.Replace(id)
}

// mermaidEscapeLabel swaps double quotes, which %q would otherwise escape
// with a backslash Mermaid does not understand.
func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "'")
}

func mermaidStatusClass(status string) string {
	for _, sc := range statusClasses {
		if sc.status == status {
			return sc.class
		}
	}
	return ""
}
