package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a step status.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "awaiting_oauth":
		return "[AUTH]"
	case "pending":
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as boxes joined top to bottom, followed
// by the step list of every schedule stage.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for levelIdx, level := range model.Levels {
		var boxes []asciiBox
		for _, nodeID := range level {
			if node := findNode(model.Nodes, nodeID); node != nil {
				boxes = append(boxes, makeBox(node))
			}
		}
		renderBoxRow(&b, boxes)
		if levelIdx < len(model.Levels)-1 {
			renderConnector(&b, boxes)
		}
	}

	for _, node := range model.Nodes {
		if len(node.Children) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s ---\n", firstLine(node.Label))
		for _, sg := range node.Children {
			renderSubGraph(&b, sg)
		}
	}

	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

// makeBox draws the node label (all lines), its status tag, duration and
// error inside a single-line border.
func makeBox(node *Node) asciiBox {
	content := strings.Split(node.Label, "\n")
	if node.Status != nil {
		meta := statusTag(node.Status.Status)
		if node.Status.DurationMs > 0 {
			meta = strings.TrimSpace(fmt.Sprintf("%s %dms", meta, node.Status.DurationMs))
		}
		if meta != "" {
			content = append(content, meta)
		}
		if node.Status.Error != "" {
			content = append(content, node.Status.Error)
		}
	}

	maxLen := 0
	for _, line := range content {
		maxLen = max(maxLen, utf8.RuneCountInString(line))
	}
	width := maxLen + 4

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, line := range content {
		pad := maxLen - utf8.RuneCountInString(line)
		lines = append(lines, "│ "+line+strings.Repeat(" ", pad)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return asciiBox{lines: lines, width: width}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}
	maxHeight := 0
	for _, box := range boxes {
		maxHeight = max(maxHeight, len(box.lines))
	}
	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

// renderConnector draws an arrow under the middle of the first box.
func renderConnector(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}
	indent := strings.Repeat(" ", boxes[0].width/2)
	b.WriteString(indent + "│\n")
	b.WriteString(indent + "▼\n")
}

func renderSubGraph(b *strings.Builder, sg *SubGraph) {
	fmt.Fprintf(b, "  [%s]\n", sg.Label)
	for i, node := range sg.Nodes {
		tag := ""
		if node.Status != nil {
			tag = " " + statusTag(node.Status.Status)
		}
		fmt.Fprintf(b, "    %d. %s (%s)%s\n", i+1, firstLine(node.Label), node.Kind, tag)
	}
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
