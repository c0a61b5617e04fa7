package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for an overlay state.
func statusTag(state string) string {
	switch state {
	case StateVisited:
		return "[OK]"
	case StateCurrent:
		return "[HERE]"
	case StateWaiting:
		return "[WAIT]"
	case StateError:
		return "[ERR]"
	}
	return ""
}

// RenderASCII draws the model level by level as rows of boxes. Labelled
// edges leaving a level are listed under its row, since a single column of
// connectors cannot show where branches go.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	outgoing := make(map[string][]Edge)
	for _, e := range model.Edges {
		outgoing[e.From] = append(outgoing[e.From], e)
	}

	for i, level := range model.Levels {
		boxes := make([]box, 0, len(level))
		for _, id := range level {
			if n := model.Node(id); n != nil {
				boxes = append(boxes, newBox(n))
			}
		}
		writeRow(&b, boxes)

		for _, id := range level {
			for _, e := range outgoing[id] {
				if e.Label != "" {
					fmt.Fprintf(&b, "  %s --%s--> %s\n", e.From, e.Label, e.To)
				}
			}
		}
		if i < len(model.Levels)-1 && len(boxes) > 0 {
			b.WriteString("    │\n    ▼\n")
		}
	}
	return b.String()
}

type box struct {
	lines []string
	width int
}

func newBox(n *Node) box {
	content := strings.Split(n.Label, "\n")
	if n.Status != nil {
		tag := statusTag(n.Status.State)
		if n.Status.Visits > 1 {
			tag = strings.TrimSpace(fmt.Sprintf("%s x%d", tag, n.Status.Visits))
		}
		if tag != "" {
			content = append(content, tag)
		}
	}

	inner := 0
	for _, line := range content {
		inner = max(inner, utf8.RuneCountInString(line))
	}

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", inner+2)+"┐")
	for _, line := range content {
		pad := inner - utf8.RuneCountInString(line)
		lines = append(lines, "│ "+line+strings.Repeat(" ", pad)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", inner+2)+"┘")
	return box{lines: lines, width: inner + 4}
}

func writeRow(b *strings.Builder, boxes []box) {
	height := 0
	for _, bx := range boxes {
		height = max(height, len(bx.lines))
	}
	for row := range height {
		for i, bx := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(bx.lines) {
				b.WriteString(bx.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", bx.width))
			}
		}
		b.WriteByte('\n')
	}
}
