package diagram

import (
	"strconv"

	"github.com/awalterschulze/gographviz"
)

const dotGraphName = "flow"

// RenderDOT renders a DiagramModel as Graphviz DOT source.
func RenderDOT(model *DiagramModel) (string, error) {
	g := gographviz.NewGraph()
	if err := g.SetName(dotGraphName); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}
	if err := g.AddAttr(dotGraphName, "rankdir", "TB"); err != nil {
		return "", err
	}
	if model.Title != "" {
		if err := g.AddAttr(dotGraphName, "label", strconv.Quote(model.Title)); err != nil {
			return "", err
		}
	}

	for _, node := range model.Nodes {
		if err := g.AddNode(dotGraphName, strconv.Quote(node.ID), dotNodeAttrs(node)); err != nil {
			return "", err
		}
	}
	for _, edge := range model.Edges {
		var attrs map[string]string
		if edge.Label != "" {
			attrs = map[string]string{"label": strconv.Quote(edge.Label)}
		}
		if err := g.AddEdge(strconv.Quote(edge.From), strconv.Quote(edge.To), true, attrs); err != nil {
			return "", err
		}
	}
	return g.String(), nil
}

func dotNodeAttrs(node *Node) map[string]string {
	attrs := map[string]string{
		"label": strconv.Quote(node.Label),
		"shape": dotShape(node.Kind),
	}
	if node.Status == nil {
		return attrs
	}
	if fill, font := stateColors(node.Status.State); fill != "" {
		attrs["style"] = "filled"
		attrs["fillcolor"] = strconv.Quote(fill)
		attrs["fontcolor"] = strconv.Quote(font)
	}
	return attrs
}

func dotShape(kind NodeKind) string {
	switch kind {
	case NodeKindCondition:
		return "diamond"
	case NodeKindAsk:
		return "parallelogram"
	case NodeKindDelay:
		return "ellipse"
	case NodeKindAPI:
		return "box3d"
	case NodeKindStart, NodeKindEnd:
		return "circle"
	case NodeKindUnknown:
		return "note"
	default:
		return "box"
	}
}

// stateColors returns the fill and font colour of an overlay state.
func stateColors(state string) (fill, font string) {
	switch state {
	case StateVisited:
		return "#2d6a2d", "white"
	case StateCurrent:
		return "#1a5276", "white"
	case StateWaiting:
		return "#b7791a", "white"
	case StateError:
		return "#8b1a1a", "white"
	}
	return "", ""
}
