package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"

	detailMax = 32
)

// Overlay maps node ids to what a run did there.
type Overlay map[string]*StatusOverlay

// Apply folds one engine event into the overlay. The most recently traced
// node becomes current, unless it is waiting for input; earlier ones are
// visited.
func (o Overlay) Apply(event string, payload any) {
	switch p := payload.(type) {
	case schema.TraceEvent:
		for id, s := range o {
			if id != p.NodeID && (s.State == StateCurrent || s.State == StateWaiting) {
				s.State = StateVisited
			}
		}
		s := o.at(p.NodeID)
		s.Visits++
		if s.State != StateError && s.State != StateWaiting {
			s.State = StateCurrent
		}
	case schema.WaitingEvent:
		o.at(p.NodeID).State = StateWaiting
	case schema.ErrorEvent:
		if p.NodeID == "" {
			return
		}
		s := o.at(p.NodeID)
		s.State = StateError
		s.Error = p.Message
	case schema.DoneEvent:
		for _, s := range o {
			if s.State == StateCurrent {
				s.State = StateVisited
			}
		}
	}
}

func (o Overlay) at(id string) *StatusOverlay {
	s, ok := o[id]
	if !ok {
		s = &StatusOverlay{}
		o[id] = s
	}
	return s
}

// Build lays out a compiled flow. Virtual start and end nodes bracket the
// entry points and dead ends; levels follow breadth-first depth from the
// entry points, with unreachable nodes on a level of their own.
func Build(c *engine.Compiled, title string, overlay Overlay) *DiagramModel {
	if title == "" {
		title = "Flow"
	}
	m := &DiagramModel{Title: title}

	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, id := range c.Order {
		rn := c.Nodes[id]
		n := &Node{ID: id, Label: nodeLabel(rn), Kind: NodeKind(rn.Kind)}
		if s, ok := overlay[id]; ok {
			cp := *s
			n.Status = &cp
		}
		m.Nodes = append(m.Nodes, n)
	}
	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	for _, s := range c.Starts {
		m.Edges = append(m.Edges, Edge{From: startID, To: s})
	}
	for _, id := range c.Order {
		links := c.Next[id]
		if len(links) == 0 {
			m.Edges = append(m.Edges, Edge{From: id, To: endID})
			continue
		}
		for _, l := range links {
			label := l.Label
			if label == "" {
				label = l.Branch
			}
			m.Edges = append(m.Edges, Edge{From: id, To: l.To, Label: label})
		}
	}

	m.Levels = buildLevels(c)
	return m
}

func buildLevels(c *engine.Compiled) [][]string {
	levels := [][]string{{startID}}
	seen := make(map[string]bool, len(c.Nodes))
	frontier := make([]string, 0, len(c.Starts))
	for _, s := range c.Starts {
		if !seen[s] {
			seen[s] = true
			frontier = append(frontier, s)
		}
	}
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		var next []string
		for _, id := range frontier {
			for _, l := range c.Next[id] {
				if !seen[l.To] {
					seen[l.To] = true
					next = append(next, l.To)
				}
			}
		}
		frontier = next
	}

	var orphans []string
	for _, id := range c.Order {
		if !seen[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return append(levels, []string{endID})
}

// nodeLabel is "<label or id>\n<detail>", the detail summarizing what the
// node does.
func nodeLabel(n *engine.RuntimeNode) string {
	name := n.Data.Label
	if name == "" {
		name = n.ID
	}
	detail := nodeDetail(n)
	if detail == "" {
		return name
	}
	return name + "\n" + detail
}

func nodeDetail(n *engine.RuntimeNode) string {
	d := n.Data
	switch n.Kind {
	case schema.KindMessage:
		return clip(d.Text)
	case schema.KindAsk:
		v := d.VarName
		if v == "" {
			v = engine.DefaultAskVar
		}
		return "→ " + v
	case schema.KindCondition:
		expr := d.Expression
		if expr == "" {
			expr = expressions.BuildGroupExpression(d.Groups)
		}
		return clip(expr)
	case schema.KindDelay:
		return expressions.ParseDelay(d.DelaySpec()).String()
	case schema.KindAPI:
		req := d.Request()
		method := strings.ToUpper(req.Method)
		if method == "" {
			method = "POST"
		}
		return clip(fmt.Sprintf("%s %s", method, req.URL))
	}
	return n.Tag
}

func clip(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= detailMax {
		return s
	}
	r := []rune(s)
	return string(r[:detailMax]) + "…"
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
