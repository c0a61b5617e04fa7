package flowfile

import (
	"strconv"
	"strings"

	"github.com/awalterschulze/gographviz"

	"github.com/rendis/chatflow/pkg/schema"
)

// ParseDOT builds a flow from a Graphviz digraph. Node attributes map onto
// node data (type, kind, label, text, prompt, varName, expression, language,
// delay, url, method, body, extract, assignTo, trigger, quickReplies as
// "a|b|c"); edge attributes branch and label map onto edges. The graph name
// becomes the flow id and graph attributes label, channel and start fill in
// the title, channel and start node.
func ParseDOT(src string) (*schema.Flow, error) {
	ast, err := gographviz.ParseString(src)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to parse DOT").WithCause(err)
	}
	g := gographviz.NewGraph()
	if err := gographviz.Analyse(ast, g); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to analyse DOT").WithCause(err)
	}

	flow := &schema.Flow{
		ID:          unquote(g.Name),
		Title:       attr(g.Attrs, "label"),
		Channel:     schema.Channel(attr(g.Attrs, "channel")),
		StartNodeID: attr(g.Attrs, "start"),
		Nodes:       make([]schema.Node, 0, len(g.Nodes.Nodes)),
		Edges:       make([]schema.Edge, 0, len(g.Edges.Edges)),
	}

	for _, n := range g.Nodes.Nodes {
		flow.Nodes = append(flow.Nodes, dotNode(unquote(n.Name), n.Attrs))
	}
	for i, e := range g.Edges.Edges {
		flow.Edges = append(flow.Edges, schema.Edge{
			ID:     "e" + strconv.Itoa(i+1),
			Source: unquote(e.Src),
			Target: unquote(e.Dst),
			Branch: attr(e.Attrs, "branch"),
			Label:  attr(e.Attrs, "label"),
		})
	}
	return flow, nil
}

func dotNode(id string, attrs gographviz.Attrs) schema.Node {
	data := schema.NodeData{
		Kind:       attr(attrs, "kind"),
		Label:      attr(attrs, "label"),
		Text:       attr(attrs, "text"),
		Prompt:     attr(attrs, "prompt"),
		VarName:    attr(attrs, "varName"),
		Expression: attr(attrs, "expression"),
		Language:   attr(attrs, "language"),
		AssignTo:   attr(attrs, "assignTo"),
		Trigger:    attr(attrs, "trigger") == "true",
	}
	if d := attr(attrs, "delay"); d != "" {
		data.Delay = d
	}
	if url := attr(attrs, "url"); url != "" {
		data.API = &schema.APISpec{
			URL:      url,
			Method:   attr(attrs, "method"),
			AssignTo: attr(attrs, "assignTo"),
			Extract:  attr(attrs, "extract"),
			Timeout:  attr(attrs, "timeout"),
		}
		if body := attr(attrs, "body"); body != "" {
			data.API.Body = body
		}
	}
	if qr := attr(attrs, "quickReplies"); qr != "" {
		for i, label := range strings.Split(qr, "|") {
			label = strings.TrimSpace(label)
			if label == "" {
				continue
			}
			data.QuickReplies = append(data.QuickReplies, schema.QuickReply{ID: "qr" + strconv.Itoa(i+1), Label: label})
		}
	}
	return schema.Node{ID: id, Type: attr(attrs, "type"), Data: data}
}

func attr(attrs gographviz.Attrs, key string) string {
	v, ok := attrs[gographviz.Attr(key)]
	if !ok {
		return ""
	}
	return unquote(strings.TrimSpace(v))
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
		return s[1 : len(s)-1]
	}
	return s
}
