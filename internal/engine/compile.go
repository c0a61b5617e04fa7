package engine

import (
	"strings"

	"github.com/rendis/chatflow/pkg/schema"
)

// Classification sources recorded on RuntimeNode.ClassifiedBy.
const (
	ClassifiedByTable   = "table"
	ClassifiedByKeyword = "keyword"
	ClassifiedByNone    = "none"
)

// RuntimeNode is a compiled, kind-classified node. Immutable after Compile.
type RuntimeNode struct {
	ID           string
	Kind         schema.NodeKind
	Tag          string // normalized type tag the kind was derived from
	Data         schema.NodeData
	ClassifiedBy string
}

// Link is one outgoing edge of a compiled node.
type Link struct {
	To     string
	Branch string
	Label  string
}

// Compiled is the executable form of a flow graph.
type Compiled struct {
	Nodes    map[string]*RuntimeNode // node ID → runtime node
	Next     map[string][]Link       // node ID → outgoing links, in edge order
	Starts   []string                // entry points, in node order
	Order    []string                // node IDs in authoring order
	Dangling []schema.Edge           // edges dropped because an endpoint is missing
}

// kindTable maps normalized type tags to node kinds.
var kindTable = map[string]schema.NodeKind{
	"message":      schema.KindMessage,
	"sms":          schema.KindMessage,
	"email":        schema.KindMessage,
	"push":         schema.KindMessage,
	"voice":        schema.KindMessage,
	"chattemplate": schema.KindMessage,
	"carousel":     schema.KindMessage,
	"getstarted":   schema.KindMessage,
	"text":         schema.KindMessage,

	"ask":         schema.KindAsk,
	"askquestion": schema.KindAsk,
	"question":    schema.KindAsk,
	"input":       schema.KindAsk,
	"userinput":   schema.KindAsk,

	"condition": schema.KindCondition,
	"logic":     schema.KindCondition,
	"branch":    schema.KindCondition,
	"if":        schema.KindCondition,

	"delay":  schema.KindDelay,
	"wait":   schema.KindDelay,
	"timer":  schema.KindDelay,
	"timing": schema.KindDelay,

	"webhook":    schema.KindAPI,
	"api":        schema.KindAPI,
	"apicall":    schema.KindAPI,
	"apicallout": schema.KindAPI,
	"http":       schema.KindAPI,
}

// keywordBuckets is the substring fallback for tags missing from kindTable.
// First matching bucket wins.
var keywordBuckets = []struct {
	kind  schema.NodeKind
	terms []string
}{
	{schema.KindMessage, []string{"message", "sms", "email", "push", "voice", "chattemplate", "carousel"}},
	{schema.KindAsk, []string{"ask", "input"}},
	{schema.KindCondition, []string{"condition", "logic", "branch"}},
	{schema.KindDelay, []string{"delay", "wait", "timer", "timing"}},
	{schema.KindAPI, []string{"webhook", "api"}},
	{schema.KindMessage, []string{"getstarted"}},
}

// NormalizeTag lowercases a type tag and strips spaces, dashes and underscores.
func NormalizeTag(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '_', '\t':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))
}

// Classify returns the kind of n and how it was decided.
func Classify(n schema.Node) (schema.NodeKind, string, string) {
	tag := NormalizeTag(n.Type)
	if tag == "" {
		tag = NormalizeTag(n.Data.Kind)
	}
	if tag == "" {
		tag = NormalizeTag(n.Data.Label)
	}
	if tag == "" {
		return schema.KindUnknown, tag, ClassifiedByNone
	}

	if kind, ok := kindTable[tag]; ok {
		return kind, tag, ClassifiedByTable
	}
	for _, b := range keywordBuckets {
		for _, term := range b.terms {
			if strings.Contains(tag, term) {
				return b.kind, tag, ClassifiedByKeyword
			}
		}
	}
	return schema.KindUnknown, tag, ClassifiedByNone
}

// Compile converts an authored graph into its executable form. It never
// fails: unrecognized nodes compile to KindUnknown and edges with a missing
// endpoint are set aside in Dangling.
func Compile(nodes []schema.Node, edges []schema.Edge) *Compiled {
	c := &Compiled{
		Nodes: make(map[string]*RuntimeNode, len(nodes)),
		Next:  make(map[string][]Link, len(nodes)),
		Order: make([]string, 0, len(nodes)),
	}

	types := make(map[string]string, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			continue
		}
		if _, dup := c.Nodes[n.ID]; dup {
			continue // first definition wins
		}
		kind, tag, by := Classify(n)
		c.Nodes[n.ID] = &RuntimeNode{ID: n.ID, Kind: kind, Tag: tag, Data: n.Data, ClassifiedBy: by}
		c.Order = append(c.Order, n.ID)
		types[n.ID] = NormalizeTag(n.Type)
	}

	incoming := make(map[string]int, len(nodes))
	for _, e := range edges {
		_, srcOK := c.Nodes[e.Source]
		_, dstOK := c.Nodes[e.Target]
		if !srcOK || !dstOK {
			c.Dangling = append(c.Dangling, e)
			continue
		}
		c.Next[e.Source] = append(c.Next[e.Source], Link{To: e.Target, Branch: e.BranchTag(), Label: e.Label})
		incoming[e.Target]++
	}

	seen := make(map[string]bool)
	for _, id := range c.Order {
		rn := c.Nodes[id]
		trigger := rn.Data.Trigger || types[id] == "getstarted" || id == "start"
		if (trigger || incoming[id] == 0) && !seen[id] {
			seen[id] = true
			c.Starts = append(c.Starts, id)
		}
	}
	return c
}

// Has reports whether id is a compiled node.
func (c *Compiled) Has(id string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Nodes[id]
	return ok
}

// First returns the target of the first outgoing link of id.
func (c *Compiled) First(id string) (string, bool) {
	links := c.Next[id]
	if len(links) == 0 {
		return "", false
	}
	return links[0].To, true
}

// Incoming counts the links pointing at id.
func (c *Compiled) Incoming(id string) int {
	n := 0
	for _, links := range c.Next {
		for _, l := range links {
			if l.To == id {
				n++
			}
		}
	}
	return n
}

// Reachable returns the set of node IDs reachable from the entry points.
func (c *Compiled) Reachable() map[string]bool {
	seen := make(map[string]bool, len(c.Nodes))
	stack := append([]string(nil), c.Starts...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, l := range c.Next[id] {
			if !seen[l.To] {
				stack = append(stack, l.To)
			}
		}
	}
	return seen
}
