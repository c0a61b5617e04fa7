package schema

import "strings"

// Flow is the serializable bundle the designer exports: a graph plus the
// settings needed to preview it. Only run history is ever persisted; flow
// definitions are always supplied by the caller.
type Flow struct {
	ID          string  `json:"id,omitempty" yaml:"id,omitempty"`
	Title       string  `json:"title,omitempty" yaml:"title,omitempty"`
	Channel     Channel `json:"channel,omitempty" yaml:"channel,omitempty"`
	StartNodeID string  `json:"startNodeId,omitempty" yaml:"startNodeId,omitempty"`
	Nodes       []Node  `json:"nodes" yaml:"nodes"`
	Edges       []Edge  `json:"edges" yaml:"edges"`
}

// Node is one authored canvas node.
type Node struct {
	ID   string   `json:"id" yaml:"id"`
	Type string   `json:"type,omitempty" yaml:"type,omitempty"`
	Data NodeData `json:"data" yaml:"data"`
}

// NodeData is the open property bag of a node. Only the fields the runtime
// reads are typed; delay and waitMs accept numbers or duration strings.
type NodeData struct {
	Kind         string           `json:"kind,omitempty" yaml:"kind,omitempty"`
	Label        string           `json:"label,omitempty" yaml:"label,omitempty"`
	Trigger      bool             `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Text         string           `json:"text,omitempty" yaml:"text,omitempty"`
	QuickReplies []QuickReply     `json:"quickReplies,omitempty" yaml:"quickReplies,omitempty"`
	VarName      string           `json:"varName,omitempty" yaml:"varName,omitempty"`
	Prompt       string           `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Expression   string           `json:"expression,omitempty" yaml:"expression,omitempty"`
	Language     string           `json:"language,omitempty" yaml:"language,omitempty"`
	Groups       []ConditionGroup `json:"groups,omitempty" yaml:"groups,omitempty"`
	Delay        any              `json:"delay,omitempty" yaml:"delay,omitempty"`
	WaitMs       any              `json:"waitMs,omitempty" yaml:"waitMs,omitempty"`
	API          *APISpec         `json:"api,omitempty" yaml:"api,omitempty"`
	AssignTo     string           `json:"assignTo,omitempty" yaml:"assignTo,omitempty"`

	// Inline API fields: older exports put the request directly on data.
	URL     string   `json:"url,omitempty" yaml:"url,omitempty"`
	Method  string   `json:"method,omitempty" yaml:"method,omitempty"`
	Headers []Header `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    any      `json:"body,omitempty" yaml:"body,omitempty"`
}

// Request returns the API request spec of the node, whether it was authored
// under data.api or inline on data. data.assignTo fills in a missing
// api.assignTo.
func (d NodeData) Request() APISpec {
	spec := APISpec{URL: d.URL, Method: d.Method, Headers: d.Headers, Body: d.Body}
	if d.API != nil {
		spec = *d.API
	}
	if spec.AssignTo == "" {
		spec.AssignTo = d.AssignTo
	}
	return spec
}

// DelaySpec returns the delay authored on the node: data.delay unless it is
// empty or zero, else data.waitMs.
func (d NodeData) DelaySpec() any {
	switch v := d.Delay.(type) {
	case nil:
		return d.WaitMs
	case string:
		if v == "" {
			return d.WaitMs
		}
	case float64:
		if v == 0 {
			return d.WaitMs
		}
	case int:
		if v == 0 {
			return d.WaitMs
		}
	}
	return d.Delay
}

// QuickReply is a button offered with a bot message.
type QuickReply struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Label string `json:"label" yaml:"label"`
}

// APISpec describes an outbound HTTP call made by an api node.
type APISpec struct {
	URL      string   `json:"url" yaml:"url"`
	Method   string   `json:"method,omitempty" yaml:"method,omitempty"`
	Headers  []Header `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body     any      `json:"body,omitempty" yaml:"body,omitempty"`
	AssignTo string   `json:"assignTo,omitempty" yaml:"assignTo,omitempty"`
	Extract  string   `json:"extract,omitempty" yaml:"extract,omitempty"` // jq expression applied before assignTo
	Timeout  string   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Header is a single request header. Values may contain {{templates}}.
type Header struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// ConditionGroup is the form-builder representation of a condition:
// conditions joined by "and" or "or". Groups are OR-ed together.
type ConditionGroup struct {
	Type       string      `json:"type" yaml:"type"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// Condition compares one variable against a literal value.
type Condition struct {
	Variable string `json:"variable" yaml:"variable"`
	Operator string `json:"operator" yaml:"operator"`
	Value    string `json:"value,omitempty" yaml:"value,omitempty"`
}

// Condition operators produced by the designer's logic form.
const (
	OpEqualTo      = "equal_to"
	OpNotEqualTo   = "not_equal_to"
	OpGreaterThan  = "greater_than"
	OpLessThan     = "less_than"
	OpContains     = "contains"
	OpStartsWith   = "starts_with"
	OpEndsWith     = "ends_with"
	OpIsDefined    = "is_defined"
	OpIsNotDefined = "is_not_defined"
)

// Edge connects two nodes. Branch may arrive either top-level or under data.
type Edge struct {
	ID     string    `json:"id,omitempty" yaml:"id,omitempty"`
	Source string    `json:"source" yaml:"source"`
	Target string    `json:"target" yaml:"target"`
	Branch string    `json:"branch,omitempty" yaml:"branch,omitempty"`
	Label  string    `json:"label,omitempty" yaml:"label,omitempty"`
	Data   *EdgeData `json:"data,omitempty" yaml:"data,omitempty"`
}

// EdgeData is the property bag of an edge.
type EdgeData struct {
	Branch string `json:"branch,omitempty" yaml:"branch,omitempty"`
}

// BranchTag returns the edge's branch tag, preferring the top-level field.
func (e Edge) BranchTag() string {
	if e.Branch != "" {
		return e.Branch
	}
	if e.Data != nil {
		return e.Data.Branch
	}
	return ""
}

// Channel is the delivery medium a flow is previewed on.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelSMS       Channel = "sms"
	ChannelEmail     Channel = "email"
	ChannelPush      Channel = "push"
	ChannelVoice     Channel = "voice"
	ChannelSlack     Channel = "slack"
	ChannelTeams     Channel = "teams"
	ChannelTelegram  Channel = "telegram"
	ChannelInstagram Channel = "instagram"
	ChannelMessenger Channel = "messenger"
	ChannelWebchat   Channel = "webchat"
)

// DefaultChannel is used when no channel is configured.
const DefaultChannel = ChannelWhatsApp

// Channels lists every supported channel.
var Channels = []Channel{
	ChannelWhatsApp, ChannelSMS, ChannelEmail, ChannelPush, ChannelVoice,
	ChannelSlack, ChannelTeams, ChannelTelegram, ChannelInstagram,
	ChannelMessenger, ChannelWebchat,
}

// ParseChannel normalizes s and reports whether it names a known channel.
func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Channels {
		if c == known {
			return c, true
		}
	}
	return "", false
}
