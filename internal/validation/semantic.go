package validation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/chatflow/internal/channel"
	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/netcall"
	"github.com/rendis/chatflow/pkg/schema"
)

// Issue codes reported by the semantic and graph stages.
const (
	CodeDuplicateID       = "DUPLICATE_ID"
	CodeEmptyID           = "EMPTY_ID"
	CodeUnknownKind       = "UNKNOWN_KIND"
	CodeKeywordKind       = "KEYWORD_KIND"
	CodeEmptyMessage      = "EMPTY_MESSAGE"
	CodeBadExpression     = "BAD_EXPRESSION"
	CodeEmptyCondition    = "EMPTY_CONDITION"
	CodeBadDelay          = "BAD_DELAY"
	CodeBadRequest        = "BAD_REQUEST"
	CodeBadVariable       = "BAD_VARIABLE"
	CodeChannelLimit      = "CHANNEL_LIMIT"
	CodeDanglingEdge      = "DANGLING_EDGE"
	CodeUnreachable       = "UNREACHABLE_NODE"
	CodeNoEntry           = "NO_ENTRY_POINT"
	CodeBadStart          = "BAD_START_NODE"
	CodeBusyLoop          = "BUSY_LOOP"
	CodeMissingBranch     = "MISSING_BRANCH"
	CodeUnusedBranchLabel = "UNUSED_BRANCH_LABEL"
)

// validateSemantic checks each node on its own: ids, classification,
// expressions, delays, requests and channel limits.
func validateSemantic(flow *schema.Flow, c *engine.Compiled, ev *expressions.Evaluator, opts Options) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]int, len(flow.Nodes))
	for i, n := range flow.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			result.AddError(path+".id", CodeEmptyID, "node has no id and is ignored")
			continue
		}
		if first, dup := seen[n.ID]; dup {
			result.AddError(path+".id", CodeDuplicateID,
				fmt.Sprintf("duplicate node id %q (first defined at nodes[%d]); only the first definition runs", n.ID, first))
			continue
		}
		seen[n.ID] = i

		rn := c.Nodes[n.ID]
		if rn == nil {
			continue
		}
		validateNode(rn, path, ev, flow.Channel, opts, result)
	}
	return result
}

func validateNode(rn *engine.RuntimeNode, path string, ev *expressions.Evaluator, ch schema.Channel, opts Options, result *schema.ValidationResult) {
	d := rn.Data

	switch rn.ClassifiedBy {
	case engine.ClassifiedByNone:
		result.AddWarning(path+".type", CodeUnknownKind,
			fmt.Sprintf("node %q of type %q is not executable and passes straight through", rn.ID, rn.Tag))
	case engine.ClassifiedByKeyword:
		result.AddWarning(path+".type", CodeKeywordKind,
			fmt.Sprintf("type %q was guessed as %s from its name", rn.Tag, rn.Kind))
	}

	switch rn.Kind {
	case schema.KindMessage:
		if strings.TrimSpace(d.Text) == "" && strings.TrimSpace(d.Label) == "" {
			result.AddWarning(path+".data.text", CodeEmptyMessage, "message has no text or label; \"...\" is sent")
		}
		checkTemplates(d.Text, path+".data.text", result)
		checkChannel(d.Text, d.QuickReplies, path, ch, opts, result)

	case schema.KindAsk:
		if d.VarName != "" && !isIdentPath(d.VarName) {
			result.AddError(path+".data.varName", CodeBadVariable,
				fmt.Sprintf("varName %q is not a valid variable name", d.VarName))
		}
		prompt := d.Prompt
		if prompt == "" {
			prompt = d.Text
		}
		checkTemplates(prompt, path+".data.prompt", result)
		checkChannel(prompt, d.QuickReplies, path, ch, opts, result)

	case schema.KindCondition:
		expr := d.Expression
		language := d.Language
		if expr == "" {
			expr = expressions.BuildGroupExpression(d.Groups)
			language = expressions.DialectExpr
		}
		if strings.TrimSpace(expr) == "" {
			result.AddWarning(path+".data.expression", CodeEmptyCondition, "condition is empty and always takes the false branch")
			return
		}
		if err := ev.Check(language, expr); err != nil {
			result.AddError(path+".data.expression", CodeBadExpression,
				fmt.Sprintf("condition does not compile and always evaluates false: %v", err))
		}

	case schema.KindDelay:
		spec := d.DelaySpec()
		if spec != nil && spec != "" && expressions.ParseDelay(spec) == 0 {
			result.AddWarning(path+".data.delay", CodeBadDelay,
				fmt.Sprintf("delay %v parses as zero", spec))
		}

	case schema.KindAPI:
		req := d.Request()
		switch {
		case strings.TrimSpace(req.URL) == "":
			result.AddError(path+".data.api.url", CodeBadRequest, "api node has no url")
		case !strings.Contains(req.URL, "{{"):
			if err := netcall.ValidateURL(req.URL); err != nil {
				result.AddError(path+".data.api.url", CodeBadRequest, err.Error())
			}
		}
		checkTemplates(req.URL, path+".data.api.url", result)
		if req.Extract != "" {
			if err := ev.Check("jq", req.Extract); err != nil {
				result.AddError(path+".data.api.extract", CodeBadExpression,
					fmt.Sprintf("extract is not valid jq: %v", err))
			}
		}
		if req.AssignTo != "" && !isIdentPath(req.AssignTo) {
			result.AddError(path+".data.api.assignTo", CodeBadVariable,
				fmt.Sprintf("assignTo %q is not a valid variable name", req.AssignTo))
		}
		if req.Timeout != "" && expressions.ParseDelay(req.Timeout) == 0 {
			result.AddWarning(path+".data.api.timeout", CodeBadDelay,
				fmt.Sprintf("timeout %q parses as zero; the default applies", req.Timeout))
		}
	}
}

// checkTemplates flags placeholders with empty path segments; those never
// resolve and render as empty strings.
func checkTemplates(text, path string, result *schema.ValidationResult) {
	for _, p := range expressions.TemplatePaths(text) {
		if slices.Contains(strings.Split(p, "."), "") {
			result.AddWarning(path, CodeBadVariable,
				fmt.Sprintf("placeholder {{%s}} has an empty path segment and renders empty", p))
		}
	}
}

func checkChannel(text string, buttons []schema.QuickReply, path string, ch schema.Channel, opts Options, result *schema.ValidationResult) {
	if ch == "" {
		ch = schema.DefaultChannel
	}
	meta := channel.Describe(ch, text, buttons, channel.Options{WhatsAppContext: opts.WhatsAppContext})
	if meta == nil {
		return
	}
	for _, w := range meta.Warnings {
		result.AddWarning(path+".data", CodeChannelLimit, w)
	}
}

// isIdentPath reports whether s is a dotted path of identifier segments.
func isIdentPath(s string) bool {
	if s == "" {
		return false
	}
	for _, seg := range strings.Split(s, ".") {
		if seg == "" {
			return false
		}
		for i, r := range seg {
			ok := r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9')
			if !ok {
				return false
			}
		}
	}
	return true
}
