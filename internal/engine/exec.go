package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/rendis/chatflow/internal/channel"
	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/logging"
	"github.com/rendis/chatflow/internal/netcall"
	"github.com/rendis/chatflow/pkg/schema"
)

type outcome int

const (
	outcomeSync outcome = iota
	outcomeAsync
	outcomeWait
)

const traceTextMax = 40

var (
	truthyBranches = []string{"true", "yes", "1"}
	falsyBranches  = []string{"false", "no", "0", "else", "default"}
)

func (e *Engine) execMessage(n *RuntimeNode) (outcome, error) {
	text := pickMessage(n.Data)
	e.botMessage(expressions.RenderTemplate(text, e.vars), n.Data.QuickReplies)
	e.trace(n.ID, `message("`+truncate(text, traceTextMax)+`")`)
	e.enqueueNext(n.ID)
	return outcomeSync, nil
}

func (e *Engine) execAsk(n *RuntimeNode) (outcome, error) {
	varName := strings.TrimSpace(n.Data.VarName)
	if varName == "" {
		varName = DefaultAskVar
	}

	prompt := n.Data.Prompt
	if prompt == "" {
		prompt = n.Data.Text
	}
	if prompt != "" {
		e.botMessage(expressions.RenderTemplate(prompt, e.vars), n.Data.QuickReplies)
	}

	e.waiting = &Waiting{NodeID: n.ID, VarName: varName}
	e.setStatus(schema.StatusWaiting)
	e.emit(schema.EventWaitingForInput, schema.WaitingEvent{NodeID: n.ID, VarName: varName})
	e.trace(n.ID, `ask("`+varName+`")`)
	return outcomeWait, nil
}

func (e *Engine) execCondition(n *RuntimeNode) (outcome, error) {
	expression := strings.TrimSpace(n.Data.Expression)
	if expression == "" && len(n.Data.Groups) > 0 {
		expression = expressions.BuildGroupExpression(n.Data.Groups)
	}

	result, err := e.eval.Condition(e.runCtx, n.Data.Language, expression, e.vars)
	if err != nil {
		e.logger.Debug("condition evaluated to false",
			slog.String("node_id", n.ID),
			slog.String("expression", expression),
			slog.String("error", err.Error()))
		result = false
	}

	e.trace(n.ID, fmt.Sprintf("condition(%t)", result))
	if target, ok := ChooseBranch(e.compiled.Next[n.ID], result); ok {
		e.queue = append(e.queue, target)
	}
	return outcomeSync, nil
}

// ChooseBranch picks the link whose branch or label names result, falling
// back to link 0 for true and link 1 for false.
func ChooseBranch(links []Link, result bool) (string, bool) {
	match, fallback := IsFalsyBranch, 1
	if result {
		match, fallback = IsTruthyBranch, 0
	}
	for _, l := range links {
		if match(l.Branch) || match(l.Label) {
			return l.To, true
		}
	}
	if fallback < len(links) {
		return links[fallback].To, true
	}
	return "", false
}

// IsTruthyBranch reports whether tag names the true outcome.
func IsTruthyBranch(tag string) bool { return matchesBranch(tag, truthyBranches) }

// IsFalsyBranch reports whether tag names the false outcome.
func IsFalsyBranch(tag string) bool { return matchesBranch(tag, falsyBranches) }

func matchesBranch(tag string, want []string) bool {
	if tag == "" {
		return false
	}
	return slices.Contains(want, strings.ToLower(strings.TrimSpace(tag)))
}

func (e *Engine) execDelay(n *RuntimeNode) (outcome, error) {
	d := expressions.ParseDelay(n.Data.DelaySpec())
	s := &suspension{nodeID: n.ID, kind: suspendTimer}
	if err := e.suspend(s); err != nil {
		return outcomeSync, err
	}

	epoch := e.epoch
	s.handle = e.clk.Schedule(d, func() { e.fireDelay(epoch, s, d.Milliseconds()) })
	e.timers[s.handle] = struct{}{}
	return outcomeAsync, nil
}

func (e *Engine) fireDelay(epoch uint64, s *suspension, ms int64) {
	e.mu.Lock()
	delete(e.timers, s.handle)
	if epoch != e.epoch || e.susp != s || e.status != schema.StatusRunning {
		e.unlockAndDispatch()
		return
	}
	e.susp = nil
	e.trace(s.nodeID, fmt.Sprintf("delay %dms", ms))
	e.enqueueNext(s.nodeID)
	e.drain()
	e.unlockAndDispatch()
}

func (e *Engine) execAPI(n *RuntimeNode) (outcome, error) {
	spec := n.Data.Request()
	req := e.buildRequest(spec)

	s := &suspension{nodeID: n.ID, kind: suspendNetwork}
	if err := e.suspend(s); err != nil {
		return outcomeSync, err
	}

	epoch, ctx, caller := e.epoch, e.runCtx, e.caller
	timeout := expressions.ParseDelay(spec.Timeout)
	ctx = logging.WithNodeID(ctx, n.ID)

	e.callStarted()
	go func() {
		defer e.callFinished()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		resp, err := safeCall(ctx, caller, req)
		e.completeAPI(epoch, s, spec, req, resp, err)
	}()
	return outcomeAsync, nil
}

func safeCall(ctx context.Context, caller netcall.Caller, req netcall.Request) (resp *netcall.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "caller panicked: %v", r)
		}
	}()
	return caller.Call(ctx, req)
}

// buildRequest renders url, header values and body against the variables.
func (e *Engine) buildRequest(spec schema.APISpec) netcall.Request {
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = "POST"
	}
	headers := make([]schema.Header, 0, len(spec.Headers))
	for _, h := range spec.Headers {
		headers = append(headers, schema.Header{Key: h.Key, Value: expressions.RenderTemplate(h.Value, e.vars)})
	}
	return netcall.Request{
		URL:     expressions.RenderTemplate(spec.URL, e.vars),
		Method:  method,
		Headers: headers,
		Body:    expressions.RenderValue(spec.Body, e.vars),
	}
}

func (e *Engine) completeAPI(epoch uint64, s *suspension, spec schema.APISpec, req netcall.Request, resp *netcall.Response, err error) {
	e.mu.Lock()
	if epoch != e.epoch || e.susp != s || e.status != schema.StatusRunning {
		e.logger.Debug("discarding stale api result", slog.String("node_id", s.nodeID))
		e.unlockAndDispatch()
		return
	}
	e.susp = nil

	if err == nil && resp == nil {
		err = schema.NewError(schema.ErrCodeNetwork, "caller returned no response")
	}
	if err != nil {
		e.logger.Warn("api call failed",
			slog.String("node_id", s.nodeID),
			slog.String("url", req.URL),
			slog.String("error", err.Error()))
		e.trace(s.nodeID, "api error: "+errorMessage(err))
		if e.apiErrorEvents {
			e.emit(schema.EventError, schema.ErrorEvent{NodeID: s.nodeID, Message: errorMessage(err)})
		}
		e.drain()
		e.unlockAndDispatch()
		return
	}

	result := resp.AsMap()
	e.vars[VarLastAPIResponse] = result
	if spec.AssignTo != "" {
		e.assignResponse(s.nodeID, spec, resp, result)
	}
	e.trace(s.nodeID, fmt.Sprintf("api %s %s → %d", req.Method, req.URL, resp.StatusCode))
	e.enqueueNext(s.nodeID)
	e.drain()
	e.unlockAndDispatch()
}

// assignResponse stores the response, or the jq extract of its body, under
// the node's assignTo variable.
func (e *Engine) assignResponse(nodeID string, spec schema.APISpec, resp *netcall.Response, result map[string]any) {
	if spec.Extract == "" {
		e.vars[spec.AssignTo] = result
		return
	}
	v, err := e.eval.Extract(e.runCtx, spec.Extract, resp.Body)
	if err != nil {
		e.trace(nodeID, "api extract error: "+errorMessage(err))
		return
	}
	e.vars[spec.AssignTo] = v
}

func (e *Engine) botMessage(text string, buttons []schema.QuickReply) {
	e.emit(schema.EventBotMessage, schema.BotMessage{
		ID:      e.newID(),
		Text:    text,
		Channel: e.channel,
		Actions: schema.MessageActions{Buttons: slices.Clone(buttons)},
		Meta:    channel.Describe(e.channel, text, buttons, channel.Options{WhatsAppContext: e.waContext}),
	})
}

// pickMessage returns the node's text, else its label, else "...".
func pickMessage(d schema.NodeData) string {
	if d.Text != "" {
		return d.Text
	}
	if d.Label != "" {
		return d.Label
	}
	return "..."
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
