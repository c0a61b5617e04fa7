// Package lambdatransport serves flow simulation and validation behind API
// Gateway HTTP APIs.
package lambdatransport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/rendis/chatflow/internal/flowfile"
	"github.com/rendis/chatflow/internal/simulate"
	"github.com/rendis/chatflow/internal/validation"
	"github.com/rendis/chatflow/pkg/schema"
)

// Request carries a flow and, for simulation, the scripts to play.
type Request struct {
	Flow    json.RawMessage   `json:"flow,omitempty"`
	Source  string            `json:"source,omitempty"`
	Format  flowfile.Format   `json:"format,omitempty"`
	Script  *simulate.Script  `json:"script,omitempty"`
	Scripts []simulate.Script `json:"scripts,omitempty"`
}

type Handler struct {
	validator *validation.FlowValidator
	opts      simulate.Options
}

func NewHandler(v *validation.FlowValidator, opts simulate.Options) *Handler {
	return &Handler{validator: v, opts: opts}
}

// Handle routes on the last path segment: ".../validate" lints the flow,
// anything else simulates it.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	body, err := readBody(req)
	if err != nil {
		return jsonResp(http.StatusBadRequest, map[string]any{"error": "invalid body", "details": err.Error()}), nil
	}

	var in Request
	if err := json.Unmarshal(body, &in); err != nil {
		return jsonResp(http.StatusBadRequest, map[string]any{"error": "invalid json", "details": err.Error()}), nil
	}
	data, format, err := in.flowBytes()
	if err != nil {
		return errorResp(err), nil
	}

	if strings.HasSuffix(strings.TrimRight(req.RawPath, "/"), "/validate") {
		return h.validate(data, format), nil
	}
	return h.simulate(ctx, data, format, in), nil
}

func (h *Handler) validate(data []byte, format flowfile.Format) events.APIGatewayV2HTTPResponse {
	_, result := h.validator.ValidateBytes(data, format)
	return jsonResp(http.StatusOK, map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

func (h *Handler) simulate(ctx context.Context, data []byte, format flowfile.Format, in Request) events.APIGatewayV2HTTPResponse {
	flow, err := flowfile.Parse(data, format)
	if err != nil {
		return errorResp(schema.NewError(schema.ErrCodeValidation, "invalid flow").WithCause(err))
	}

	if len(in.Scripts) > 0 {
		out, err := simulate.RunSuite(ctx, flow, in.Scripts, h.opts)
		if err != nil {
			return errorResp(err)
		}
		return jsonResp(http.StatusOK, out)
	}

	var script simulate.Script
	if in.Script != nil {
		script = *in.Script
	}
	res, err := simulate.Run(ctx, flow, script, h.opts)
	if err != nil {
		return errorResp(err)
	}
	return jsonResp(http.StatusOK, res)
}

func (r Request) flowBytes() ([]byte, flowfile.Format, error) {
	switch {
	case len(r.Flow) > 0:
		return r.Flow, flowfile.FormatJSON, nil
	case r.Source != "":
		format := r.Format
		if format == "" {
			format = flowfile.Sniff([]byte(r.Source))
		}
		return []byte(r.Source), format, nil
	}
	return nil, "", schema.NewError(schema.ErrCodeValidation, "flow or source is required")
}

func readBody(req events.APIGatewayV2HTTPRequest) ([]byte, error) {
	if req.IsBase64Encoded {
		return base64.StdEncoding.DecodeString(req.Body)
	}
	return []byte(req.Body), nil
}

func jsonResp(status int, body any) events.APIGatewayV2HTTPResponse {
	b, _ := json.Marshal(body)
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    map[string]string{"content-type": "application/json"},
		Body:       string(b),
	}
}

func errorResp(err error) events.APIGatewayV2HTTPResponse {
	body := map[string]any{"error": err.Error()}
	code := schema.ErrorCode(err)
	if code != "" {
		body["code"] = code
	}
	status := http.StatusInternalServerError
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeNoFlow:
		status = http.StatusBadRequest
	case schema.ErrCodeTimeout, schema.ErrCodeCancelled:
		status = http.StatusGatewayTimeout
	}
	return jsonResp(status, body)
}
