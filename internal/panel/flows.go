package panel

import (
	"net/http"

	"github.com/rendis/chatflow/internal/diagram"
	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/simulate"
)

// handleValidate lints a flow. The response is 200 whether or not the flow
// is valid; clients read "valid".
func (s *PanelServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body flowSource
	if err := decodeJSON(r, &body); err != nil {
		writeFlowError(w, err)
		return
	}
	data, format, err := body.bytes()
	if err != nil {
		writeFlowError(w, err)
		return
	}

	_, result := s.deps.Validator.ValidateBytes(data, format)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordValidation(result)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

type simulateRequest struct {
	flowSource
	Script  *simulate.Script  `json:"script,omitempty"`
	Scripts []simulate.Script `json:"scripts,omitempty"`
}

// handleSimulate plays one script, or a suite when "scripts" is given.
func (s *PanelServer) handleSimulate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body simulateRequest
	if err := decodeJSON(r, &body); err != nil {
		writeFlowError(w, err)
		return
	}
	flow, err := body.load()
	if err != nil {
		writeFlowError(w, err)
		return
	}

	if len(body.Scripts) > 0 {
		out, err := simulate.RunSuite(ctx, flow, body.Scripts, s.deps.Simulate)
		if err != nil {
			writeFlowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	var script simulate.Script
	if body.Script != nil {
		script = *body.Script
	}
	res, err := simulate.Run(ctx, flow, script, s.deps.Simulate)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type diagramRequest struct {
	flowSource
	Output string `json:"output,omitempty"`
}

// handleDiagram renders a flow without running it.
func (s *PanelServer) handleDiagram(w http.ResponseWriter, r *http.Request) {
	var body diagramRequest
	if err := decodeJSON(r, &body); err != nil {
		writeFlowError(w, err)
		return
	}
	flow, err := body.load()
	if err != nil {
		writeFlowError(w, err)
		return
	}

	title := flow.Title
	if title == "" {
		title = flow.ID
	}
	model := diagram.Build(engine.Compile(flow.Nodes, flow.Edges), title, nil)
	output := body.Output
	if output == "" {
		output = r.URL.Query().Get("format")
	}
	s.writeDiagram(w, r, model, output)
}

// writeDiagram writes model as mermaid (the default), dot, ascii, png or svg.
func (s *PanelServer) writeDiagram(w http.ResponseWriter, r *http.Request, model *diagram.DiagramModel, output string) {
	switch output {
	case "", "mermaid":
		writeText(w, "text/plain; charset=utf-8", diagram.RenderMermaid(model))
	case "ascii":
		writeText(w, "text/plain; charset=utf-8", diagram.RenderASCII(model))
	case "dot":
		src, err := diagram.RenderDOT(model)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeText(w, "text/vnd.graphviz", src)
	case "png", "svg":
		img, err := diagram.RenderImage(r.Context(), model, diagram.ImageFormat(output))
		if err != nil {
			s.deps.Logger.Error("diagram render failed", "format", output, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		ct := "image/png"
		if output == "svg" {
			ct = "image/svg+xml"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(http.StatusOK)
		w.Write(img)
	default:
		writeError(w, http.StatusBadRequest, "unknown diagram format "+output)
	}
}

func writeText(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}
