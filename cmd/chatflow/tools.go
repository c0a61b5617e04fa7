package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rendis/chatflow/internal/diagram"
	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/flowfile"
	"github.com/rendis/chatflow/internal/simulate"
	"github.com/rendis/chatflow/internal/validation"
	"github.com/rendis/chatflow/pkg/schema"
)

// errFailed reports a command that ran but whose checks did not pass.
var errFailed = errors.New("checks failed")

// runSimulate plays a script file (or an empty script) against a flow and
// prints the results as JSON.
func runSimulate(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.SetOutput(out)
	scriptPath := fs.String("script", "", "script or suite file (YAML or JSON)")
	varsFlag := fs.String("vars", "", "initial variables as JSON, or @file (without -script)")
	maxSteps := fs.Int("max-steps", 0, "node executions before a run is stopped")
	concurrency := fs.Int("concurrency", 0, "scripts run in parallel")
	realHTTP := fs.Bool("http", false, "send api-node requests over the network")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig()
	cfg.RealHTTP = cfg.RealHTTP || *realHTTP
	logger, _ := newLogger(os.Stderr, cfg)
	opts := simulate.Options{
		Caller:      newCaller(cfg, logger),
		Logger:      logger,
		MaxSteps:    *maxSteps,
		Concurrency: *concurrency,
	}

	flowPath := fs.Arg(0)
	if *scriptPath == "" {
		flow, err := readFlow(flowPath, in)
		if err != nil {
			return err
		}
		vars, err := parseVars(*varsFlag)
		if err != nil {
			return err
		}
		res, err := simulate.Run(ctx, flow, simulate.Script{Vars: vars}, opts)
		if err != nil {
			return err
		}
		return writeJSON(out, res)
	}

	suite, err := simulate.LoadSuite(*scriptPath)
	if err != nil {
		return err
	}
	if flowPath == "" && suite.Flow != "" {
		flowPath = suite.Flow
		if !filepath.IsAbs(flowPath) {
			flowPath = filepath.Join(filepath.Dir(*scriptPath), flowPath)
		}
	}
	flow, err := readFlow(flowPath, in)
	if err != nil {
		return err
	}
	res, err := simulate.RunSuite(ctx, flow, suite.Scripts, opts)
	if err != nil {
		return err
	}
	if err := writeJSON(out, res); err != nil {
		return err
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d scripts: %w", res.Failed, len(res.Results), errFailed)
	}
	return nil
}

// runValidate lints each flow file and prints its findings.
func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(out)
	asJSON := fs.Bool("json", false, "print results as JSON")
	strict := fs.Bool("strict", false, "treat warnings as failures")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("at least one flow file is required")
	}

	v, err := validation.NewFlowValidator(nil, validation.Options{})
	if err != nil {
		return err
	}

	failed := 0
	reports := map[string]*schema.ValidationResult{}
	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read flow file: %w", err)
		}
		_, result := v.ValidateBytes(data, flowfile.FormatFromPath(path))
		reports[path] = result
		if result.Err(*strict) != nil {
			failed++
		}
		if *asJSON {
			continue
		}
		for _, issue := range result.Issues() {
			fmt.Fprintf(out, "%s: %s\n", path, issue)
		}
		if result.Valid() {
			fmt.Fprintf(out, "%s: ok (%d warnings)\n", path, len(result.Warnings))
		}
	}
	if *asJSON {
		if err := writeJSON(out, reports); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d flows: %w", failed, fs.NArg(), errFailed)
	}
	return nil
}

// runDiagram renders a flow without running it.
func runDiagram(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	fs.SetOutput(out)
	format := fs.String("format", "mermaid", "mermaid, ascii, dot, png or svg")
	output := fs.String("o", "", "write to file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := readFlow(fs.Arg(0), in)
	if err != nil {
		return err
	}
	title := flow.Title
	if title == "" {
		title = flow.ID
	}
	model := diagram.Build(engine.Compile(flow.Nodes, flow.Edges), title, nil)

	var data []byte
	switch *format {
	case "mermaid":
		data = []byte(diagram.RenderMermaid(model))
	case "ascii":
		data = []byte(diagram.RenderASCII(model))
	case "dot":
		src, err := diagram.RenderDOT(model)
		if err != nil {
			return err
		}
		data = []byte(src)
	case "png", "svg":
		if *output == "" {
			return fmt.Errorf("%s output needs -o", *format)
		}
		if data, err = diagram.RenderImage(ctx, model, diagram.ImageFormat(*format)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q", *format)
	}

	if *output == "" {
		_, err := out.Write(data)
		return err
	}
	return os.WriteFile(*output, data, 0o644)
}
