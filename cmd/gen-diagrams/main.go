// gen-diagrams renders the onboarding example, paused at its first question,
// into docs/assets.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/chatflow/internal/clock"
	"github.com/rendis/chatflow/internal/diagram"
	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/flowfile"
)

func main() {
	flow, err := flowfile.Load(filepath.Join("examples", "onboarding", "flow.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load error: %v\n", err)
		os.Exit(1)
	}

	eng := engine.New(engine.WithClock(clock.NewMock(clock.Epoch)))
	overlay := diagram.Overlay{}
	eng.OnAll(overlay.Apply)
	eng.SetFlow(flow.Nodes, flow.Edges)
	if err := eng.StartWithVars(map[string]any{"name": "Ada"}, flow.StartNodeID); err != nil {
		fmt.Fprintf(os.Stderr, "start error: %v\n", err)
		os.Exit(1)
	}
	model := diagram.Build(eng.Compiled(), flow.Title, overlay)

	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)

	ascii := diagram.RenderASCII(model)
	os.WriteFile(filepath.Join(outDir, "diagram-ascii.txt"), []byte(ascii), 0o644)
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	mermaid := diagram.RenderMermaid(model)
	os.WriteFile(filepath.Join(outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644)
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	if dot, err := diagram.RenderDOT(model); err == nil {
		os.WriteFile(filepath.Join(outDir, "diagram.dot"), []byte(dot), 0o644)
	}

	png, imgErr := diagram.RenderImage(context.Background(), model, diagram.ImagePNG)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
		return
	}
	pngPath := filepath.Join(outDir, "diagram-sample.png")
	os.WriteFile(pngPath, png, 0o644)
	fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
}
