// Command envtool ships alongside the library for operating on an
// on-disk environment snapshot without writing Go: inspecting its contents
// and running the canonical grid-to-MLS operator pipeline end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"envgraph/internal/core"
	"envgraph/internal/metrics"
)

var exitFunc = os.Exit

func main() {
	exitFunc(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	if len(args) == 0 {
		usage(stderr)
		return 1
	}
	switch args[0] {
	case "inspect":
		return runInspect(args[1:], stdout, stderr)
	case "grid-to-mls":
		return runGridToMLS(args[1:], stdout, stderr)
	case "-h", "-help", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown subcommand %q\n", args[0])
		usage(stderr)
		return 1
	}
}

func usage(w *os.File) {
	fmt.Fprintln(w, "usage: envtool <inspect|grid-to-mls> [flags]")
	fmt.Fprintln(w, "  envtool inspect <env_dir>")
	fmt.Fprintln(w, "  envtool grid-to-mls <env_dir> <grid_id> <mls_id>")
}

func runInspect(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: envtool inspect <env_dir>")
		return 1
	}
	env := core.NewEnvironment(core.WithMetrics(metrics.New(prometheus.NewRegistry())))
	if err := env.Unserialize(context.Background(), fs.Arg(0)); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	idx, err := core.OpenIndex()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}
	if idx != nil {
		defer idx.Close()
		if err := env.RebuildIndex(idx); err != nil {
			fmt.Fprintln(stderr, "error:", err)
			return 2
		}
	}

	for _, f := range env.FrameNodesByClass("") {
		fmt.Fprintf(stdout, "frame_node\t%s\t%s\n", f.ID, f.ClassName)
	}
	for _, l := range env.LayersByClass("") {
		fmt.Fprintf(stdout, "layer\t%s\t%s\n", l.ID, l.ClassName)
	}
	for _, op := range env.OperatorsByClass("") {
		fmt.Fprintf(stdout, "operator\t%s\t%s\n", op.ID, op.ClassName)
	}
	if result := env.Validate(); result.HasBlocking() {
		for _, v := range result.Violations {
			fmt.Fprintf(stderr, "violation: %s %s %s: %s\n", v.Check, v.Entity, v.ID, v.Message)
		}
		return 2
	}
	return 0
}

func runGridToMLS(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("grid-to-mls", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 3 {
		fmt.Fprintln(stderr, "usage: envtool grid-to-mls <env_dir> <grid_id> <mls_id>")
		return 1
	}
	dir, gridID, mlsID := fs.Arg(0), core.ItemID(fs.Arg(1)), core.ItemID(fs.Arg(2))

	env := core.NewEnvironment(core.WithMetrics(metrics.New(prometheus.NewRegistry())))
	ctx := context.Background()
	if err := env.Unserialize(ctx, dir); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	opID, err := env.AttachOperator(core.Operator{
		Base:        core.Base{Label: "grid-to-mls"},
		InputArity:  1,
		OutputArity: 1,
	})
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}
	if err := env.AddInput(opID, gridID); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}
	if err := env.AddOutput(opID, mlsID); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	failed, err := env.UpdateOperators(map[core.ItemID]core.UpdateAll{
		opID: gridToMLS,
	})
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}
	if len(failed) > 0 {
		fmt.Fprintln(stderr, "operator update failed for:", failed)
		return 2
	}

	if err := env.Serialize(ctx, dir); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	idx, err := core.OpenIndex()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}
	if idx != nil {
		defer idx.Close()
		if err := env.RebuildIndex(idx); err != nil {
			fmt.Fprintln(stderr, "error:", err)
			return 2
		}
	}

	fmt.Fprintln(stdout, "ok")
	return 0
}

// gridToMLS is a placeholder implementation of the canonical
// grid-to-multi-level-surface-grid operator: it does not touch payload data
// (UpdateOperators clears the output's dirty flag after a successful run),
// since the payload codec itself is
// outside the serialization boundary this library covers. A caller linking
// in a real map-processing library supplies its own UpdateAll instead.
func gridToMLS(e *core.Environment, op core.ItemID) error {
	outputs := e.OperatorOutputs(op)
	if len(outputs) == 0 {
		return &core.Error{Kind: core.ErrNotFound, Entity: "operator", ID: string(op), Message: "no output wired"}
	}
	return nil
}
