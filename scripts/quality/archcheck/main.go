package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
)

const modulePrefix = "forcesub-bot/"

// listFormat prints one package per line: path, then import, test import and
// external test import lists separated by tabs.
const listFormat = `{{.ImportPath}}{{"\t"}}{{join .Imports " "}}{{"\t"}}{{join .TestImports " "}}{{"\t"}}{{join .XTestImports " "}}`

// layer names a slice of the tree that the rules reason about.
type layer string

const (
	layerOutside  layer = ""
	layerContract layer = "pkg"
	layerKernel   layer = "kernel"
	layerDriver   layer = "driver"
	layerStore    layer = "store"
	layerInternal layer = "internal"
	layerModule   layer = "modules"
	layerCommand  layer = "cmd"
)

// edge is one first-party import.
type edge struct {
	from string
	to   string
}

type rule struct {
	from   layer
	allows func(from, to string, toLayer layer) bool
	reason string
}

var rules = []rule{
	{
		from:   layerContract,
		allows: func(_, _ string, to layer) bool { return to == layerContract },
		reason: "contracts under pkg/ import only other contracts",
	},
	{
		from:   layerKernel,
		allows: func(_, _ string, to layer) bool { return to != layerDriver && to != layerModule },
		reason: "the kernel never depends on a concrete driver or module",
	},
	{
		from:   layerStore,
		allows: func(_, _ string, to layer) bool { return to == layerContract || to == layerStore },
		reason: "storage implements contracts and nothing else",
	},
	{
		from:   layerDriver,
		allows: func(_, _ string, to layer) bool { return to != layerModule },
		reason: "drivers never import modules",
	},
	{
		from:   layerInternal,
		allows: func(_, _ string, to layer) bool { return to != layerModule },
		reason: "internal services never import modules",
	},
	{
		from: layerModule,
		allows: func(from, to string, toLayer layer) bool {
			switch toLayer {
			case layerContract:
				return true
			case layerModule:
				return moduleRoot(from) == moduleRoot(to)
			default:
				return false
			}
		},
		reason: "modules see only contracts and their own subpackages",
	},
}

func main() {
	edges, err := listEdges()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	violations := collectViolations(edges)
	if len(violations) == 0 {
		fmt.Fprintln(os.Stdout, "arch-check: layering ok")
		return
	}

	fmt.Fprintf(os.Stdout, "arch-check: %d layering violations\n", len(violations))
	for _, violation := range violations {
		fmt.Fprintf(os.Stdout, "  %s\n", violation)
	}
	os.Exit(1)
}

func listEdges() ([]edge, error) {
	cmd := exec.Command("go", "list", "-f", listFormat, "./...")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go list: %w", err)
	}

	return parseEdges(&stdout)
}

// parseEdges reads listFormat lines and keeps imports inside this module.
func parseEdges(r io.Reader) ([]edge, error) {
	var edges []edge
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		from, lists, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("malformed go list line %q", line)
		}
		for _, imported := range strings.Fields(lists) {
			if strings.HasPrefix(imported, modulePrefix) {
				edges = append(edges, edge{from: from, to: imported})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read go list output: %w", err)
	}

	return edges, nil
}

// collectViolations returns sorted, de-duplicated rule breaks.
func collectViolations(edges []edge) []string {
	var violations []string
	for _, e := range edges {
		reason := violationReason(e.from, e.to)
		if reason == "" {
			continue
		}
		violations = append(violations, fmt.Sprintf("%s -> %s: %s", e.from, e.to, reason))
	}
	slices.Sort(violations)

	return slices.Compact(violations)
}

func violationReason(importer, imported string) string {
	toLayer := layerOf(imported)
	if toLayer == layerOutside {
		return ""
	}

	fromLayer := layerOf(importer)
	for _, r := range rules {
		if r.from == fromLayer && !r.allows(importer, imported, toLayer) {
			return r.reason
		}
	}

	return ""
}

func layerOf(importPath string) layer {
	rest, ok := strings.CutPrefix(importPath, modulePrefix)
	if !ok {
		return layerOutside
	}

	switch {
	case hasSegmentPrefix(rest, "pkg"):
		return layerContract
	case hasSegmentPrefix(rest, "internal/kernel"):
		return layerKernel
	case hasSegmentPrefix(rest, "internal/driver"):
		return layerDriver
	case hasSegmentPrefix(rest, "internal/store"):
		return layerStore
	case hasSegmentPrefix(rest, "internal"):
		return layerInternal
	case hasSegmentPrefix(rest, "modules"):
		return layerModule
	default:
		return layerCommand
	}
}

func hasSegmentPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// moduleRoot trims an import path to its modules/<name> prefix.
func moduleRoot(importPath string) string {
	rest := strings.TrimPrefix(importPath, modulePrefix+"modules/")
	name, _, _ := strings.Cut(rest, "/")

	return name
}
