package workflow

import (
	"errors"
	"fmt"
)

// PrefixKey is the reserved mapping key that receives the generated
// output-name prefix. Mapping it to a SaveImage filename_prefix field makes
// every job's outputs discoverable by name.
const PrefixKey = "output_prefix"

// ErrEmptyGraph is returned when rendering is attempted on a workflow with
// no nodes.
var ErrEmptyGraph = errors.New("workflow graph has no nodes")

// Render produces a fully-substituted copy of the graph for one job, plus
// the unique output-name prefix assigned to that job. It is pure: neither
// the graph nor the values map is mutated.
//
// Each mapping key present in values is written to all of its targets. A
// target whose node is absent from the graph is skipped; the field is simply
// left unset. Keys without a value keep the template's defaults.
func Render(g Graph, m Mapping, values map[string]any, jobID string) (Graph, string, error) {
	if len(g) == 0 {
		return nil, "", ErrEmptyGraph
	}

	prefix := outputPrefix(jobID)
	out := g.Clone()

	for key, targets := range m {
		value, ok := values[key]
		if key == PrefixKey {
			value, ok = prefix, true
		}
		if !ok {
			continue
		}
		for _, t := range targets {
			node, ok := out[t.Node]
			if !ok {
				continue
			}
			if node.Inputs == nil {
				node.Inputs = make(map[string]any)
			}
			node.Inputs[t.Field] = value
			out[t.Node] = node
		}
	}

	return out, prefix, nil
}

// Fallback builds the minimal default template used when the configured
// workflow cannot be rendered: a bare prompt-to-output chain carrying only
// the job's prompt text and output prefix.
func Fallback(values map[string]any, jobID string) (Graph, string) {
	prefix := outputPrefix(jobID)
	prompt, _ := values["prompt"].(string)

	g := Graph{
		"1": {
			ClassType: "CLIPTextEncode",
			Inputs:    map[string]any{"text": prompt},
		},
		"2": {
			ClassType: "SaveImage",
			Inputs: map[string]any{
				"filename_prefix": prefix,
				"images":          []any{"1", 0},
			},
		},
	}
	return g, prefix
}

func outputPrefix(jobID string) string {
	return fmt.Sprintf("comfyq_%s", jobID)
}
