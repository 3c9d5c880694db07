// Package workflow loads ComfyUI API-format workflow graphs and the
// parameter-mapping table, and renders per-job copies of the graph with the
// job's input values substituted into the mapped node fields.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Graph is an opaque ComfyUI API-format workflow: node id → node. ComfyQ
// never interprets node semantics; it only edits the input fields named by
// the parameter mapping.
type Graph map[string]Node

// Node is a single workflow node with editable input fields.
type Node struct {
	ClassType string          `json:"class_type"`
	Inputs    map[string]any  `json:"inputs"`
	Meta      json.RawMessage `json:"_meta,omitempty"`
}

// Target names one editable field inside the workflow graph.
type Target struct {
	Node  string `yaml:"node" json:"node"`
	Field string `yaml:"field" json:"field"`
}

// Mapping translates named input values into workflow fields. One key may
// fan out to several targets (e.g. the same prompt text feeding two
// encoders). Loaded once at startup; immutable afterwards.
type Mapping map[string][]Target

// LoadGraph reads an API-format workflow JSON file.
func LoadGraph(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}

	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	if len(g) == 0 {
		return nil, fmt.Errorf("workflow %s contains no nodes", path)
	}
	return g, nil
}

// LoadMapping reads the parameter-mapping YAML file.
func LoadMapping(path string) (Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read parameter map %s: %w", path, err)
	}

	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse parameter map %s: %w", path, err)
	}
	return m, nil
}

// Clone returns a copy of the graph that is safe to edit. Node input maps
// are copied; field values are replaced wholesale during rendering, so the
// nested link slices they may contain are never mutated and can be shared.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for id, node := range g {
		inputs := make(map[string]any, len(node.Inputs))
		for k, v := range node.Inputs {
			inputs[k] = v
		}
		node.Inputs = inputs
		out[id] = node
	}
	return out
}
