// Package graph prepares a per-kind workflow template for submission:
// deep-copying it and rewriting the two semantic hooks the execution
// protocol is allowed to know about — the InputImageBase64 sentinel
// and the SaveImage-like output node. Everything else about the graph
// is opaque.
package graph

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wiredfox/comfymw/pkg/types"
)

// Node is one entry in a graph's opaque node map: a class name plus a
// free-form input set, matching the shape the upstream worker's /prompt
// endpoint expects.
type Node struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
	Meta      map[string]interface{} `json:"_meta,omitempty"`
}

// Graph is the opaque node-id -> Node map submitted as a job's prompt.
type Graph map[string]*Node

const (
	inputImageSentinel = "InputImageBase64"
	saveImageClass     = "SaveImage"
)

// Clone deep-copies a template graph so per-submission rewrites never
// mutate the shared template.
func Clone(template Graph) (Graph, error) {
	raw, err := json.Marshal(template)
	if err != nil {
		return nil, fmt.Errorf("graph: marshal template: %w", err)
	}
	var out Graph
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("graph: unmarshal template: %w", err)
	}
	return out, nil
}

// Prepare clones a template and rewrites it for one submission: the
// image bytes are written into every InputImageBase64-tagged node, and
// every SaveImage-like node's filename_prefix is suffixed with a
// per-submission token so the upstream worker's own result cache never
// serves a stale image for a fresh request.
func Prepare(template Graph, imageBase64 string, jobID types.JobID, now time.Time) (Graph, error) {
	g, err := Clone(template)
	if err != nil {
		return nil, err
	}

	stripped := stripDataURLPrefix(imageBase64)
	token := fmt.Sprintf("job_%s_%d", jobID, now.UnixNano())

	for _, node := range g {
		if nodeWantsInputImage(node) {
			node.Inputs["image"] = stripped
		}
		if isSaveImageLike(node) {
			prefix, _ := node.Inputs["filename_prefix"].(string)
			node.Inputs["filename_prefix"] = prefix + "_" + token
		}
	}

	return g, nil
}

func nodeWantsInputImage(n *Node) bool {
	if n.Meta == nil {
		return false
	}
	name, _ := n.Meta["title"].(string)
	return name == inputImageSentinel
}

func isSaveImageLike(n *Node) bool {
	return strings.Contains(n.ClassType, saveImageClass)
}

func stripDataURLPrefix(s string) string {
	if idx := strings.Index(s, ","); idx != -1 && strings.HasPrefix(s, "data:") {
		return s[idx+1:]
	}
	return s
}

// TargetNodeID returns the output node id a given job kind's template
// is expected to emit its final image from, used by the history lookup
// to prefer the intended node before falling back to the first node
// that actually has images.
func TargetNodeID(kind types.JobKind) string {
	switch kind {
	case types.KindRemoveBackground:
		return "save_remove_bg"
	case types.KindUpscale:
		return "save_upscale"
	case types.KindUpscaleRemoveBG:
		return "save_final"
	default:
		return ""
	}
}
