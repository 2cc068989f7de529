package graph

import "github.com/wiredfox/comfymw/pkg/types"

// Templates holds one workflow graph per job kind. Kept in-process
// rather than loaded per-request since graph.Prepare always clones
// before mutating.
type Templates map[types.JobKind]Graph

// DefaultTemplates returns the built-in minimal graphs for each
// supported kind. Each wires exactly one InputImageBase64-tagged load
// node and one SaveImage-like output node, the two hooks Prepare knows
// how to rewrite; everything else is an opaque placeholder a real
// deployment would replace via configuration.
func DefaultTemplates() Templates {
	return Templates{
		types.KindRemoveBackground: Graph{
			"1": &Node{
				ClassType: "LoadImageBase64",
				Inputs:    map[string]interface{}{},
				Meta:      map[string]interface{}{"title": inputImageSentinel},
			},
			"2": &Node{
				ClassType: "RemoveBackground",
				Inputs:    map[string]interface{}{"image": []interface{}{"1", 0}},
			},
			"save_remove_bg": &Node{
				ClassType: "SaveImage",
				Inputs: map[string]interface{}{
					"images":          []interface{}{"2", 0},
					"filename_prefix": "remove_bg",
				},
			},
		},
		types.KindUpscale: Graph{
			"1": &Node{
				ClassType: "LoadImageBase64",
				Inputs:    map[string]interface{}{},
				Meta:      map[string]interface{}{"title": inputImageSentinel},
			},
			"2": &Node{
				ClassType: "UpscaleImage",
				Inputs:    map[string]interface{}{"image": []interface{}{"1", 0}},
			},
			"save_upscale": &Node{
				ClassType: "SaveImage",
				Inputs: map[string]interface{}{
					"images":          []interface{}{"2", 0},
					"filename_prefix": "upscale",
				},
			},
		},
		types.KindUpscaleRemoveBG: Graph{
			"1": &Node{
				ClassType: "LoadImageBase64",
				Inputs:    map[string]interface{}{},
				Meta:      map[string]interface{}{"title": inputImageSentinel},
			},
			"2": &Node{
				ClassType: "UpscaleImage",
				Inputs:    map[string]interface{}{"image": []interface{}{"1", 0}},
			},
			"3": &Node{
				ClassType: "RemoveBackground",
				Inputs:    map[string]interface{}{"image": []interface{}{"2", 0}},
			},
			"save_final": &Node{
				ClassType: "SaveImage",
				Inputs: map[string]interface{}{
					"images":          []interface{}{"3", 0},
					"filename_prefix": "upscale_remove_bg",
				},
			},
		},
	}
}
