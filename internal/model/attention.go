package model

import (
	"encoding/json"
	"fmt"
)

type Token struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
	Step  *int   `json:"step,omitempty"`
}

// AttentionEdge is one retained entry of a head's attention matrix.
// It is encoded as a [source, target, weight] triple.
type AttentionEdge struct {
	Source int
	Target int
	Weight float64
}

func (e AttentionEdge) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{e.Source, e.Target, e.Weight})
}

func (e *AttentionEdge) UnmarshalJSON(data []byte) error {
	var raw [3]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode attention edge: %w", err)
	}
	e.Source = int(raw[0])
	e.Target = int(raw[1])
	e.Weight = raw[2]
	return nil
}

type HeadAttention struct {
	Index int             `json:"index"`
	Edges []AttentionEdge `json:"weights"`
}

type LayerAttention struct {
	Index          int             `json:"index"`
	Heads          []HeadAttention `json:"heads"`
	GenerationStep *int            `json:"generation_step,omitempty"`
}

type GenerationStep struct {
	Step       int `json:"step"`
	TokenIndex int `json:"token_index"`
	LayerIndex int `json:"layer_index"`
}

type AttentionResult struct {
	Tokens          []Token          `json:"tokens"`
	GenerationSteps []GenerationStep `json:"generation_steps,omitempty"`
	Layers          []LayerAttention `json:"layers"`
}

func IntPtr(v int) *int {
	return &v
}

// AppendStep tags layers with step, appends them and records the boundary.
func (r *AttentionResult) AppendStep(step int, layers []LayerAttention) {
	for i := range layers {
		layers[i].GenerationStep = IntPtr(step)
	}
	r.Layers = append(r.Layers, layers...)
	r.GenerationSteps = append(r.GenerationSteps, GenerationStep{
		Step:       step,
		TokenIndex: len(r.Tokens) - 1,
		LayerIndex: len(r.Layers) - 1,
	})
}
