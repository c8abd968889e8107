package core

import (
	"encoding/json"
	"fmt"
)

// ModelArgs is the configuration of a model. The json tags are the wire names
// used both in create requests and in the stored args record, so a stored
// record round-trips through this struct unchanged.
type ModelArgs struct {
	Task        string `json:"task"`
	ModelName   string `json:"model_name"`
	InputColumn string `json:"input_column"`
	Target      string `json:"target,omitempty"`

	// Resolved during model preparation, not accepted from clients.
	TaskProper string            `json:"task_proper,omitempty"`
	LabelsMap  map[string]string `json:"labels_map,omitempty"`

	CandidateLabels []string `json:"candidate_labels,omitempty"`
	LangInput       string   `json:"lang_input,omitempty"`
	LangOutput      string   `json:"lang_output,omitempty"`
	MinOutputLength int      `json:"min_output_length,omitempty"`
	MaxOutputLength int      `json:"max_output_length,omitempty"`

	Labels           []string `json:"labels,omitempty"`
	MaxLength        int      `json:"max_length,omitempty"`
	TruncationPolicy string   `json:"truncation_policy,omitempty"`

	TopK      int `json:"top_k,omitempty"`
	BatchSize int `json:"batch_size,omitempty"`
}

func DecodeModelArgs(raw map[string]any) (*ModelArgs, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("error encoding args: %w", err)
	}
	var args ModelArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("invalid argument types: %w", err)
	}
	return &args, nil
}

func (args *ModelArgs) Map() (map[string]any, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("error encoding args: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error decoding args: %w", err)
	}
	return raw, nil
}

// WithOverrides overlays predict-time params onto the stored args. Overrides
// win on conflict, and keys that are not model args are ignored.
func (args *ModelArgs) WithOverrides(params map[string]any) (*ModelArgs, error) {
	if len(params) == 0 {
		return args, nil
	}
	base, err := args.Map()
	if err != nil {
		return nil, err
	}
	for key, value := range params {
		base[key] = value
	}
	return DecodeModelArgs(base)
}

// ResolveTaskProper returns the pipeline task name the model is actually
// loaded with. Translation models fold the language pair into the task name.
func (args *ModelArgs) ResolveTaskProper() string {
	if args.Task == TaskTranslation {
		return fmt.Sprintf("translation_%s_to_%s", args.LangInput, args.LangOutput)
	}
	return args.Task
}
