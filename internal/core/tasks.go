package core

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"nlp-backend/internal/hub"
)

const (
	TaskTextClassification     = "text-classification"
	TaskZeroShotClassification = "zero-shot-classification"
	TaskTranslation            = "translation"
	TaskSummarization          = "summarization"
	TaskText2TextGeneration    = "text2text-generation"
	TaskFillMask               = "fill-mask"
)

//go:embed tasks.yaml
var tasksYAML []byte

type TaskSchema struct {
	Name     string
	Required []string
	Optional []string
}

// TaskRegistry holds the argument schemas of the supported pipeline tasks.
type TaskRegistry struct {
	required []string
	optional []string
	tasks    map[string]TaskSchema
	order    []string
}

func LoadTaskRegistry() (*TaskRegistry, error) {
	raw := struct {
		Required []string `yaml:"required"`
		Optional []string `yaml:"optional"`
		Tasks    []struct {
			Name     string   `yaml:"name"`
			Required []string `yaml:"required"`
			Optional []string `yaml:"optional"`
		} `yaml:"tasks"`
	}{}

	if err := yaml.Unmarshal(tasksYAML, &raw); err != nil {
		return nil, fmt.Errorf("error parsing task schemas: %w", err)
	}

	registry := &TaskRegistry{
		required: raw.Required,
		optional: raw.Optional,
		tasks:    make(map[string]TaskSchema),
	}
	for _, task := range raw.Tasks {
		registry.tasks[task.Name] = TaskSchema{Name: task.Name, Required: task.Required, Optional: task.Optional}
		registry.order = append(registry.order, task.Name)
	}

	return registry, nil
}

func (r *TaskRegistry) IsSupported(task string) bool {
	_, ok := r.tasks[task]
	return ok
}

// Schemas lists the task schemas with the global argument requirements folded
// into each entry.
func (r *TaskRegistry) Schemas() []TaskSchema {
	schemas := make([]TaskSchema, 0, len(r.order))
	for _, name := range r.order {
		task := r.tasks[name]
		schemas = append(schemas, TaskSchema{
			Name:     name,
			Required: append(append([]string{}, r.required...), task.Required...),
			Optional: append(append([]string{}, r.optional...), task.Optional...),
		})
	}
	return schemas
}

func (r *TaskRegistry) supportedList() string {
	return strings.Join(r.order, ", ")
}

// UnwrapArgs unwraps create arguments nested under a "using" key, which is how
// some clients submit them.
func UnwrapArgs(args map[string]any) map[string]any {
	if using, ok := args["using"].(map[string]any); ok {
		return using
	}
	return args
}

// ModelNameArg extracts model_name from create args. The name is needed to
// look the model up on the hub before full validation can run.
func ModelNameArg(args map[string]any) (string, error) {
	name, ok := args["model_name"]
	if !ok {
		return "", fmt.Errorf("parameter %q is required", "model_name")
	}
	s, ok := name.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", "model_name")
	}
	return s, nil
}

// ValidateCreateArgs checks create arguments against the hub's view of the
// model and this registry's schemas, and returns the decoded args. The input
// map is not modified.
func (r *TaskRegistry) ValidateCreateArgs(target string, rawArgs map[string]any, info *hub.ModelInfo) (*ModelArgs, error) {
	if !info.HasTag("pytorch") {
		return nil, fmt.Errorf("currently only pytorch models are supported, and %q does not carry the pytorch tag", info.Id)
	}

	if !r.IsSupported(info.PipelineTag) {
		return nil, fmt.Errorf("not supported task for model: %s. should be one of %s", info.PipelineTag, r.supportedList())
	}

	args := make(map[string]any, len(rawArgs)+1)
	for k, v := range rawArgs {
		args[k] = v
	}

	if task, ok := args["task"]; ok {
		taskName, isString := task.(string)
		if !isString {
			return nil, fmt.Errorf("parameter %q must be a string", "task")
		}
		if taskName != info.PipelineTag {
			return nil, fmt.Errorf("task mismatch for model: %s != %s", taskName, info.PipelineTag)
		}
	} else {
		args["task"] = info.PipelineTag
	}
	taskName := args["task"].(string)

	remaining := make(map[string]struct{}, len(args))
	for key := range args {
		remaining[key] = struct{}{}
	}

	for _, key := range r.required {
		if _, ok := args[key]; !ok {
			return nil, fmt.Errorf("parameter %q is required", key)
		}
		delete(remaining, key)
	}

	schema := r.tasks[taskName]
	for _, key := range schema.Required {
		if _, ok := args[key]; !ok {
			return nil, fmt.Errorf("parameter %q is required for %s", key, taskName)
		}
		delete(remaining, key)
	}

	for _, key := range r.optional {
		delete(remaining, key)
	}
	for _, key := range schema.Optional {
		delete(remaining, key)
	}

	if len(remaining) > 0 {
		keys := make([]string, 0, len(remaining))
		for key := range remaining {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("not expected parameters: %s", strings.Join(keys, ", "))
	}

	modelArgs, err := DecodeModelArgs(args)
	if err != nil {
		return nil, err
	}
	modelArgs.Target = target

	if taskName == TaskZeroShotClassification && len(modelArgs.CandidateLabels) == 0 {
		return nil, fmt.Errorf("parameter %q must be a non-empty list of strings", "candidate_labels")
	}

	return modelArgs, nil
}
