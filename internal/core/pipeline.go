package core

import (
	"context"
	"encoding/json"
	"fmt"

	"nlp-backend/internal/core/python"
)

// Backend identifies the engine a model is served with.
type Backend string

const (
	OnnxBackend   Backend = "onnx"
	PythonBackend Backend = "python"
	RemoteBackend Backend = "remote"
)

func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case OnnxBackend, PythonBackend, RemoteBackend:
		return Backend(s), nil
	default:
		return "", fmt.Errorf("unknown backend: %s", s)
	}
}

var statelessBackends = map[Backend]struct{}{
	RemoteBackend: {},
}

// IsStatelessBackend reports whether models on this backend run without local
// model files, so snapshot download and storage sync are skipped for them.
func IsStatelessBackend(backend Backend) bool {
	_, exists := statelessBackends[backend]
	return exists
}

// ChooseBackend picks the engine for a model at preparation time.
// Classification and fill-mask models with an ONNX export run in process;
// generation tasks go to a remote endpoint when one is configured and to the
// python runtime otherwise.
func ChooseBackend(task string, hasOnnxExport, remoteConfigured bool) Backend {
	switch task {
	case TaskTextClassification, TaskFillMask:
		if hasOnnxExport {
			return OnnxBackend
		}
		return PythonBackend
	case TaskTranslation, TaskSummarization, TaskText2TextGeneration:
		if remoteConfigured {
			return RemoteBackend
		}
		return PythonBackend
	default:
		return PythonBackend
	}
}

// Pipeline runs inference for one prepared model. Run returns one result list
// per input text, each entry shaped like the transformers pipeline output for
// the model's task.
type Pipeline interface {
	Run(ctx context.Context, texts []string, args *ModelArgs) ([][]map[string]any, error)

	Release()
}

type PipelineLoader func(modelDir string, args *ModelArgs) (Pipeline, error)

func NewPipelineLoaders(pythonExec, pluginScript string, remote RemoteConfig) map[Backend]PipelineLoader {
	return map[Backend]PipelineLoader{
		OnnxBackend: func(modelDir string, args *ModelArgs) (Pipeline, error) {
			return LoadOnnxPipeline(modelDir, args)
		},
		PythonBackend: func(modelDir string, args *ModelArgs) (Pipeline, error) {
			config, err := json.Marshal(args)
			if err != nil {
				return nil, fmt.Errorf("error encoding pipeline config: %w", err)
			}
			inner, err := python.LoadPythonPipeline(pythonExec, pluginScript, modelDir, string(config))
			if err != nil {
				return nil, err
			}
			return &pythonPipeline{inner: inner}, nil
		},
		RemoteBackend: func(_ string, args *ModelArgs) (Pipeline, error) {
			return LoadRemotePipeline(remote, args)
		},
	}
}

// pythonPipeline adapts the plugin-backed pipeline, which speaks serialized
// options over RPC, to the Pipeline interface.
type pythonPipeline struct {
	inner *python.PythonPipeline
}

func (p *pythonPipeline) Run(ctx context.Context, texts []string, args *ModelArgs) ([][]map[string]any, error) {
	options, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("error encoding run options: %w", err)
	}
	return p.inner.Run(ctx, texts, options)
}

func (p *pythonPipeline) Release() {
	p.inner.Release()
}
