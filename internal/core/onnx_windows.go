//go:build windows

package core

import (
	"context"
	"errors"
)

var ErrOnnxNotSupportedOnWindows = errors.New("onnx models are not supported on windows")

type OnnxPipeline struct{}

func HasOnnxExport(modelDir string) bool {
	return false
}

func LoadOnnxPipeline(modelDir string, args *ModelArgs) (Pipeline, error) {
	return nil, ErrOnnxNotSupportedOnWindows
}

func (p *OnnxPipeline) Run(ctx context.Context, texts []string, args *ModelArgs) ([][]map[string]any, error) {
	return nil, ErrOnnxNotSupportedOnWindows
}

func (p *OnnxPipeline) Release() {
	// no-op
}
