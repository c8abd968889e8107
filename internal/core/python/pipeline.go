package python

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/hashicorp/go-plugin"

	"nlp-backend/plugin/shared"
)

// TODO: this object is not thread-safe, implement a mutex to protect
// concurrent access to the plugin client APIs
type PythonPipeline struct {
	client   *plugin.Client
	pipeline shared.Pipeline
}

func LoadPythonPipeline(pythonExecutable, pluginScript, modelDir, configJSON string) (*PythonPipeline, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: shared.Handshake,
		Plugins:         shared.PluginMap,
		Cmd: exec.Command(
			pythonExecutable,
			pluginScript,
			"--model-dir", modelDir,
			"--pipeline-config", configJSON,
		),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		return nil, fmt.Errorf("error establishing RPC connection: %w", err)
	}

	raw, err := rpcClient.Dispense("pipeline")
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error dispensing '%s': %w", "pipeline", err)
	}

	pipeline, ok := raw.(shared.Pipeline)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("dispensed interface '%s' is not of expected type shared.Pipeline (actual type: %T)", "pipeline", raw)
	}

	return &PythonPipeline{
		client:   client,
		pipeline: pipeline,
	}, nil
}

func (p *PythonPipeline) Run(ctx context.Context, texts []string, options []byte) ([][]map[string]any, error) {
	results, err := p.pipeline.Run(texts, options)
	if err != nil {
		return nil, err
	}

	var decoded [][]map[string]any
	if err := json.Unmarshal(results, &decoded); err != nil {
		return nil, fmt.Errorf("error decoding pipeline results: %w", err)
	}

	return decoded, nil
}

func (p *PythonPipeline) Release() {
	if p.client == nil {
		return
	}

	p.client.Kill()
	p.client = nil
	p.pipeline = nil
}
