package shared

import (
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// Handshake is shared between the host and the plugin process. The cookie is
// a sanity check that the launched binary is a plugin, not a security
// measure.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "NLP_BACKEND_PLUGIN",
	MagicCookieValue: "nlp-backend-pipeline",
}

// Pipeline is the interface the host uses to talk to a plugin-hosted
// inference pipeline. Options and results travel as JSON so the two
// processes do not need to share concrete Go types.
type Pipeline interface {
	Run(texts []string, options []byte) ([]byte, error)
}

// PipelinePlugin is the plugin.Plugin implementation serving Pipeline over
// net/rpc.
type PipelinePlugin struct {
	// Impl is the real implementation, only set on the plugin side.
	Impl Pipeline
}

func (p *PipelinePlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &PipelineRPCServer{Impl: p.Impl}, nil
}

func (p *PipelinePlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &PipelineRPCClient{client: c}, nil
}

var PluginMap = map[string]plugin.Plugin{
	"pipeline": &PipelinePlugin{},
}
