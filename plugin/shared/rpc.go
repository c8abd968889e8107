package shared

import (
	"net/rpc"
)

type RunRequest struct {
	Texts   []string
	Options []byte
}

type RunResponse struct {
	Results []byte
}

// PipelineRPCClient is an implementation of Pipeline that talks over RPC.
type PipelineRPCClient struct{ client *rpc.Client }

func (c *PipelineRPCClient) Run(texts []string, options []byte) ([]byte, error) {
	var resp RunResponse
	err := c.client.Call("Plugin.Run", RunRequest{Texts: texts, Options: options}, &resp)
	return resp.Results, err
}

// Here is the RPC server that PipelineRPCClient talks to, conforming to
// the requirements of net/rpc
type PipelineRPCServer struct {
	// This is the real implementation
	Impl Pipeline
}

func (s *PipelineRPCServer) Run(req RunRequest, resp *RunResponse) error {
	v, err := s.Impl.Run(req.Texts, req.Options)
	resp.Results = v
	return err
}
