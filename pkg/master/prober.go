package master

import (
	"context"

	"github.com/antcode/antcode/pkg/client"
	"github.com/antcode/antcode/pkg/registry"
	"github.com/antcode/antcode/pkg/types"
)

// httpProber adapts client.Client.NodeInfo to registry.Prober, so the
// heartbeat monitor's liveness checks go out over the same HTTP client and
// circuit breaker the dispatcher uses.
type httpProber struct {
	client *client.Client
}

func (p *httpProber) Probe(ctx context.Context, node *types.Node) (*registry.ProbeResult, error) {
	info, err := p.client.NodeInfo(ctx, node)
	if err != nil {
		return nil, err
	}
	return &registry.ProbeResult{Version: info.Version}, nil
}
