package puppetdb

import (
	"context"

	"github.com/itskum47/PuppetLens/dashboard/rollup"
)

// RollupBackend adapts a Client to rollup.Backend.
type RollupBackend struct {
	client *Client
}

// NewRollupBackend wraps c.
func NewRollupBackend(c *Client) *RollupBackend {
	return &RollupBackend{client: c}
}

// ActiveNodes implements rollup.Backend.
func (b *RollupBackend) ActiveNodes(ctx context.Context, env string) ([]rollup.Node, error) {
	nodes, err := b.client.ActiveNodes(ctx, env)
	if err != nil {
		return nil, err
	}
	out := make([]rollup.Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, rollup.Node{
			Name:             n.Certname,
			LatestReportHash: n.LatestReportHash,
			Status:           n.LatestReportStatus,
			Deactivated:      n.Deactivated != nil,
		})
	}
	return out, nil
}

// ReportEvents implements rollup.Backend.
func (b *RollupBackend) ReportEvents(ctx context.Context, reportHash, env string) ([]rollup.Event, error) {
	events, err := b.client.ReportEvents(ctx, reportHash, env)
	if err != nil {
		return nil, err
	}
	out := make([]rollup.Event, 0, len(events))
	for _, e := range events {
		out = append(out, rollup.Event{Status: e.Status, ContainingClass: e.ContainingClass})
	}
	return out, nil
}
