package p2p

import (
	"context"

	"github.com/aporia-zero/peernet/pkg/types"
)

// Inspector reads node state from goroutines outside the dispatcher, such as
// HTTP handlers. Every call runs between task switches through
// sched.Dispatcher.Exec.
type Inspector struct {
	node *Node
}

// NewInspector returns an inspector for n.
func NewInspector(n *Node) *Inspector {
	return &Inspector{node: n}
}

// NodeInfo returns the node summary.
func (i *Inspector) NodeInfo(ctx context.Context) (types.NodeInfo, error) {
	var info types.NodeInfo
	err := i.node.d.Exec(ctx, func() { info = i.node.NodeInfo() })
	return info, err
}

// Peers returns the peer list.
func (i *Inspector) Peers(ctx context.Context) ([]types.PeerInfo, error) {
	var peers []types.PeerInfo
	err := i.node.d.Exec(ctx, func() { peers = i.node.Peers() })
	return peers, err
}

// Connections returns live connections followed by recently closed ones.
func (i *Inspector) Connections(ctx context.Context) ([]types.ConnectionInfo, error) {
	var conns []types.ConnectionInfo
	err := i.node.d.Exec(ctx, func() {
		conns = append(i.node.Connections(), i.node.ClosedConnections()...)
	})
	return conns, err
}
