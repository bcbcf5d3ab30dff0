package p2p

import (
	"time"

	"github.com/aporia-zero/peernet/pkg/sched"
	"github.com/aporia-zero/peernet/pkg/types"
	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// connectorLoop tops up outbound connections every ConnectInterval.
func (n *Node) connectorLoop(t *sched.Task) error {
	timer := sched.NewTimer(n.d)
	for {
		if started := n.connectPeers(); started > 0 {
			n.logger.Debug("Started outbound connections", zap.Int("count", started))
		}
		if err := timer.Sleep(t, n.cfg.ConnectInterval); err != nil {
			return err
		}
	}
}

// connectPeers starts at most ExpectedOutgoingConnections minus the current
// outgoing count of new attempts. Attempts in progress count as outgoing.
// Exclusive nodes, when configured, are the only candidates. Otherwise
// seeds are asked for peers while the peer list is empty, then priority
// nodes and the peer list are used in that order.
func (n *Node) connectPeers() int {
	if n.stopRequested {
		return 0
	}
	deficit := n.cfg.ExpectedOutgoingConnections - n.outgoingCount()
	if deficit <= 0 {
		return 0
	}

	now := n.now()
	used := mapset.NewThreadUnsafeSet[types.NetworkAddress]()
	for e := n.contexts.Front(); e != nil; e = e.Next() {
		used.Add(e.Value.(*connContext).address)
	}
	skip := func(addr types.NetworkAddress) bool {
		return used.Contains(addr) || n.isSelf(addr) || n.peerlist.RecentlyFailed(addr, now)
	}

	started := 0
	connect := func(addr types.NetworkAddress, fetchOnly bool) {
		used.Add(addr)
		n.startOutbound(addr, fetchOnly)
		started++
	}

	if len(n.cfg.ExclusiveNodes) > 0 {
		for _, addr := range n.cfg.ExclusiveNodes {
			if started < deficit && !skip(addr) {
				connect(addr, false)
			}
		}
		return started
	}

	if white, gray := n.peerlist.Len(); white+gray == 0 {
		for _, addr := range n.cfg.SeedNodes {
			if !skip(addr) {
				connect(addr, true)
				break
			}
		}
	}
	for _, addr := range n.cfg.PriorityNodes {
		if started < deficit && !skip(addr) {
			connect(addr, false)
		}
	}
	for started < deficit {
		entry, _, ok := n.peerlist.Select(skip, now)
		if !ok {
			break
		}
		connect(entry.Address, false)
	}
	return started
}

func (n *Node) outgoingCount() int {
	count := 0
	for e := n.contexts.Front(); e != nil; e = e.Next() {
		if !e.Value.(*connContext).incoming {
			count++
		}
	}
	return count
}

func (n *Node) startOutbound(addr types.NetworkAddress, fetchOnly bool) {
	c := n.newContext(addr, false)
	n.spawnContext(c, func(t *sched.Task, c *connContext) error {
		return n.serveOutbound(t, c, fetchOnly)
	})
}

// serveOutbound runs the initiator side. A fetch-only connection, used for
// seed nodes, ends after the handshake has delivered the seed's peer list.
func (n *Node) serveOutbound(t *sched.Task, c *connContext, fetchOnly bool) error {
	conn, err := n.connector.Connect(t, c.address.String(), n.cfg.ConnectTimeout)
	if err != nil {
		n.markFailure(c.address, err)
		return err
	}
	c.conn = conn
	n.metrics.connected(false)

	if err := n.handshake(t, c); err != nil {
		n.metrics.handshake(err)
		n.markFailure(c.address, err)
		return err
	}
	n.metrics.handshake(nil)

	if fetchOnly {
		c.logger().Info("Fetched peer list from seed", zap.String("peer", c.peerID.String()))
		return nil
	}
	return n.serveActive(t, c)
}

func (n *Node) handshake(t *sched.Task, c *connContext) error {
	c.state = StateHandshaking
	c.conn.SetDeadline(time.Now().Add(n.cfg.HandshakeTimeout))

	body, err := n.handshakeBody(false)
	if err != nil {
		return err
	}
	if err := c.writeFrame(t, frameHeader{Command: CmdHandshake, Flags: flagRequest}, body); err != nil {
		return err
	}

	h, body, err := c.readFrame(t)
	if err != nil {
		return err
	}
	if h.Command != CmdHandshake || h.Flags&flagResponse == 0 {
		return types.NewNetworkError(types.ErrCodeMessageFormat,
			"expected handshake response, got command %d flags %#x", h.Command, h.Flags)
	}
	if h.Status != statusOK {
		return types.NewNetworkError(int(h.Status), "peer rejected handshake")
	}

	var msg handshakeMessage
	if err := decodeBody(body, &msg); err != nil {
		return err
	}
	if err := n.checkNodeData(msg.Node); err != nil {
		return err
	}
	c.peerID = types.PeerID(msg.Node.PeerID)
	c.version = msg.Node.Version
	c.syncData = msg.SyncData

	now := n.now()
	if _, err := n.peerlist.Merge(decodePeerlist(msg.Peerlist), unixTime(msg.Node.LocalTime), now); err != nil {
		return err
	}
	n.peerlist.MarkSuccess(c.address, c.peerID, now)
	n.updatePeerlistMetrics()
	return nil
}

// tryPing dials addr back and whitelists it if the answer carries id.
func (n *Node) tryPing(t *sched.Task, addr types.NetworkAddress, id types.PeerID) error {
	conn, err := n.connector.Connect(t, addr.String(), n.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(n.cfg.PingTimeout))

	if err := writeFrame(t, conn, frameHeader{Command: CmdPing, Flags: flagRequest}, nil); err != nil {
		return err
	}
	h, body, err := readFrame(t, conn, n.cfg.MaxFrameSize)
	if err != nil {
		return err
	}
	if h.Command != CmdPing || h.Flags&flagResponse == 0 {
		return types.NewNetworkError(types.ErrCodeMessageFormat, "expected ping response, got command %d", h.Command)
	}
	var resp pingResponse
	if err := decodeBody(body, &resp); err != nil {
		return err
	}
	if resp.Status != pingStatusOK || types.PeerID(resp.PeerID) != id {
		return types.NewNetworkError(types.ErrCodePeerConnection,
			"ping-back to %s answered by %s with status %q", addr, types.PeerID(resp.PeerID), resp.Status)
	}

	n.peerlist.MarkSuccess(addr, id, n.now())
	n.updatePeerlistMetrics()
	return nil
}

// markFailure holds err against addr unless the node is shutting down.
func (n *Node) markFailure(addr types.NetworkAddress, err error) {
	if Classify(err) == ClassInterrupted {
		return
	}
	n.peerlist.MarkFailure(addr, n.now())
	n.updatePeerlistMetrics()
}
