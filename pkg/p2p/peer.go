package p2p

import (
	"container/list"
	"errors"
	"time"

	"github.com/aporia-zero/peernet/pkg/netio"
	"github.com/aporia-zero/peernet/pkg/sched"
	"github.com/aporia-zero/peernet/pkg/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// connContext is the node's record of one socket. It lives in Node.contexts
// from creation until its task ends.
type connContext struct {
	id       uuid.UUID
	node     *Node
	conn     *netio.Conn
	address  types.NetworkAddress
	incoming bool
	state    ConnState
	peerID   types.PeerID
	version  uint8
	syncData CoreSyncData
	task     *sched.Task
	closed   *sched.Event
	started  time.Time
	closeErr error
	elem     *list.Element
}

func (c *connContext) info(closedAt *time.Time) types.ConnectionInfo {
	ci := types.ConnectionInfo{
		ID:       c.id.String(),
		Address:  c.address.String(),
		Incoming: c.incoming,
		State:    c.state.String(),
		Started:  c.started,
		Closed:   closedAt,
	}
	if c.peerID != 0 {
		ci.PeerID = c.peerID.String()
	}
	if closedAt != nil {
		ci.Class = Classify(c.closeErr).String()
		if c.closeErr != nil {
			ci.Error = c.closeErr.Error()
		}
	}
	return ci
}

func (c *connContext) logger() *zap.Logger {
	return c.node.logger.With(
		zap.String("conn", c.id.String()),
		zap.String("addr", c.address.String()),
		zap.Bool("incoming", c.incoming))
}

func (c *connContext) writeFrame(t *sched.Task, h frameHeader, body []byte) error {
	if err := writeFrame(t, c.conn, h, body); err != nil {
		return err
	}
	c.node.metrics.updateMetrics(false, frameHeaderSize+len(body))
	return nil
}

func (c *connContext) readFrame(t *sched.Task) (frameHeader, []byte, error) {
	h, body, err := readFrame(t, c.conn, c.node.cfg.MaxFrameSize)
	if err != nil {
		return h, nil, err
	}
	c.node.metrics.updateMetrics(true, frameHeaderSize+len(body))
	return h, body, nil
}

// Connection is a negotiated connection handed to the upper layer by
// ReceiveConnection.
type Connection struct {
	ctx *connContext
}

// ID returns the connection's unique id.
func (c *Connection) ID() uuid.UUID { return c.ctx.id }

// PeerID returns the id the remote announced in its handshake.
func (c *Connection) PeerID() types.PeerID { return c.ctx.peerID }

// Address returns the remote address. For inbound connections the port is
// the one the peer advertised, or its source port when hidden.
func (c *Connection) Address() types.NetworkAddress { return c.ctx.address }

// Incoming reports whether the remote dialed us.
func (c *Connection) Incoming() bool { return c.ctx.incoming }

// Version returns the remote protocol version.
func (c *Connection) Version() uint8 { return c.ctx.version }

// SyncData returns the most recent sync data sent by the remote.
func (c *Connection) SyncData() CoreSyncData { return c.ctx.syncData }

// Closed reports whether the connection has been closed by either side.
func (c *Connection) Closed() bool { return c.ctx.state == StateClosed }

// Read suspends t until the next upper layer message arrives. Peer list
// pushes are merged into the node's peer list and never returned.
func (c *Connection) Read(t *sched.Task) (Message, error) {
	for {
		if c.Closed() {
			return Message{}, netio.ErrClosed
		}
		h, body, err := c.ctx.readFrame(t)
		if err != nil {
			return Message{}, c.fail(err)
		}

		switch h.Command {
		case CmdTimedSync:
			if err := c.handleTimedSync(body); err != nil {
				return Message{}, c.fail(err)
			}
		case CmdHandshake, CmdPing:
			err := types.NewNetworkError(types.ErrCodeMessageFormat, "unexpected command %d on active connection", h.Command)
			return Message{}, c.fail(err)
		default:
			return Message{Command: h.Command, Body: body, Response: h.Flags&flagResponse != 0}, nil
		}
	}
}

// Write sends msg as one frame.
func (c *Connection) Write(t *sched.Task, msg Message) error {
	if c.Closed() {
		return netio.ErrClosed
	}
	flags := flagRequest
	if msg.Response {
		flags = flagResponse
	}
	if err := c.ctx.writeFrame(t, frameHeader{Command: msg.Command, Flags: flags}, msg.Body); err != nil {
		return c.fail(err)
	}
	return nil
}

// PushPeerlist sends a sample of the node's white peers to the remote.
func (c *Connection) PushPeerlist(t *sched.Task) error {
	n := c.ctx.node
	body, err := rlp.EncodeToBytes(&timedSyncMessage{
		LocalTime: uint64(n.now().Unix()),
		SyncData:  n.syncData,
		Peerlist:  encodePeerlist(n.peerlist.Sample(n.cfg.HandshakePeers)),
	})
	if err != nil {
		return err
	}
	return c.Write(t, Message{Command: CmdTimedSync, Body: body})
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() {
	c.ctx.node.closeContext(c.ctx, nil)
}

func (c *Connection) handleTimedSync(body []byte) error {
	var msg timedSyncMessage
	if err := decodeBody(body, &msg); err != nil {
		return err
	}
	n := c.ctx.node
	if _, err := n.peerlist.Merge(decodePeerlist(msg.Peerlist), unixTime(msg.LocalTime), n.now()); err != nil {
		return err
	}
	c.ctx.syncData = msg.SyncData
	n.updatePeerlistMetrics()
	return nil
}

// fail closes the connection on I/O and protocol errors. An interrupted
// caller leaves the connection open unless it stopped inside a frame.
func (c *Connection) fail(err error) error {
	if errors.Is(err, sched.ErrInterrupted) && !errors.Is(err, errTornFrame) {
		return err
	}
	c.ctx.node.closeContext(c.ctx, err)
	return err
}
