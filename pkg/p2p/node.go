// Package p2p implements the peer-to-peer node: it accepts inbound
// connections, keeps a target number of outbound ones, runs the handshake
// and peer list exchange, and queues negotiated connections for the layer
// above.
//
// A Node belongs to one sched.Dispatcher. All methods except those of
// Inspector must be called from tasks of that dispatcher.
package p2p

import (
	"container/list"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"time"

	"github.com/aporia-zero/peernet/pkg/netio"
	"github.com/aporia-zero/peernet/pkg/peerlist"
	"github.com/aporia-zero/peernet/pkg/sched"
	"github.com/aporia-zero/peernet/pkg/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errAlreadyStarted = errors.New("p2p: node already started")

// acceptRetryDelay spaces out accepts after an unexpected listener error.
const acceptRetryDelay = 100 * time.Millisecond

// NodeOption configures a Node.
type NodeOption func(*Node)

// WithLogger sets the node logger.
func WithLogger(logger *zap.Logger) NodeOption {
	return func(n *Node) { n.logger = logger }
}

// WithMetrics records node activity into m.
func WithMetrics(m *Metrics) NodeOption {
	return func(n *Node) { n.metrics = m }
}

// WithPeerID fixes the announced peer id instead of drawing a random one.
func WithPeerID(id types.PeerID) NodeOption {
	return func(n *Node) { n.peerID = id }
}

// WithWallClock replaces time.Now for peer list timestamps.
func WithWallClock(now func() time.Time) NodeOption {
	return func(n *Node) { n.now = now }
}

// Node represents a P2P network node
type Node struct {
	cfg      NodeConfig
	d        *sched.Dispatcher
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time
	peerID   types.PeerID
	syncData CoreSyncData

	listener      *netio.Listener
	connector     *netio.Connector
	limiter       *rate.Limiter
	group         *sched.Group
	acceptTask    *sched.Task
	connectorTask *sched.Task

	peerlist      *peerlist.Manager
	contexts      *list.List // *connContext
	closedHistory []types.ConnectionInfo

	queue      []*Connection
	queueEvent *sched.Event

	started       bool
	stopRequested bool
}

// NewNode creates a node. Nothing is bound until Start.
func NewNode(d *sched.Dispatcher, cfg NodeConfig, opts ...NodeOption) *Node {
	cfg = cfg.withDefaults()
	n := &Node{
		cfg:        cfg,
		d:          d,
		now:        time.Now,
		group:      sched.NewGroup(d),
		peerlist:   peerlist.New(cfg.Peerlist),
		contexts:   list.New(),
		queueEvent: sched.NewEvent(d),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	if n.peerID == 0 {
		n.peerID = randomPeerID()
	}

	var dialOpts []netio.ConnectorOption
	if cfg.Dial != nil {
		dialOpts = append(dialOpts, netio.WithDialFunc(cfg.Dial))
	}
	n.connector = netio.NewConnector(dialOpts...)

	limit := rate.Inf
	if cfg.AcceptRate > 0 {
		limit = rate.Limit(cfg.AcceptRate)
	}
	n.limiter = rate.NewLimiter(limit, cfg.AcceptBurst)
	return n
}

// Start binds the listener and spawns the accept and connector loops.
func (n *Node) Start() error {
	if n.started || n.stopRequested {
		return errAlreadyStarted
	}
	ln, err := netio.Listen(n.cfg.BindAddress)
	if err != nil {
		return err
	}
	n.started = true
	n.listener = ln
	n.acceptTask = n.group.Spawn(n.acceptLoop)
	n.connectorTask = n.group.Spawn(n.connectorLoop)
	n.updatePeerlistMetrics()

	n.logger.Info("Node started",
		zap.String("id", n.peerID.String()),
		zap.String("address", ln.Addr().String()),
		zap.Uint16("advertised_port", n.advertisedPort()))
	return nil
}

// Stop closes the listener, interrupts every task of the node and waits for
// them to finish. Pending and future ReceiveConnection calls fail with
// ErrStopped. t must not be a task spawned by the node. Calling Stop again
// only waits.
func (n *Node) Stop(t *sched.Task) error {
	if n.stopRequested {
		return n.group.Wait(t)
	}
	n.stopRequested = true

	var err error
	if n.listener != nil {
		err = multierr.Append(err, n.listener.Close())
	}
	n.group.Interrupt()
	for e := n.contexts.Front(); e != nil; {
		c := e.Value.(*connContext)
		e = e.Next()
		err = multierr.Append(err, n.closeContext(c, sched.ErrInterrupted))
	}
	n.queue = nil
	n.queueEvent.Set()

	err = multierr.Append(err, n.group.Wait(t))
	n.logger.Info("Node stopped", zap.String("id", n.peerID.String()))
	return err
}

// ReceiveConnection suspends t until a negotiated connection is available.
func (n *Node) ReceiveConnection(t *sched.Task) (*Connection, error) {
	for {
		if n.stopRequested {
			return nil, ErrStopped
		}
		for len(n.queue) > 0 {
			c := n.queue[0]
			n.queue[0] = nil
			n.queue = n.queue[1:]
			if !c.Closed() {
				return c, nil
			}
		}
		n.queueEvent.Clear()
		if err := n.queueEvent.Wait(t); err != nil {
			return nil, err
		}
	}
}

// Save writes the peer list.
func (n *Node) Save(w io.Writer) error {
	return n.peerlist.Save(w)
}

// Load replaces the peer list. A corrupt snapshot leaves it empty.
func (n *Node) Load(r io.Reader) error {
	err := n.peerlist.Load(r)
	n.updatePeerlistMetrics()
	return err
}

// PeerID returns the id announced in handshakes.
func (n *Node) PeerID() types.PeerID {
	return n.peerID
}

// SetSyncData replaces the sync data sent in handshakes and pushes.
func (n *Node) SetSyncData(data CoreSyncData) {
	n.syncData = data
}

// ListenAddress returns the bound address, or the configured one before Start.
func (n *Node) ListenAddress() string {
	if n.listener != nil {
		return n.listener.Addr().String()
	}
	return n.cfg.BindAddress
}

// NodeInfo summarizes the node.
func (n *Node) NodeInfo() types.NodeInfo {
	info := types.NodeInfo{
		PeerID:          n.peerID.String(),
		ListenAddress:   n.ListenAddress(),
		ProtocolVersion: P2PVersion,
		GenesisHash:     n.cfg.GenesisHash.Hex(),
		Stopped:         n.stopRequested,
	}
	for e := n.contexts.Front(); e != nil; e = e.Next() {
		c := e.Value.(*connContext)
		if c.state != StateActive {
			continue
		}
		if c.incoming {
			info.Incoming++
		} else {
			info.Outgoing++
		}
	}
	info.WhitePeers, info.GrayPeers = n.peerlist.Len()
	return info
}

// Peers returns both peer list pools, white first.
func (n *Node) Peers() []types.PeerInfo {
	var out []types.PeerInfo
	add := func(entries []types.PeerlistEntry, pool peerlist.Pool) {
		for _, e := range entries {
			out = append(out, types.PeerInfo{
				Address:  e.Address.String(),
				ID:       e.ID.String(),
				LastSeen: e.LastSeen,
				Pool:     pool.String(),
			})
		}
	}
	add(n.peerlist.White(), peerlist.PoolWhite)
	add(n.peerlist.Gray(), peerlist.PoolGray)
	return out
}

// Connections lists the live connections in creation order.
func (n *Node) Connections() []types.ConnectionInfo {
	out := make([]types.ConnectionInfo, 0, n.contexts.Len())
	for e := n.contexts.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*connContext).info(nil))
	}
	return out
}

// ClosedConnections lists the most recently closed connections, oldest first.
func (n *Node) ClosedConnections() []types.ConnectionInfo {
	out := make([]types.ConnectionInfo, len(n.closedHistory))
	copy(out, n.closedHistory)
	return out
}

// Internal methods

func (n *Node) acceptLoop(t *sched.Task) error {
	timer := sched.NewTimer(n.d)
	for {
		conn, err := n.listener.Accept(t)
		if err != nil {
			if Classify(err) == ClassInterrupted {
				return nil
			}
			n.logger.Warn("Failed to accept connection", zap.Error(err))
			if err := timer.Sleep(t, acceptRetryDelay); err != nil {
				return nil
			}
			continue
		}

		if !n.limiter.Allow() {
			n.metrics.acceptDropped()
			n.logger.Debug("Dropping inbound connection over rate limit",
				zap.String("remote", conn.RemoteAddr().String()))
			_ = conn.Close()
			continue
		}

		c := n.newContext(remoteAddress(conn), true)
		c.conn = conn
		n.metrics.connected(true)
		n.spawnContext(c, n.serveInbound)
	}
}

func (n *Node) newContext(addr types.NetworkAddress, incoming bool) *connContext {
	c := &connContext{
		id:       uuid.New(),
		node:     n,
		address:  addr,
		incoming: incoming,
		state:    StateConnecting,
		closed:   sched.NewEvent(n.d),
		started:  n.now(),
	}
	c.elem = n.contexts.PushBack(c)
	return c
}

func (n *Node) spawnContext(c *connContext, serve func(*sched.Task, *connContext) error) {
	c.task = n.group.Spawn(func(t *sched.Task) (err error) {
		defer func() { _ = n.closeContext(c, err) }()
		return serve(t, c)
	})
}

// serveInbound runs the responder side: answer a ping-back check, or
// validate the remote handshake and reply with ours.
func (n *Node) serveInbound(t *sched.Task, c *connContext) error {
	c.state = StateHandshaking
	c.conn.SetDeadline(time.Now().Add(n.cfg.HandshakeTimeout))

	h, body, err := c.readFrame(t)
	if err != nil {
		return err
	}
	if h.Flags&flagRequest == 0 {
		return types.NewNetworkError(types.ErrCodeMessageFormat, "expected a request, got flags %#x", h.Flags)
	}
	switch h.Command {
	case CmdPing:
		return n.answerPing(t, c)
	case CmdHandshake:
	default:
		return types.NewNetworkError(types.ErrCodeMessageFormat, "expected handshake, got command %d", h.Command)
	}

	var msg handshakeMessage
	if err := decodeBody(body, &msg); err != nil {
		return n.reject(t, c, err)
	}
	if err := n.checkNodeData(msg.Node); err != nil {
		return n.reject(t, c, err)
	}
	c.peerID = types.PeerID(msg.Node.PeerID)
	c.version = msg.Node.Version
	c.syncData = msg.SyncData
	if msg.Node.MyPort != 0 {
		c.address.Port = uint16(msg.Node.MyPort)
	}

	reply, err := n.handshakeBody(true)
	if err != nil {
		return err
	}
	if err := c.writeFrame(t, frameHeader{Command: CmdHandshake, Flags: flagResponse}, reply); err != nil {
		return err
	}
	n.metrics.handshake(nil)

	if msg.Node.MyPort != 0 {
		addr, id := c.address, c.peerID
		n.group.Spawn(func(t *sched.Task) error {
			if err := n.tryPing(t, addr, id); err != nil {
				n.logger.Debug("Ping-back failed", zap.String("addr", addr.String()), zap.Error(err))
			}
			return nil
		})
	}
	return n.serveActive(t, c)
}

func (n *Node) answerPing(t *sched.Task, c *connContext) error {
	body, err := rlp.EncodeToBytes(&pingResponse{Status: pingStatusOK, PeerID: uint64(n.peerID)})
	if err != nil {
		return err
	}
	return c.writeFrame(t, frameHeader{Command: CmdPing, Flags: flagResponse}, body)
}

// reject tells the initiator why its handshake failed and returns cause.
func (n *Node) reject(t *sched.Task, c *connContext, cause error) error {
	n.metrics.handshake(cause)
	status := uint16(types.ErrCodeMessageFormat)
	var ne types.NetworkError
	if errors.As(cause, &ne) {
		status = uint16(ne.Code)
	}
	if err := c.writeFrame(t, frameHeader{Command: CmdHandshake, Flags: flagResponse, Status: status}, nil); err != nil {
		c.logger().Debug("Failed to send handshake rejection", zap.Error(err))
	}
	return cause
}

// serveActive promotes c and keeps its task alive until the connection is
// closed. A second connection to an already active peer is dropped.
func (n *Node) serveActive(t *sched.Task, c *connContext) error {
	for e := n.contexts.Front(); e != nil; e = e.Next() {
		other := e.Value.(*connContext)
		if other == c || other.state != StateActive {
			continue
		}
		if other.peerID == c.peerID || other.address == c.address {
			c.logger().Debug("Dropping duplicate connection",
				zap.String("peer", c.peerID.String()),
				zap.String("existing", other.id.String()))
			return errDuplicate
		}
	}

	c.state = StateActive
	c.conn.SetDeadline(time.Time{})
	n.metrics.activated(c.incoming, 1)
	n.queue = append(n.queue, &Connection{ctx: c})
	n.queueEvent.Set()
	c.logger().Info("Connection established", zap.String("peer", c.peerID.String()))

	if !n.stopRequested {
		keepAlive := n.group.Spawn(func(kt *sched.Task) error {
			return n.keepAlive(kt, &Connection{ctx: c})
		})
		defer keepAlive.Interrupt()
	}
	return c.closed.Wait(t)
}

// keepAlive pushes the peer list every TimedSyncInterval. The writes also
// notice a remote that went away while nobody was reading the connection.
func (n *Node) keepAlive(t *sched.Task, conn *Connection) error {
	timer := sched.NewTimer(n.d)
	for {
		if err := timer.Sleep(t, n.cfg.TimedSyncInterval); err != nil {
			return nil
		}
		if conn.Closed() {
			return nil
		}
		if err := conn.PushPeerlist(t); err != nil {
			return nil
		}
	}
}

// closeContext moves c to Closed, releases its socket and records it in the
// closed history. It returns the socket close error, if any.
func (n *Node) closeContext(c *connContext, cause error) error {
	if c.state == StateClosed {
		return nil
	}
	wasActive := c.state == StateActive
	c.state = StateClosed
	if c.closeErr == nil {
		c.closeErr = cause
	}

	var err error
	if c.conn != nil {
		if cerr := c.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	if c.elem != nil {
		n.contexts.Remove(c.elem)
		c.elem = nil
	}
	c.closed.Set()

	closedAt := n.now()
	n.closedHistory = append(n.closedHistory, c.info(&closedAt))
	if over := len(n.closedHistory) - n.cfg.ClosedHistory; over > 0 {
		n.closedHistory = append(n.closedHistory[:0], n.closedHistory[over:]...)
	}

	class := Classify(c.closeErr)
	n.metrics.disconnected(class)
	if wasActive {
		n.metrics.activated(c.incoming, -1)
	}

	logger := c.logger()
	switch class {
	case ClassProtocol:
		logger.Warn("Connection closed on protocol error", zap.Error(c.closeErr))
	case ClassTransient:
		logger.Debug("Connection failed", zap.Error(c.closeErr))
	default:
		logger.Debug("Connection closed", zap.String("class", class.String()))
	}
	return err
}

func (n *Node) nodeData() BasicNodeData {
	return BasicNodeData{
		Version:     P2PVersion,
		PeerID:      uint64(n.peerID),
		LocalTime:   uint64(n.now().Unix()),
		MyPort:      uint32(n.advertisedPort()),
		GenesisHash: n.cfg.GenesisHash,
	}
}

func (n *Node) handshakeBody(withPeers bool) ([]byte, error) {
	msg := handshakeMessage{
		Node:     n.nodeData(),
		SyncData: n.syncData,
	}
	if withPeers {
		msg.Peerlist = encodePeerlist(n.peerlist.Sample(n.cfg.HandshakePeers))
	}
	return rlp.EncodeToBytes(&msg)
}

// checkNodeData validates the remote half of a handshake.
func (n *Node) checkNodeData(data BasicNodeData) error {
	switch {
	case data.Version < P2PMinimumVersion:
		return types.NewNetworkError(types.ErrCodeProtocolVersion,
			"peer version %d below minimum %d", data.Version, P2PMinimumVersion)
	case data.GenesisHash != n.cfg.GenesisHash:
		return types.NewNetworkError(types.ErrCodeGenesisMismatch,
			"peer genesis %s, ours %s", data.GenesisHash.Hex(), n.cfg.GenesisHash.Hex())
	case types.PeerID(data.PeerID) == n.peerID:
		return types.NewNetworkError(types.ErrCodeSelfConnection, "peer id %s is our own", n.peerID)
	case data.LocalTime == 0:
		return types.NewNetworkError(types.ErrCodeMessageFormat, "handshake without local time")
	case data.MyPort > math.MaxUint16:
		return types.NewNetworkError(types.ErrCodeMessageFormat, "advertised port %d out of range", data.MyPort)
	}
	return nil
}

func (n *Node) advertisedPort() uint16 {
	switch {
	case n.cfg.HideMyPort:
		return 0
	case n.cfg.ExternalPort != 0:
		return n.cfg.ExternalPort
	case n.listener != nil:
		return uint16(n.listener.Addr().Port)
	}
	return 0
}

// isSelf reports whether addr points back at our own listener.
func (n *Node) isSelf(addr types.NetworkAddress) bool {
	if n.listener == nil {
		return false
	}
	if addr.Port != uint16(n.listener.Addr().Port) && addr.Port != n.cfg.ExternalPort {
		return false
	}
	if addr.IsLocal() {
		return true
	}
	host, _, err := net.SplitHostPort(n.cfg.BindAddress)
	return err == nil && host == addr.Host
}

func (n *Node) updatePeerlistMetrics() {
	n.metrics.peerlistSize(n.peerlist.Len())
}

func remoteAddress(conn *netio.Conn) types.NetworkAddress {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return types.NetworkAddress{Host: tcp.IP.String(), Port: uint16(tcp.Port)}
	}
	addr, _ := types.ParseNetworkAddress(conn.RemoteAddr().String())
	return addr
}

func randomPeerID() types.PeerID {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic(err)
		}
		if id := types.PeerID(binary.BigEndian.Uint64(buf[:])); id != 0 {
			return id
		}
	}
}
