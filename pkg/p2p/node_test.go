package p2p

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aporia-zero/peernet/pkg/netio"
	"github.com/aporia-zero/peernet/pkg/peerlist"
	"github.com/aporia-zero/peernet/pkg/sched"
	"github.com/aporia-zero/peernet/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testGenesis  = common.HexToHash("0x0101")
	otherGenesis = common.HexToHash("0x0202")
)

func runMain(t *testing.T, fn func(main *sched.Task) error) {
	t.Helper()
	d := sched.NewDispatcher()
	main := d.Spawn(fn)
	require.NoError(t, d.Run())
	require.NoError(t, main.Err())
}

// Helper function to create test nodes
func createTestNode(d *sched.Dispatcher, genesis common.Hash, configure func(*NodeConfig), opts ...NodeOption) *Node {
	cfg := DefaultNodeConfig()
	cfg.BindAddress = "127.0.0.1:0"
	cfg.GenesisHash = genesis
	cfg.ExpectedOutgoingConnections = 1
	cfg.ConnectInterval = 20 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.PingTimeout = time.Second
	cfg.AcceptRate = 0
	if configure != nil {
		configure(&cfg)
	}
	return NewNode(d, cfg, opts...)
}

func listenAddress(n *Node) types.NetworkAddress {
	return types.NetworkAddress{Host: "127.0.0.1", Port: uint16(n.listener.Addr().Port)}
}

// receiveWithin calls ReceiveConnection and gives up after timeout.
func receiveWithin(main *sched.Task, n *Node, timeout time.Duration) (*Connection, error) {
	d := main.Dispatcher()
	var conn *Connection
	receiver := d.Spawn(func(t *sched.Task) error {
		c, err := n.ReceiveConnection(t)
		conn = c
		return err
	})
	watchdog := d.Spawn(func(t *sched.Task) error {
		if err := sched.NewTimer(d).Sleep(t, timeout); err != nil {
			return nil
		}
		receiver.Interrupt()
		return nil
	})
	err := receiver.Join(main)
	watchdog.Interrupt()
	return conn, err
}

// waitUntil polls cond until it holds or timeout elapses.
func waitUntil(t *sched.Task, timeout time.Duration, cond func() bool) bool {
	timer := sched.NewTimer(t.Dispatcher())
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		if err := timer.Sleep(t, 10*time.Millisecond); err != nil {
			return false
		}
	}
	return true
}

func closedWithClass(n *Node, class ErrorClass) bool {
	for _, ci := range n.ClosedConnections() {
		if ci.Class == class.String() {
			return true
		}
	}
	return false
}

func TestNodeStartStop(t *testing.T) {
	runMain(t, func(main *sched.Task) error {
		node := createTestNode(main.Dispatcher(), testGenesis, nil)
		require.NoError(t, node.Start())
		assert.ErrorIs(t, node.Start(), errAlreadyStarted)

		info := node.NodeInfo()
		assert.Equal(t, node.PeerID().String(), info.PeerID)
		assert.Equal(t, testGenesis.Hex(), info.GenesisHash)
		assert.False(t, info.Stopped)

		require.NoError(t, node.Stop(main))
		require.NoError(t, node.Stop(main), "stop is idempotent")
		assert.True(t, node.NodeInfo().Stopped)
		assert.True(t, node.acceptTask.Done())
		assert.True(t, node.connectorTask.Done())
		return nil
	})
}

func TestNodesWithSameGenesisConnect(t *testing.T) {
	runMain(t, func(main *sched.Task) error {
		d := main.Dispatcher()
		metrics := NewMetrics(prometheus.NewRegistry())

		b := createTestNode(d, testGenesis, func(cfg *NodeConfig) {
			cfg.ExpectedOutgoingConnections = 0
		})
		require.NoError(t, b.Start())
		bAddr := listenAddress(b)

		a := createTestNode(d, testGenesis, func(cfg *NodeConfig) {
			cfg.PriorityNodes = []types.NetworkAddress{bAddr}
		}, WithMetrics(metrics))
		require.NoError(t, a.Start())

		ca, err := receiveWithin(main, a, 5*time.Second)
		require.NoError(t, err)
		cb, err := receiveWithin(main, b, 5*time.Second)
		require.NoError(t, err)

		assert.Equal(t, b.PeerID(), ca.PeerID())
		assert.False(t, ca.Incoming())
		assert.Equal(t, bAddr, ca.Address())
		assert.Equal(t, a.PeerID(), cb.PeerID())
		assert.True(t, cb.Incoming())
		assert.Equal(t, listenAddress(a).Port, cb.Address().Port)
		assert.Equal(t, P2PVersion, cb.Version())

		_, pool, ok := a.peerlist.Get(bAddr)
		require.True(t, ok)
		assert.Equal(t, peerlist.PoolWhite, pool)

		// The responder whitelists the initiator only after dialing it back.
		require.True(t, waitUntil(main, 5*time.Second, func() bool {
			_, pool, ok := b.peerlist.Get(listenAddress(a))
			return ok && pool == peerlist.PoolWhite
		}))

		assert.Equal(t, 1, a.NodeInfo().Outgoing)
		assert.Equal(t, 1, b.NodeInfo().Incoming)
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.handshakes.WithLabelValues("ok")))
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.active.WithLabelValues("outbound")))

		require.NoError(t, a.Stop(main))
		require.NoError(t, b.Stop(main))
		assert.True(t, ca.Closed())
		assert.Equal(t, float64(0), testutil.ToFloat64(metrics.active.WithLabelValues("outbound")))
		return nil
	})
}

func TestGenesisMismatchClosesBothSides(t *testing.T) {
	runMain(t, func(main *sched.Task) error {
		d := main.Dispatcher()
		b := createTestNode(d, otherGenesis, func(cfg *NodeConfig) {
			cfg.ExpectedOutgoingConnections = 0
		})
		require.NoError(t, b.Start())
		bAddr := listenAddress(b)

		a := createTestNode(d, testGenesis, func(cfg *NodeConfig) {
			cfg.PriorityNodes = []types.NetworkAddress{bAddr}
		})
		require.NoError(t, a.Start())

		require.True(t, waitUntil(main, 5*time.Second, func() bool {
			return closedWithClass(a, ClassProtocol) && closedWithClass(b, ClassProtocol)
		}))

		for _, n := range []*Node{a, b} {
			white, _ := n.peerlist.Len()
			assert.Zero(t, white)
			assert.Empty(t, n.queue)
			assert.Zero(t, n.NodeInfo().Incoming+n.NodeInfo().Outgoing)
		}
		assert.True(t, a.peerlist.RecentlyFailed(bAddr, time.Now()))

		closed := a.ClosedConnections()
		require.NotEmpty(t, closed)
		assert.Contains(t, closed[0].Error, "code=1005")

		require.NoError(t, a.Stop(main))
		require.NoError(t, b.Stop(main))
		return nil
	})
}

func TestStopDuringConnect(t *testing.T) {
	var once sync.Once
	dialing := make(chan struct{})
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		once.Do(func() { close(dialing) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	target := types.MustParseNetworkAddress("10.255.255.1:32347")

	runMain(t, func(main *sched.Task) error {
		d := main.Dispatcher()
		node := createTestNode(d, testGenesis, func(cfg *NodeConfig) {
			cfg.PriorityNodes = []types.NetworkAddress{target}
			cfg.Dial = dial
		})
		require.NoError(t, node.Start())

		_, err := sched.Await(main, func(ctx context.Context) (struct{}, error) {
			select {
			case <-dialing:
				return struct{}{}, nil
			case <-ctx.Done():
				return struct{}{}, ctx.Err()
			}
		}, nil)
		require.NoError(t, err)

		conns := node.Connections()
		require.Len(t, conns, 1)
		assert.Equal(t, StateConnecting.String(), conns[0].State)
		attempt := node.contexts.Front().Value.(*connContext).task

		receiver := d.Spawn(func(t *sched.Task) error {
			_, err := node.ReceiveConnection(t)
			return err
		})

		require.NoError(t, node.Stop(main))

		assert.ErrorIs(t, attempt.Err(), sched.ErrInterrupted)
		assert.True(t, node.connectorTask.Done())
		assert.ErrorIs(t, receiver.Join(main), ErrStopped)
		_, err = node.ReceiveConnection(main)
		assert.ErrorIs(t, err, ErrStopped)

		closed := node.ClosedConnections()
		require.Len(t, closed, 1)
		assert.Equal(t, ClassInterrupted.String(), closed[0].Class)
		assert.False(t, node.peerlist.RecentlyFailed(target, time.Now()), "shutdown is not held against the peer")
		return nil
	})
}

func TestPeerlistPushIsMergedByRead(t *testing.T) {
	runMain(t, func(main *sched.Task) error {
		d := main.Dispatcher()
		b := createTestNode(d, testGenesis, func(cfg *NodeConfig) {
			cfg.ExpectedOutgoingConnections = 0
		})
		require.NoError(t, b.Start())
		a := createTestNode(d, testGenesis, func(cfg *NodeConfig) {
			cfg.PriorityNodes = []types.NetworkAddress{listenAddress(b)}
		})
		require.NoError(t, a.Start())

		ca, err := receiveWithin(main, a, 5*time.Second)
		require.NoError(t, err)
		cb, err := receiveWithin(main, b, 5*time.Second)
		require.NoError(t, err)

		gossiped := types.MustParseNetworkAddress("10.1.2.3:32347")
		a.peerlist.MarkSuccess(gossiped, 99, time.Now())
		a.SetSyncData(CoreSyncData{CurrentHeight: 42})

		require.NoError(t, ca.PushPeerlist(main))
		require.NoError(t, ca.Write(main, Message{Command: 2002, Body: []byte{0xc0}}))

		msg, err := cb.Read(main)
		require.NoError(t, err)
		assert.Equal(t, uint32(2002), msg.Command)
		assert.Equal(t, []byte{0xc0}, msg.Body)
		assert.False(t, msg.Response)

		_, pool, ok := b.peerlist.Get(gossiped)
		require.True(t, ok, "pushed peer list is merged")
		assert.Equal(t, peerlist.PoolGray, pool)
		assert.Equal(t, uint32(42), cb.SyncData().CurrentHeight)

		ca.Close()
		assert.True(t, ca.Closed())
		assert.ErrorIs(t, ca.Write(main, Message{Command: 2002}), netio.ErrClosed)

		_, err = cb.Read(main)
		assert.Error(t, err)
		assert.True(t, cb.Closed())

		require.NoError(t, a.Stop(main))
		require.NoError(t, b.Stop(main))
		return nil
	})
}

func TestInspectorReadsFromOtherGoroutines(t *testing.T) {
	d := sched.NewDispatcher()
	node := createTestNode(d, testGenesis, nil)
	inspector := NewInspector(node)

	type result struct {
		info  types.NodeInfo
		conns []types.ConnectionInfo
		err   error
	}
	results := make(chan result, 1)
	main := d.Spawn(func(main *sched.Task) error {
		if err := node.Start(); err != nil {
			return err
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			info, err := inspector.NodeInfo(ctx)
			var conns []types.ConnectionInfo
			if err == nil {
				conns, err = inspector.Connections(ctx)
			}
			results <- result{info: info, conns: conns, err: err}
		}()

		res, err := sched.Await(main, func(ctx context.Context) (result, error) {
			select {
			case r := <-results:
				return r, nil
			case <-ctx.Done():
				return result{}, ctx.Err()
			}
		}, nil)
		if err != nil {
			return err
		}
		require.NoError(t, res.err)
		assert.Equal(t, node.PeerID().String(), res.info.PeerID)
		assert.Equal(t, node.ListenAddress(), res.info.ListenAddress)
		assert.Empty(t, res.conns)
		return node.Stop(main)
	})
	require.NoError(t, d.Run())
	require.NoError(t, main.Err())

	_, err := inspector.Peers(context.Background())
	assert.ErrorIs(t, err, sched.ErrStopped)
}

func TestInterruptedReadMidFrameClosesConnection(t *testing.T) {
	runMain(t, func(main *sched.Task) error {
		d := main.Dispatcher()
		node := createTestNode(d, testGenesis, func(cfg *NodeConfig) {
			cfg.ExpectedOutgoingConnections = 0
		})
		require.NoError(t, node.Start())

		raw := rawHandshake(t, main, node)
		defer raw.Close()
		conn, err := receiveWithin(main, node, 5*time.Second)
		require.NoError(t, err)

		timer := sched.NewTimer(d)
		read := func() *sched.Task {
			return d.Spawn(func(task *sched.Task) error {
				_, err := conn.Read(task)
				return err
			})
		}

		// Interrupted between frames: the connection stays usable.
		reader := read()
		require.NoError(t, timer.Sleep(main, 100*time.Millisecond))
		reader.Interrupt()
		assert.ErrorIs(t, reader.Join(main), sched.ErrInterrupted)
		assert.False(t, conn.Closed())

		var frame [frameHeaderSize]byte
		frameHeader{Command: 2002, Flags: flagRequest}.encode(frame[:])
		_, err = raw.Write(main, frame[:])
		require.NoError(t, err)
		msg, err := conn.Read(main)
		require.NoError(t, err)
		assert.Equal(t, uint32(2002), msg.Command)

		// Interrupted inside a frame: the stream is lost, so is the connection.
		reader = read()
		_, err = raw.Write(main, frame[:5])
		require.NoError(t, err)
		require.NoError(t, timer.Sleep(main, 200*time.Millisecond))
		reader.Interrupt()
		assert.ErrorIs(t, reader.Join(main), sched.ErrInterrupted)
		assert.True(t, conn.Closed())
		assert.Empty(t, node.Connections())

		return node.Stop(main)
	})
}

func TestIdleConnectionNoticesRemoteClose(t *testing.T) {
	runMain(t, func(main *sched.Task) error {
		node := createTestNode(main.Dispatcher(), testGenesis, func(cfg *NodeConfig) {
			cfg.ExpectedOutgoingConnections = 0
			cfg.TimedSyncInterval = 20 * time.Millisecond
		})
		require.NoError(t, node.Start())

		raw := rawHandshake(t, main, node)
		require.True(t, waitUntil(main, 5*time.Second, func() bool {
			return len(node.Connections()) == 1
		}))

		// Nobody receives the connection, only the timed sync writes to it.
		require.NoError(t, raw.Close())
		require.True(t, waitUntil(main, 5*time.Second, func() bool {
			return len(node.Connections()) == 0
		}))
		closed := node.ClosedConnections()
		require.Len(t, closed, 1)
		assert.Equal(t, ClassTransient.String(), closed[0].Class)

		return node.Stop(main)
	})
}
