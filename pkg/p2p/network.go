package p2p

import (
	"errors"
	"time"

	"github.com/aporia-zero/peernet/pkg/netio"
	"github.com/aporia-zero/peernet/pkg/peerlist"
	"github.com/aporia-zero/peernet/pkg/sched"
	"github.com/aporia-zero/peernet/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

// ErrStopped is returned by ReceiveConnection once Stop has been called.
var ErrStopped = errors.New("p2p: node stopped")

// errDuplicate closes a connection to a peer that already has an active one.
var errDuplicate = errors.New("p2p: duplicate connection")

// NodeConfig holds the P2P node configuration
type NodeConfig struct {
	BindAddress  string // host:port to listen on
	ExternalPort uint16 // advertised port, 0 means the bound port
	HideMyPort   bool   // advertise port 0 so peers never dial back

	GenesisHash common.Hash

	ExpectedOutgoingConnections int
	ConnectInterval             time.Duration
	ConnectTimeout              time.Duration
	HandshakeTimeout            time.Duration
	PingTimeout                 time.Duration
	TimedSyncInterval           time.Duration // peer list push on every active connection
	HandshakePeers              int           // size of the peer list sample sent in handshakes and pushes
	MaxFrameSize                uint32

	ExclusiveNodes []types.NetworkAddress
	PriorityNodes  []types.NetworkAddress
	SeedNodes      []types.NetworkAddress

	AcceptRate    float64 // inbound sockets per second, 0 disables the limit
	AcceptBurst   int
	ClosedHistory int

	Peerlist peerlist.Config

	// Dial replaces the system dialer for outbound connections.
	Dial netio.DialFunc
}

// DefaultNodeConfig returns the configuration used by the daemon.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		BindAddress:                 "0.0.0.0:32347",
		ExpectedOutgoingConnections: 8,
		ConnectInterval:             time.Second,
		ConnectTimeout:              5 * time.Second,
		HandshakeTimeout:            5 * time.Second,
		PingTimeout:                 2 * time.Second,
		TimedSyncInterval:           time.Minute,
		HandshakePeers:              250,
		MaxFrameSize:                DefaultMaxFrameSize,
		AcceptRate:                  50,
		AcceptBurst:                 100,
		ClosedHistory:               64,
		Peerlist:                    peerlist.DefaultConfig(),
	}
}

// withDefaults fills zero fields from DefaultNodeConfig.
func (c NodeConfig) withDefaults() NodeConfig {
	def := DefaultNodeConfig()
	if c.BindAddress == "" {
		c.BindAddress = def.BindAddress
	}
	if c.ConnectInterval <= 0 {
		c.ConnectInterval = def.ConnectInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = def.PingTimeout
	}
	if c.TimedSyncInterval <= 0 {
		c.TimedSyncInterval = def.TimedSyncInterval
	}
	if c.HandshakePeers <= 0 {
		c.HandshakePeers = def.HandshakePeers
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = def.AcceptBurst
	}
	if c.ClosedHistory <= 0 {
		c.ClosedHistory = def.ClosedHistory
	}
	return c
}

// ConnState is the lifecycle state of one connection.
type ConnState uint8

const (
	StateConnecting ConnState = iota
	StateHandshaking
	StateActive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// ErrorClass groups connection errors by how the node reacts to them.
type ErrorClass uint8

const (
	ClassNone        ErrorClass = iota // closed normally or as a duplicate
	ClassProtocol                      // peer broke the protocol, drop the connection
	ClassTransient                     // I/O failure, the peer may be retried later
	ClassInterrupted                   // shutdown, never held against the peer
)

func (c ErrorClass) String() string {
	switch c {
	case ClassProtocol:
		return "protocol"
	case ClassTransient:
		return "transient"
	case ClassInterrupted:
		return "interrupted"
	default:
		return "none"
	}
}

// Classify maps a connection error to its class.
func Classify(err error) ErrorClass {
	switch {
	case err == nil, errors.Is(err, errDuplicate):
		return ClassNone
	case errors.Is(err, sched.ErrInterrupted), errors.Is(err, ErrStopped), errors.Is(err, netio.ErrStopped):
		return ClassInterrupted
	case types.IsProtocolError(err):
		return ClassProtocol
	default:
		return ClassTransient
	}
}
