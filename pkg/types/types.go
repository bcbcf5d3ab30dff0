package types

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/multiformats/go-multiaddr"
)

// NetworkAddress identifies a peer endpoint. It is the key of the peer list.
type NetworkAddress struct {
	Host string
	Port uint16
}

// ParseNetworkAddress accepts "host:port" or a multiaddr such as
// "/ip4/10.0.0.1/tcp/8080".
func ParseNetworkAddress(s string) (NetworkAddress, error) {
	if strings.HasPrefix(s, "/") {
		return parseMultiaddr(s)
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NetworkAddress{}, fmt.Errorf("parsing address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return NetworkAddress{}, fmt.Errorf("parsing port of %q: %w", s, err)
	}
	addr := NetworkAddress{Host: host, Port: uint16(port)}
	if !addr.Valid() {
		return NetworkAddress{}, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}

func parseMultiaddr(s string) (NetworkAddress, error) {
	maddr, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return NetworkAddress{}, fmt.Errorf("parsing multiaddr %q: %w", s, err)
	}

	var host string
	for _, code := range []int{multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS4, multiaddr.P_DNS6, multiaddr.P_DNS} {
		if v, err := maddr.ValueForProtocol(code); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return NetworkAddress{}, fmt.Errorf("multiaddr %q has no host component", s)
	}

	portStr, err := maddr.ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return NetworkAddress{}, fmt.Errorf("multiaddr %q has no tcp component", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return NetworkAddress{}, fmt.Errorf("invalid tcp port in %q", s)
	}
	return NetworkAddress{Host: host, Port: uint16(port)}, nil
}

// MustParseNetworkAddress is ParseNetworkAddress for constants and tests.
func MustParseNetworkAddress(s string) NetworkAddress {
	addr, err := ParseNetworkAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// Valid reports whether the address can be dialed.
func (a NetworkAddress) Valid() bool {
	return a.Host != "" && a.Port != 0
}

// IsLocal reports whether the host is loopback, unspecified or "localhost".
func (a NetworkAddress) IsLocal() bool {
	if a.Host == "localhost" {
		return true
	}
	ip := net.ParseIP(a.Host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

func (a NetworkAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// PeerID is the random identity a node announces in its handshake.
type PeerID uint64

func (id PeerID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// PeerlistEntry is one known peer.
type PeerlistEntry struct {
	Address  NetworkAddress
	ID       PeerID
	LastSeen time.Time
}

// PeerInfo is the JSON view of a peer list entry.
type PeerInfo struct {
	Address  string    `json:"address"`
	ID       string    `json:"id"`
	LastSeen time.Time `json:"last_seen"`
	Pool     string    `json:"pool"`
}

// NodeInfo summarizes a running node for the API.
type NodeInfo struct {
	PeerID          string `json:"peer_id"`
	ListenAddress   string `json:"listen_address"`
	ProtocolVersion uint8  `json:"protocol_version"`
	GenesisHash     string `json:"genesis_hash"`
	Incoming        int    `json:"incoming"`
	Outgoing        int    `json:"outgoing"`
	WhitePeers      int    `json:"white_peers"`
	GrayPeers       int    `json:"gray_peers"`
	Stopped         bool   `json:"stopped"`
}

// ConnectionInfo describes one live or recently closed connection.
type ConnectionInfo struct {
	ID       string     `json:"id"`
	Address  string     `json:"address"`
	PeerID   string     `json:"peer_id,omitempty"`
	Incoming bool       `json:"incoming"`
	State    string     `json:"state"`
	Class    string     `json:"class,omitempty"`
	Error    string     `json:"error,omitempty"`
	Started  time.Time  `json:"started"`
	Closed   *time.Time `json:"closed,omitempty"`
}

// Error types
type NetworkError struct {
	Code    int
	Message string
}

func (e NetworkError) Error() string {
	return fmt.Sprintf("network error (code=%d): %s", e.Code, e.Message)
}

// Is matches any NetworkError with the same code.
func (e NetworkError) Is(target error) bool {
	t, ok := target.(NetworkError)
	return ok && t.Code == e.Code
}

// NewNetworkError builds a NetworkError with a formatted message.
func NewNetworkError(code int, format string, args ...interface{}) NetworkError {
	return NetworkError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Network error codes
const (
	ErrCodePeerConnection = iota + 1000
	ErrCodeMessageFormat
	ErrCodeProtocolVersion
	ErrCodeTxPool
	ErrCodeDiscovery
	ErrCodeGenesisMismatch
	ErrCodeSelfConnection
	ErrCodeFuturePeerlist
)

// Sentinels for errors.Is checks; the message is ignored when matching.
var (
	ErrPeerConnection  = NetworkError{Code: ErrCodePeerConnection, Message: "peer connection failed"}
	ErrMessageFormat   = NetworkError{Code: ErrCodeMessageFormat, Message: "malformed message"}
	ErrProtocolVersion = NetworkError{Code: ErrCodeProtocolVersion, Message: "unsupported protocol version"}
	ErrGenesisMismatch = NetworkError{Code: ErrCodeGenesisMismatch, Message: "genesis hash mismatch"}
	ErrSelfConnection  = NetworkError{Code: ErrCodeSelfConnection, Message: "connection to self"}
	ErrFuturePeerlist  = NetworkError{Code: ErrCodeFuturePeerlist, Message: "peer list from the future"}
)

// IsProtocolError reports whether err means the remote peer broke the
// protocol. Such errors end the connection but not the node.
func IsProtocolError(err error) bool {
	var ne NetworkError
	if !errors.As(err, &ne) {
		return false
	}
	switch ne.Code {
	case ErrCodeMessageFormat, ErrCodeProtocolVersion, ErrCodeGenesisMismatch,
		ErrCodeSelfConnection, ErrCodeFuturePeerlist:
		return true
	}
	return false
}
