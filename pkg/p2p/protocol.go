package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/aporia-zero/peernet/pkg/netio"
	"github.com/aporia-zero/peernet/pkg/sched"
	"github.com/aporia-zero/peernet/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Protocol versions
const (
	P2PVersion        uint8 = 1
	P2PMinimumVersion uint8 = 1
)

// Commands handled by the node itself. Any other command is passed to the
// layer that received the connection.
const (
	commandsPoolBase = 1000

	CmdHandshake uint32 = commandsPoolBase + 1
	CmdTimedSync uint32 = commandsPoolBase + 2
	CmdPing      uint32 = commandsPoolBase + 3
)

// Frame layout, big endian:
//
//	magic u32 | command u32 | flags u8 | status u16 | length u32 | body
const (
	frameMagic      uint32 = 0x01211101
	frameHeaderSize        = 15

	DefaultMaxFrameSize = 4 << 20

	flagRequest  uint8 = 0x01
	flagResponse uint8 = 0x02

	statusOK uint16 = 0
)

const pingStatusOK = "OK"

// Message is one frame exchanged with the upper layer.
type Message struct {
	Command  uint32
	Body     []byte
	Response bool
}

type frameHeader struct {
	Command uint32
	Flags   uint8
	Status  uint16
	Length  uint32
}

func (h frameHeader) encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], frameMagic)
	binary.BigEndian.PutUint32(buf[4:8], h.Command)
	buf[8] = h.Flags
	binary.BigEndian.PutUint16(buf[9:11], h.Status)
	binary.BigEndian.PutUint32(buf[11:15], h.Length)
}

func decodeFrameHeader(buf []byte, maxBody uint32) (frameHeader, error) {
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != frameMagic {
		return frameHeader{}, types.NewNetworkError(types.ErrCodeMessageFormat, "bad frame magic %#x", magic)
	}
	h := frameHeader{
		Command: binary.BigEndian.Uint32(buf[4:8]),
		Flags:   buf[8],
		Status:  binary.BigEndian.Uint16(buf[9:11]),
		Length:  binary.BigEndian.Uint32(buf[11:15]),
	}
	if h.Length > maxBody {
		return frameHeader{}, types.NewNetworkError(types.ErrCodeMessageFormat,
			"frame body of %d bytes exceeds limit %d", h.Length, maxBody)
	}
	if h.Flags&(flagRequest|flagResponse) == 0 {
		return frameHeader{}, types.NewNetworkError(types.ErrCodeMessageFormat, "frame flags %#x", h.Flags)
	}
	return h, nil
}

// errTornFrame marks an interrupted transfer that left part of a frame on
// the wire. The stream cannot be resynchronized afterwards.
var errTornFrame = errors.New("p2p: frame cut off mid-transfer")

func tornFrame(err error) error {
	if errors.Is(err, sched.ErrInterrupted) {
		return fmt.Errorf("%w: %w", err, errTornFrame)
	}
	return err
}

func writeFrame(t *sched.Task, conn *netio.Conn, h frameHeader, body []byte) error {
	h.Length = uint32(len(body))
	buf := make([]byte, frameHeaderSize+len(body))
	h.encode(buf)
	copy(buf[frameHeaderSize:], body)
	n, err := conn.Write(t, buf)
	if err != nil && n > 0 && n < len(buf) {
		return tornFrame(err)
	}
	return err
}

func readFrame(t *sched.Task, conn *netio.Conn, maxBody uint32) (frameHeader, []byte, error) {
	var head [frameHeaderSize]byte
	if n, err := conn.ReadFull(t, head[:]); err != nil {
		if n > 0 {
			err = tornFrame(err)
		}
		return frameHeader{}, nil, err
	}
	h, err := decodeFrameHeader(head[:], maxBody)
	if err != nil {
		return frameHeader{}, nil, err
	}
	body := make([]byte, h.Length)
	if _, err := conn.ReadFull(t, body); err != nil {
		return frameHeader{}, nil, tornFrame(err)
	}
	return h, body, nil
}

// BasicNodeData identifies the sender of a handshake.
type BasicNodeData struct {
	Version     uint8
	PeerID      uint64
	LocalTime   uint64
	MyPort      uint32
	GenesisHash common.Hash
}

// CoreSyncData is carried for the upper sync layer and not interpreted here.
type CoreSyncData struct {
	CurrentHeight uint32
	TopID         common.Hash
}

type wirePeer struct {
	Host     string
	Port     uint16
	ID       uint64
	LastSeen uint64
}

type handshakeMessage struct {
	Node     BasicNodeData
	SyncData CoreSyncData
	Peerlist []wirePeer
}

type timedSyncMessage struct {
	LocalTime uint64
	SyncData  CoreSyncData
	Peerlist  []wirePeer
}

type pingResponse struct {
	Status string
	PeerID uint64
}

func encodePeerlist(entries []types.PeerlistEntry) []wirePeer {
	out := make([]wirePeer, 0, len(entries))
	for _, e := range entries {
		out = append(out, wirePeer{
			Host:     e.Address.Host,
			Port:     e.Address.Port,
			ID:       uint64(e.ID),
			LastSeen: uint64(e.LastSeen.Unix()),
		})
	}
	return out
}

func decodePeerlist(peers []wirePeer) []types.PeerlistEntry {
	out := make([]types.PeerlistEntry, 0, len(peers))
	for _, p := range peers {
		out = append(out, types.PeerlistEntry{
			Address:  types.NetworkAddress{Host: p.Host, Port: p.Port},
			ID:       types.PeerID(p.ID),
			LastSeen: time.Unix(int64(p.LastSeen), 0),
		})
	}
	return out
}

func decodeBody(data []byte, v interface{}) error {
	if err := rlp.DecodeBytes(data, v); err != nil {
		return types.NewNetworkError(types.ErrCodeMessageFormat, "decoding body: %v", err)
	}
	return nil
}

func unixTime(v uint64) time.Time {
	return time.Unix(int64(v), 0)
}
