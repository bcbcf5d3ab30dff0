package peerlist

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aporia-zero/peernet/pkg/types"
	"github.com/ethereum/go-ethereum/rlp"
)

// SnapshotVersion is written into every snapshot. Load refuses others.
const SnapshotVersion uint32 = 1

// maxSnapshotSize bounds what Load reads from its source.
const maxSnapshotSize = 16 << 20

var (
	ErrCorruptSnapshot = errors.New("peerlist: corrupt snapshot")
	ErrSnapshotVersion = errors.New("peerlist: unsupported snapshot version")
)

type snapshot struct {
	Version uint32
	Entries []snapshotEntry
}

type snapshotEntry struct {
	Host     string
	Port     uint16
	ID       uint64
	LastSeen uint64 // unix seconds
	Pool     uint8
}

// Save writes both pools as a versioned RLP snapshot.
func (m *Manager) Save(w io.Writer) error {
	snap := snapshot{Version: SnapshotVersion}
	for _, pool := range []Pool{PoolWhite, PoolGray} {
		for _, e := range m.sorted(m.pool(pool)) {
			snap.Entries = append(snap.Entries, snapshotEntry{
				Host:     e.Address.Host,
				Port:     e.Address.Port,
				ID:       uint64(e.ID),
				LastSeen: uint64(e.LastSeen.Unix()),
				Pool:     uint8(pool),
			})
		}
	}
	if err := rlp.Encode(w, &snap); err != nil {
		return fmt.Errorf("writing peer list snapshot: %w", err)
	}
	return nil
}

// Load replaces the pools with a snapshot written by Save. On any failure
// the manager is left empty and the error wraps ErrCorruptSnapshot or
// ErrSnapshotVersion, so callers can log it and carry on.
func (m *Manager) Load(r io.Reader) error {
	m.Clear()

	data, err := io.ReadAll(io.LimitReader(r, maxSnapshotSize+1))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if len(data) > maxSnapshotSize {
		return fmt.Errorf("%w: larger than %d bytes", ErrCorruptSnapshot, maxSnapshotSize)
	}

	var snap snapshot
	if err := rlp.DecodeBytes(data, &snap); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrSnapshotVersion, snap.Version, SnapshotVersion)
	}

	for i, se := range snap.Entries {
		entry := types.PeerlistEntry{
			Address:  types.NetworkAddress{Host: se.Host, Port: se.Port},
			ID:       types.PeerID(se.ID),
			LastSeen: time.Unix(int64(se.LastSeen), 0),
		}
		if !entry.Address.Valid() || se.Pool > uint8(PoolWhite) {
			m.Clear()
			return fmt.Errorf("%w: bad entry %d", ErrCorruptSnapshot, i)
		}
		if _, _, dup := m.Get(entry.Address); dup {
			continue
		}
		if Pool(se.Pool) == PoolWhite {
			m.insert(m.white, m.cfg.WhiteCapacity, entry)
		} else {
			m.insert(m.gray, m.cfg.GrayCapacity, entry)
		}
	}
	return nil
}
