// Package peerlist keeps the node's knowledge of other peers in two pools:
// white for peers we completed a handshake with, gray for addresses learned
// from gossip that have not been verified yet.
//
// A Manager is owned by one p2p node and is not safe for concurrent use.
package peerlist

import (
	"math/rand"
	"sort"
	"time"

	"github.com/aporia-zero/peernet/pkg/types"
	lru "github.com/hashicorp/golang-lru"
)

// Pool names one of the two peer pools.
type Pool uint8

const (
	PoolGray Pool = iota
	PoolWhite
)

func (p Pool) String() string {
	if p == PoolWhite {
		return "white"
	}
	return "gray"
}

// ErrFuturePeerlist is returned by Merge when the sender's entries are newer
// than the sender's own clock allows.
var ErrFuturePeerlist = types.NewNetworkError(types.ErrCodeFuturePeerlist, "peer list contains entries from the future")

// Config bounds the manager.
type Config struct {
	WhiteCapacity    int
	GrayCapacity     int
	MaxClockSkew     time.Duration // tolerated lead of a remote entry over the sender's clock
	RetryDelay       time.Duration // how long a failed peer is skipped by Select
	FailureCacheSize int
	WhitePercent     int // share of Select picks drawn from the white pool
}

// DefaultConfig returns the capacities used by the daemon.
func DefaultConfig() Config {
	return Config{
		WhiteCapacity:    1000,
		GrayCapacity:     5000,
		MaxClockSkew:     5 * time.Minute,
		RetryDelay:       30 * time.Second,
		FailureCacheSize: 1024,
		WhitePercent:     70,
	}
}

// Manager holds the white and gray pools. An address appears in at most one
// of them.
type Manager struct {
	cfg      Config
	white    map[types.NetworkAddress]*types.PeerlistEntry
	gray     map[types.NetworkAddress]*types.PeerlistEntry
	failures *lru.Cache // types.NetworkAddress -> time.Time
	rnd      *rand.Rand
}

// New returns an empty manager. Zero config fields take their defaults.
func New(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.WhiteCapacity <= 0 {
		cfg.WhiteCapacity = def.WhiteCapacity
	}
	if cfg.GrayCapacity <= 0 {
		cfg.GrayCapacity = def.GrayCapacity
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = def.MaxClockSkew
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.FailureCacheSize <= 0 {
		cfg.FailureCacheSize = def.FailureCacheSize
	}
	if cfg.WhitePercent <= 0 {
		cfg.WhitePercent = def.WhitePercent
	}
	if cfg.WhitePercent > 100 {
		cfg.WhitePercent = 100
	}

	failures, err := lru.New(cfg.FailureCacheSize)
	if err != nil {
		// Only reachable with a non-positive size, ruled out above.
		panic(err)
	}
	return &Manager{
		cfg:      cfg,
		white:    make(map[types.NetworkAddress]*types.PeerlistEntry),
		gray:     make(map[types.NetworkAddress]*types.PeerlistEntry),
		failures: failures,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Len returns the sizes of the white and gray pools.
func (m *Manager) Len() (white, gray int) {
	return len(m.white), len(m.gray)
}

// Get looks an address up in both pools.
func (m *Manager) Get(addr types.NetworkAddress) (types.PeerlistEntry, Pool, bool) {
	if e, ok := m.white[addr]; ok {
		return *e, PoolWhite, true
	}
	if e, ok := m.gray[addr]; ok {
		return *e, PoolGray, true
	}
	return types.PeerlistEntry{}, PoolGray, false
}

// AddGray records an unverified address unless it is already known.
func (m *Manager) AddGray(entry types.PeerlistEntry) bool {
	if !entry.Address.Valid() {
		return false
	}
	if _, _, known := m.Get(entry.Address); known {
		return false
	}
	m.insert(m.gray, m.cfg.GrayCapacity, entry)
	return true
}

// Merge folds a peer list received from a remote node into the gray pool.
// remoteTime is the sender's clock when it sent the list; entries are
// shifted by the difference to now. The whole list is rejected with
// ErrFuturePeerlist if any entry claims to be newer than remoteTime plus the
// tolerated skew. Merge returns the number of entries added or refreshed.
func (m *Manager) Merge(remote []types.PeerlistEntry, remoteTime, now time.Time) (int, error) {
	limit := remoteTime.Add(m.cfg.MaxClockSkew)
	for _, e := range remote {
		if e.LastSeen.After(limit) {
			return 0, ErrFuturePeerlist
		}
	}

	delta := now.Sub(remoteTime)
	changed := 0
	for _, e := range remote {
		if !e.Address.Valid() {
			continue
		}
		e.LastSeen = e.LastSeen.Add(delta)
		if e.LastSeen.After(now) {
			e.LastSeen = now
		}

		if known, ok := m.white[e.Address]; ok {
			if e.LastSeen.After(known.LastSeen) {
				known.LastSeen = e.LastSeen
				changed++
			}
			continue
		}
		if known, ok := m.gray[e.Address]; ok {
			if e.LastSeen.After(known.LastSeen) {
				known.LastSeen = e.LastSeen
				known.ID = e.ID
				changed++
			}
			continue
		}
		m.insert(m.gray, m.cfg.GrayCapacity, e)
		changed++
	}
	return changed, nil
}

// MarkSuccess promotes addr to the white pool after a completed handshake.
func (m *Manager) MarkSuccess(addr types.NetworkAddress, id types.PeerID, now time.Time) {
	if !addr.Valid() {
		return
	}
	m.failures.Remove(addr)
	delete(m.gray, addr)
	if e, ok := m.white[addr]; ok {
		e.ID = id
		e.LastSeen = now
		return
	}
	m.insert(m.white, m.cfg.WhiteCapacity, types.PeerlistEntry{Address: addr, ID: id, LastSeen: now})
}

// MarkFailure records a failed attempt. A white entry is demoted to gray, a
// gray entry is evicted.
func (m *Manager) MarkFailure(addr types.NetworkAddress, now time.Time) {
	m.failures.Add(addr, now)
	if e, ok := m.white[addr]; ok {
		delete(m.white, addr)
		m.insert(m.gray, m.cfg.GrayCapacity, *e)
		return
	}
	delete(m.gray, addr)
}

// RecentlyFailed reports whether addr failed within the retry delay.
func (m *Manager) RecentlyFailed(addr types.NetworkAddress, now time.Time) bool {
	v, ok := m.failures.Get(addr)
	if !ok {
		return false
	}
	return now.Sub(v.(time.Time)) < m.cfg.RetryDelay
}

// Select picks a peer to dial. The white pool is used for WhitePercent of
// the picks and the gray pool for the rest, falling back to whichever pool
// has a candidate. Within a pool the pick is random but favors recently
// seen entries, so nodes sharing a peer list spread their connections.
// Excluded and recently failed entries are never returned.
func (m *Manager) Select(exclude func(types.NetworkAddress) bool, now time.Time) (types.PeerlistEntry, Pool, bool) {
	white := m.candidates(m.white, exclude, now)
	gray := m.candidates(m.gray, exclude, now)

	pool, entries := PoolWhite, white
	if len(gray) > 0 && (len(white) == 0 || m.rnd.Intn(100) >= m.cfg.WhitePercent) {
		pool, entries = PoolGray, gray
	}
	if len(entries) == 0 {
		return types.PeerlistEntry{}, PoolGray, false
	}
	return entries[freshIndex(m.rnd, len(entries))], pool, true
}

func (m *Manager) candidates(pool map[types.NetworkAddress]*types.PeerlistEntry, exclude func(types.NetworkAddress) bool, now time.Time) []types.PeerlistEntry {
	entries := m.sorted(pool)
	out := entries[:0]
	for _, e := range entries {
		if exclude != nil && exclude(e.Address) {
			continue
		}
		if m.RecentlyFailed(e.Address, now) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// freshIndex returns a random index below n. The cubic curve makes the front
// of a freshest-first list far more likely than its tail.
func freshIndex(rnd *rand.Rand, n int) int {
	if n <= 1 {
		return 0
	}
	x := int64(rnd.Intn(n))
	last := int64(n - 1)
	return int(x * x * x / (last * last))
}

// Sample returns up to n white entries, most recently seen first.
func (m *Manager) Sample(n int) []types.PeerlistEntry {
	entries := m.sorted(m.white)
	if n >= 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// White returns the white pool, most recently seen first.
func (m *Manager) White() []types.PeerlistEntry {
	return m.sorted(m.white)
}

// Gray returns the gray pool, most recently seen first.
func (m *Manager) Gray() []types.PeerlistEntry {
	return m.sorted(m.gray)
}

// Clear drops every entry and failure record.
func (m *Manager) Clear() {
	m.white = make(map[types.NetworkAddress]*types.PeerlistEntry)
	m.gray = make(map[types.NetworkAddress]*types.PeerlistEntry)
	m.failures.Purge()
}

func (m *Manager) pool(p Pool) map[types.NetworkAddress]*types.PeerlistEntry {
	if p == PoolWhite {
		return m.white
	}
	return m.gray
}

// insert adds entry, evicting the least recently seen entry when full.
func (m *Manager) insert(pool map[types.NetworkAddress]*types.PeerlistEntry, capacity int, entry types.PeerlistEntry) {
	if len(pool) >= capacity {
		var oldest *types.PeerlistEntry
		for _, e := range pool {
			if oldest == nil || olderThan(e, oldest) {
				oldest = e
			}
		}
		if oldest != nil {
			delete(pool, oldest.Address)
		}
	}
	e := entry
	pool[entry.Address] = &e
}

func (m *Manager) sorted(pool map[types.NetworkAddress]*types.PeerlistEntry) []types.PeerlistEntry {
	entries := make([]types.PeerlistEntry, 0, len(pool))
	for _, e := range pool {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return olderThan(&entries[j], &entries[i])
	})
	return entries
}

// olderThan orders by last-seen, breaking ties by address so that eviction
// and selection are deterministic.
func olderThan(a, b *types.PeerlistEntry) bool {
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.Before(b.LastSeen)
	}
	return a.Address.String() > b.Address.String()
}
