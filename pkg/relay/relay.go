// Package relay is the transaction relay layer on top of the p2p node. It
// takes every connection the node negotiates, exchanges transaction batches
// over it and keeps verified transactions in a pool until they expire.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aporia-zero/peernet/pkg/p2p"
	"github.com/aporia-zero/peernet/pkg/sched"
	"github.com/aporia-zero/peernet/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CmdRelayTransactions carries an RLP list of encoded transactions.
const CmdRelayTransactions uint32 = 2002

// sourceAPI marks transactions submitted through Submit.
const sourceAPI = "api"

// Config holds the relay configuration
type Config struct {
	Pool           PoolConfig
	GossipInterval time.Duration // how often each peer gets our peer list
	MaxBatch       int           // transactions per relay frame
}

// DefaultConfig returns the relay configuration used by the daemon.
func DefaultConfig() Config {
	return Config{
		Pool:           DefaultPoolConfig(),
		GossipInterval: time.Minute,
		MaxBatch:       100,
	}
}

// ConnectionSource yields negotiated connections. *p2p.Node implements it.
type ConnectionSource interface {
	ReceiveConnection(t *sched.Task) (*p2p.Connection, error)
}

// Relay moves transactions between peers.
type Relay struct {
	cfg      Config
	d        *sched.Dispatcher
	source   ConnectionSource
	pool     *TransactionPool
	verifier Verifier
	logger   *zap.Logger

	group *sched.Group
	peers map[uuid.UUID]*peer
}

type peer struct {
	conn         *p2p.Connection
	queue        [][]byte
	pushPeerlist bool
	wake         *sched.Event
	closed       bool
}

// New creates a relay reading connections from source. A nil verifier
// means BasicVerifier.
func New(d *sched.Dispatcher, source ConnectionSource, cfg Config, verifier Verifier, logger *zap.Logger) *Relay {
	if verifier == nil {
		verifier = BasicVerifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.GossipInterval <= 0 {
		cfg.GossipInterval = def.GossipInterval
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.Pool.MaxSize <= 0 {
		cfg.Pool.MaxSize = def.Pool.MaxSize
	}
	if cfg.Pool.MaxTransactionSize <= 0 {
		cfg.Pool.MaxTransactionSize = def.Pool.MaxTransactionSize
	}
	if cfg.Pool.ExpirationDuration <= 0 {
		cfg.Pool.ExpirationDuration = def.Pool.ExpirationDuration
	}
	if cfg.Pool.CleanupInterval <= 0 {
		cfg.Pool.CleanupInterval = def.Pool.CleanupInterval
	}
	return &Relay{
		cfg:      cfg,
		d:        d,
		source:   source,
		pool:     NewTransactionPool(cfg.Pool, logger),
		verifier: verifier,
		logger:   logger,
		group:    sched.NewGroup(d),
		peers:    make(map[uuid.UUID]*peer),
	}
}

// Pool returns the transaction pool. It is safe for concurrent use.
func (r *Relay) Pool() *TransactionPool {
	return r.pool
}

// Pending returns pooled transactions, oldest first.
func (r *Relay) Pending() []*PoolTransaction {
	return r.pool.GetPendingTransactions()
}

// Transaction looks up a pooled transaction.
func (r *Relay) Transaction(hash common.Hash) (*PoolTransaction, error) {
	return r.pool.GetTransaction(hash)
}

// Status returns the pool counters.
func (r *Relay) Status() PoolStatus {
	return r.pool.GetStatus()
}

// Run serves connections until the source stops. It spawns the pool
// cleanup and peer list gossip loops and drains every relay task before
// returning.
func (r *Relay) Run(t *sched.Task) error {
	r.group.Spawn(r.cleanupLoop)
	r.group.Spawn(r.gossipLoop)
	defer func() {
		r.group.Interrupt()
		_ = r.group.Wait(t)
	}()

	for {
		conn, err := r.source.ReceiveConnection(t)
		if err != nil {
			if errors.Is(err, p2p.ErrStopped) || errors.Is(err, sched.ErrInterrupted) {
				r.logger.Info("Relay stopped", zap.Int("pool_size", r.pool.Size()))
				return nil
			}
			return err
		}
		r.addPeer(conn)
	}
}

// Submit verifies blob, adds it to the pool and schedules it for every
// peer. Safe for concurrent use while Run is active.
func (r *Relay) Submit(ctx context.Context, blob []byte) (common.Hash, error) {
	hash, err := r.accept(blob, sourceAPI)
	if err != nil {
		return hash, err
	}
	err = r.d.Exec(ctx, func() { r.broadcast([][]byte{blob}, nil) })
	return hash, err
}

// Internal methods

// accept verifies and pools one encoded transaction.
func (r *Relay) accept(blob []byte, source string) (common.Hash, error) {
	hash := types.TransactionHash(blob)
	if len(blob) > r.cfg.Pool.MaxTransactionSize {
		r.pool.RecordRejected()
		return hash, ErrTxTooLarge
	}
	if r.pool.HasTransaction(hash) {
		return hash, ErrTxAlreadyExists
	}
	tx, err := types.DecodeTransaction(blob)
	if err != nil {
		r.pool.RecordRejected()
		return hash, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	if err := r.verifier.Verify(tx); err != nil {
		r.pool.RecordRejected()
		return hash, err
	}
	return hash, r.pool.AddTransaction(hash, blob, tx, source)
}

func (r *Relay) addPeer(conn *p2p.Connection) {
	p := &peer{conn: conn, wake: sched.NewEvent(r.d)}
	r.peers[conn.ID()] = p
	r.logger.Info("Relay peer added",
		zap.String("peer", conn.PeerID().String()),
		zap.String("addr", conn.Address().String()),
		zap.Int("peers", len(r.peers)))

	r.group.Spawn(func(t *sched.Task) error { return r.readLoop(t, p) })
	r.group.Spawn(func(t *sched.Task) error { return r.writeLoop(t, p) })
	if blobs := r.pool.Blobs(); len(blobs) > 0 {
		p.enqueue(blobs)
	}
}

func (r *Relay) removePeer(p *peer, cause error) {
	if p.closed {
		return
	}
	p.closed = true
	delete(r.peers, p.conn.ID())
	p.conn.Close()
	p.wake.Set()
	r.logger.Info("Relay peer removed",
		zap.String("peer", p.conn.PeerID().String()),
		zap.Error(cause))
}

func (r *Relay) readLoop(t *sched.Task, p *peer) error {
	for {
		msg, err := p.conn.Read(t)
		if err != nil {
			if errors.Is(err, sched.ErrInterrupted) {
				return nil
			}
			r.removePeer(p, err)
			return nil
		}
		if msg.Command != CmdRelayTransactions {
			r.logger.Debug("Ignoring unknown command",
				zap.Uint32("command", msg.Command),
				zap.String("peer", p.conn.PeerID().String()))
			continue
		}

		var blobs [][]byte
		if err := rlp.DecodeBytes(msg.Body, &blobs); err != nil {
			r.removePeer(p, types.NewNetworkError(types.ErrCodeTxPool, "malformed relay batch: %v", err))
			return nil
		}
		r.handleTransactions(blobs, p)
	}
}

func (r *Relay) handleTransactions(blobs [][]byte, from *peer) {
	var accepted [][]byte
	for _, blob := range blobs {
		hash, err := r.accept(blob, from.conn.Address().String())
		switch {
		case err == nil:
			accepted = append(accepted, blob)
		case errors.Is(err, ErrTxAlreadyExists):
		default:
			r.logger.Debug("Rejected relayed transaction",
				zap.String("hash", hash.Hex()),
				zap.String("peer", from.conn.PeerID().String()),
				zap.Error(err))
		}
	}
	if len(accepted) > 0 {
		r.broadcast(accepted, from)
	}
}

// broadcast queues blobs for every peer except the one they came from.
func (r *Relay) broadcast(blobs [][]byte, except *peer) {
	for _, p := range r.peers {
		if p != except {
			p.enqueue(blobs)
		}
	}
}

func (r *Relay) writeLoop(t *sched.Task, p *peer) error {
	for {
		if err := p.wake.Wait(t); err != nil {
			return nil
		}
		p.wake.Clear()
		if p.closed {
			return nil
		}

		if p.pushPeerlist {
			p.pushPeerlist = false
			if err := p.conn.PushPeerlist(t); err != nil {
				return r.writeFailed(p, err)
			}
		}

		batch := p.queue
		p.queue = nil
		for len(batch) > 0 {
			n := min(len(batch), r.cfg.MaxBatch)
			body, err := rlp.EncodeToBytes(batch[:n])
			if err != nil {
				return err
			}
			if err := p.conn.Write(t, p2p.Message{Command: CmdRelayTransactions, Body: body}); err != nil {
				return r.writeFailed(p, err)
			}
			batch = batch[n:]
		}
	}
}

func (r *Relay) writeFailed(p *peer, err error) error {
	if errors.Is(err, sched.ErrInterrupted) {
		return nil
	}
	r.removePeer(p, err)
	return nil
}

func (r *Relay) cleanupLoop(t *sched.Task) error {
	timer := sched.NewTimer(r.d)
	for {
		if err := timer.Sleep(t, r.cfg.Pool.CleanupInterval); err != nil {
			return nil
		}
		r.pool.Cleanup()
	}
}

func (r *Relay) gossipLoop(t *sched.Task) error {
	timer := sched.NewTimer(r.d)
	for {
		if err := timer.Sleep(t, r.cfg.GossipInterval); err != nil {
			return nil
		}
		for _, p := range r.peers {
			p.pushPeerlist = true
			p.wake.Set()
		}
	}
}

func (p *peer) enqueue(blobs [][]byte) {
	if p.closed {
		return
	}
	p.queue = append(p.queue, blobs...)
	p.wake.Set()
}
