package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/aporia-zero/peernet/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	ErrPoolFull        = errors.New("transaction pool is full")
	ErrTxTooLarge      = errors.New("transaction size exceeds maximum")
	ErrTxAlreadyExists = errors.New("transaction already exists in pool")
	ErrTxNotFound      = errors.New("transaction not found in pool")
)

// PoolConfig represents relay pool configuration
type PoolConfig struct {
	MaxSize            int
	MaxTransactionSize int
	ExpirationDuration time.Duration
	CleanupInterval    time.Duration
}

// DefaultPoolConfig returns the pool limits used by the daemon.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:            10000,
		MaxTransactionSize: 1 << 20, // 1MB
		ExpirationDuration: 24 * time.Hour,
		CleanupInterval:    15 * time.Minute,
	}
}

// PoolTransaction represents a transaction held for relaying
type PoolTransaction struct {
	Hash        common.Hash
	Blob        []byte
	Transaction *types.Transaction
	Source      string
	AddedAt     time.Time
}

// PoolStatus represents pool counters
type PoolStatus struct {
	CurrentSize   int `json:"current_size"`
	AddedCount    int `json:"added_count"`
	RejectedCount int `json:"rejected_count"`
	ExpiredCount  int `json:"expired_count"`
}

// TransactionPool keeps verified transactions until they expire. It is
// shared with HTTP handlers and therefore guarded by a mutex that is never
// held across a suspension point.
type TransactionPool struct {
	config PoolConfig
	now    func() time.Time

	mu          sync.RWMutex
	txs         map[common.Hash]*PoolTransaction
	byTimestamp []common.Hash
	status      PoolStatus

	logger *zap.Logger
}

// NewTransactionPool creates an empty pool.
func NewTransactionPool(config PoolConfig, logger *zap.Logger) *TransactionPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionPool{
		config: config,
		now:    time.Now,
		txs:    make(map[common.Hash]*PoolTransaction),
		logger: logger,
	}
}

// AddTransaction stores a verified transaction.
func (p *TransactionPool) AddTransaction(hash common.Hash, blob []byte, tx *types.Transaction, source string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(blob) > p.config.MaxTransactionSize {
		return ErrTxTooLarge
	}
	if _, exists := p.txs[hash]; exists {
		return ErrTxAlreadyExists
	}
	if len(p.txs) >= p.config.MaxSize {
		return ErrPoolFull
	}

	p.txs[hash] = &PoolTransaction{
		Hash:        hash,
		Blob:        blob,
		Transaction: tx,
		Source:      source,
		AddedAt:     p.now(),
	}
	p.byTimestamp = append(p.byTimestamp, hash)
	p.status.CurrentSize = len(p.txs)
	p.status.AddedCount++

	p.logger.Debug("Transaction added to pool",
		zap.String("hash", hash.Hex()),
		zap.String("source", source),
		zap.Int("pool_size", len(p.txs)))
	return nil
}

// RecordRejected counts a transaction that failed verification.
func (p *TransactionPool) RecordRejected() {
	p.mu.Lock()
	p.status.RejectedCount++
	p.mu.Unlock()
}

// GetTransaction retrieves a transaction from the pool
func (p *TransactionPool) GetTransaction(hash common.Hash) (*PoolTransaction, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if ptx, exists := p.txs[hash]; exists {
		return ptx, nil
	}
	return nil, ErrTxNotFound
}

// HasTransaction checks if a transaction exists in the pool
func (p *TransactionPool) HasTransaction(hash common.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[hash]
	return exists
}

// GetPendingTransactions returns every pooled transaction, oldest first.
func (p *TransactionPool) GetPendingTransactions() []*PoolTransaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*PoolTransaction, 0, len(p.byTimestamp))
	for _, hash := range p.byTimestamp {
		result = append(result, p.txs[hash])
	}
	return result
}

// Blobs returns the encoded form of every pooled transaction, oldest first.
func (p *TransactionPool) Blobs() [][]byte {
	pending := p.GetPendingTransactions()
	blobs := make([][]byte, 0, len(pending))
	for _, ptx := range pending {
		blobs = append(blobs, ptx.Blob)
	}
	return blobs
}

// RemoveTransaction removes a transaction from the pool
func (p *TransactionPool) RemoveTransaction(hash common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.txs[hash]; exists {
		delete(p.txs, hash)
		p.removeFromIndex(hash)
		p.status.CurrentSize = len(p.txs)
	}
}

// Cleanup drops transactions older than the expiration duration and returns
// how many were removed.
func (p *TransactionPool) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	expired := 0
	for len(p.byTimestamp) > 0 {
		hash := p.byTimestamp[0]
		if now.Sub(p.txs[hash].AddedAt) <= p.config.ExpirationDuration {
			break
		}
		delete(p.txs, hash)
		p.byTimestamp = p.byTimestamp[1:]
		expired++
	}

	if expired > 0 {
		p.status.CurrentSize = len(p.txs)
		p.status.ExpiredCount += expired
		p.logger.Info("Cleaned up expired transactions",
			zap.Int("expired", expired),
			zap.Int("remaining", len(p.txs)))
	}
	return expired
}

// GetStatus returns the current pool status
func (p *TransactionPool) GetStatus() PoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Size returns the current number of transactions in the pool
func (p *TransactionPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Internal methods

func (p *TransactionPool) removeFromIndex(hash common.Hash) {
	for i, h := range p.byTimestamp {
		if h == hash {
			p.byTimestamp = append(p.byTimestamp[:i], p.byTimestamp[i+1:]...)
			return
		}
	}
}
