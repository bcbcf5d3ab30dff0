package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/aporia-zero/peernet/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper function to create test transaction
func createTestTransaction(t *testing.T, seed byte) (common.Hash, []byte, *types.Transaction) {
	t.Helper()
	tx := &types.Transaction{
		Version: 1,
		Inputs: []types.TransactionInput{
			types.KeyInput{Amount: 1000, OutputIndexes: []uint32{1, 2}, KeyImage: common.Hash{seed}},
		},
		Outputs: []types.TransactionOutput{
			{Amount: 900, Target: types.KeyOutput{Key: common.Hash{seed, 1}}},
		},
	}
	blob, err := types.EncodeTransaction(tx)
	require.NoError(t, err)
	return types.TransactionHash(blob), blob, tx
}

func newTestPool(config PoolConfig) (*TransactionPool, *time.Time) {
	pool := NewTransactionPool(config, nil)
	now := time.Unix(1_700_000_000, 0)
	pool.now = func() time.Time { return now }
	return pool, &now
}

func TestAddTransaction(t *testing.T) {
	pool, _ := newTestPool(DefaultPoolConfig())
	hash, blob, tx := createTestTransaction(t, 1)

	require.NoError(t, pool.AddTransaction(hash, blob, tx, "test"))
	assert.Equal(t, 1, pool.Size())
	assert.True(t, pool.HasTransaction(hash))

	assert.ErrorIs(t, pool.AddTransaction(hash, blob, tx, "test"), ErrTxAlreadyExists)
	assert.Equal(t, 1, pool.GetStatus().AddedCount)
}

func TestGetTransaction(t *testing.T) {
	pool, _ := newTestPool(DefaultPoolConfig())
	hash, blob, tx := createTestTransaction(t, 1)
	require.NoError(t, pool.AddTransaction(hash, blob, tx, "10.0.0.1:32347"))

	ptx, err := pool.GetTransaction(hash)
	require.NoError(t, err)
	assert.Equal(t, blob, ptx.Blob)
	assert.Equal(t, "10.0.0.1:32347", ptx.Source)

	_, err = pool.GetTransaction(common.Hash{0xff})
	assert.ErrorIs(t, err, ErrTxNotFound)
}

func TestRemoveTransaction(t *testing.T) {
	pool, _ := newTestPool(DefaultPoolConfig())
	hash, blob, tx := createTestTransaction(t, 1)
	require.NoError(t, pool.AddTransaction(hash, blob, tx, "test"))

	pool.RemoveTransaction(hash)
	assert.Equal(t, 0, pool.Size())
	assert.Empty(t, pool.Blobs())
	pool.RemoveTransaction(hash)
}

func TestPoolLimits(t *testing.T) {
	config := DefaultPoolConfig()
	config.MaxSize = 2
	config.MaxTransactionSize = 512
	pool, _ := newTestPool(config)

	for i := byte(1); i <= 2; i++ {
		hash, blob, tx := createTestTransaction(t, i)
		require.NoError(t, pool.AddTransaction(hash, blob, tx, "test"))
	}
	hash, blob, tx := createTestTransaction(t, 3)
	assert.ErrorIs(t, pool.AddTransaction(hash, blob, tx, "test"), ErrPoolFull)

	large := make([]byte, 513)
	assert.ErrorIs(t, pool.AddTransaction(types.TransactionHash(large), large, tx, "test"), ErrTxTooLarge)
}

func TestPendingTransactionsAreOldestFirst(t *testing.T) {
	pool, now := newTestPool(DefaultPoolConfig())
	var hashes []common.Hash
	for i := byte(1); i <= 3; i++ {
		hash, blob, tx := createTestTransaction(t, i)
		require.NoError(t, pool.AddTransaction(hash, blob, tx, "test"))
		hashes = append(hashes, hash)
		*now = now.Add(time.Second)
	}
	pool.RemoveTransaction(hashes[1])

	pending := pool.GetPendingTransactions()
	require.Len(t, pending, 2)
	assert.Equal(t, hashes[0], pending[0].Hash)
	assert.Equal(t, hashes[2], pending[1].Hash)
}

func TestCleanupExpiresOldTransactions(t *testing.T) {
	config := DefaultPoolConfig()
	config.ExpirationDuration = time.Hour
	pool, now := newTestPool(config)

	oldHash, blob, tx := createTestTransaction(t, 1)
	require.NoError(t, pool.AddTransaction(oldHash, blob, tx, "test"))
	*now = now.Add(30 * time.Minute)
	newHash, blob, tx := createTestTransaction(t, 2)
	require.NoError(t, pool.AddTransaction(newHash, blob, tx, "test"))

	*now = now.Add(45 * time.Minute)
	assert.Equal(t, 1, pool.Cleanup())
	assert.False(t, pool.HasTransaction(oldHash))
	assert.True(t, pool.HasTransaction(newHash))

	status := pool.GetStatus()
	assert.Equal(t, 1, status.CurrentSize)
	assert.Equal(t, 1, status.ExpiredCount)
	assert.Zero(t, pool.Cleanup())
}

func TestConcurrentOperations(t *testing.T) {
	pool := NewTransactionPool(DefaultPoolConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(seed byte) {
			defer wg.Done()
			hash, blob, tx := createTestTransaction(t, seed)
			assert.NoError(t, pool.AddTransaction(hash, blob, tx, "test"))
			pool.HasTransaction(hash)
			pool.GetStatus()
			pool.Blobs()
		}(byte(i + 1))
	}
	wg.Wait()
	assert.Equal(t, 20, pool.Size())
}
