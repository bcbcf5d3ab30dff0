// Package peerstore persists node snapshots, such as the peer list, in a
// LevelDB database.
package peerstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"go.uber.org/zap"
)

// PeerlistKey is the key under which the daemon keeps the node's peer list.
const PeerlistKey = "p2p/peerlist"

const (
	versionKey   = "peerstore/version"
	storeVersion = 1
)

// ErrNoSnapshot is returned by LoadSnapshot when the key was never written.
var ErrNoSnapshot = errors.New("peerstore: no snapshot stored")

// Snapshotter is anything that can write and restore its state as a blob.
type Snapshotter interface {
	Save(w io.Writer) error
	Load(r io.Reader) error
}

// Store is a LevelDB backed snapshot store.
type Store struct {
	db     *leveldb.DB
	logger *zap.Logger
}

// Open opens the store at path, creating it if needed. An empty path gives
// an in-memory store. A database written by another store version is wiped.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return OpenMemory(logger)
	}

	db, err := leveldb.OpenFile(path, &opt.Options{OpenFilesCacheCapacity: 5})
	if _, corrupted := err.(*lerrors.ErrCorrupted); corrupted {
		logger.Warn("Recovering corrupted peer store", zap.String("path", path), zap.Error(err))
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("opening peer store %s: %w", path, err)
	}

	current := encodeVersion(storeVersion)
	blob, err := db.Get([]byte(versionKey), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		if err := db.Put([]byte(versionKey), current, nil); err != nil {
			db.Close()
			return nil, err
		}
	case err != nil:
		db.Close()
		return nil, err
	case !bytes.Equal(blob, current):
		logger.Info("Discarding peer store of another version", zap.String("path", path))
		db.Close()
		if err := os.RemoveAll(path); err != nil {
			return nil, err
		}
		return Open(path, logger)
	}
	return &Store{db: db, logger: logger}, nil
}

// OpenMemory returns a store that lives only as long as the process.
func OpenMemory(logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

// SaveSnapshot stores src's state under key.
func (s *Store) SaveSnapshot(key string, src Snapshotter) error {
	var buf bytes.Buffer
	if err := src.Save(&buf); err != nil {
		return err
	}
	if err := s.db.Put([]byte(key), buf.Bytes(), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("writing snapshot %s: %w", key, err)
	}
	s.logger.Debug("Saved snapshot", zap.String("key", key), zap.Int("bytes", buf.Len()))
	return nil
}

// LoadSnapshot restores dst from the blob stored under key.
func (s *Store) LoadSnapshot(key string, dst Snapshotter) error {
	blob, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNoSnapshot
	}
	if err != nil {
		return fmt.Errorf("reading snapshot %s: %w", key, err)
	}
	return dst.Load(bytes.NewReader(blob))
}

// Delete removes the snapshot under key.
func (s *Store) Delete(key string) error {
	return s.db.Delete([]byte(key), nil)
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeVersion(v int64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	return buf[:binary.PutVarint(buf, v)]
}
