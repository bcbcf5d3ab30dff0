package peerstore

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aporia-zero/peernet/pkg/peerlist"
	"github.com/aporia-zero/peernet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSnapshot struct{}

func (failingSnapshot) Save(io.Writer) error { return errors.New("disk full") }
func (failingSnapshot) Load(io.Reader) error { return nil }

func TestPeerlistSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir, nil)
	require.NoError(t, err)

	list := peerlist.New(peerlist.DefaultConfig())
	addr := types.MustParseNetworkAddress("10.0.0.1:32347")
	list.MarkSuccess(addr, 7, time.Unix(1_700_000_000, 0))
	require.NoError(t, store.SaveSnapshot(PeerlistKey, list))
	require.NoError(t, store.Close())

	store, err = Open(dir, nil)
	require.NoError(t, err)
	defer store.Close()

	restored := peerlist.New(peerlist.DefaultConfig())
	require.NoError(t, store.LoadSnapshot(PeerlistKey, restored))
	got, pool, ok := restored.Get(addr)
	require.True(t, ok)
	assert.Equal(t, peerlist.PoolWhite, pool)
	assert.Equal(t, types.PeerID(7), got.ID)
}

func TestLoadMissingSnapshot(t *testing.T) {
	store, err := OpenMemory(nil)
	require.NoError(t, err)
	defer store.Close()

	err = store.LoadSnapshot(PeerlistKey, peerlist.New(peerlist.DefaultConfig()))
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestCorruptSnapshotLoadsEmpty(t *testing.T) {
	store, err := Open("", nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.db.Put([]byte(PeerlistKey), []byte("garbage"), nil))

	list := peerlist.New(peerlist.DefaultConfig())
	list.MarkSuccess(types.MustParseNetworkAddress("10.0.0.1:1"), 1, time.Now())
	err = store.LoadSnapshot(PeerlistKey, list)
	assert.ErrorIs(t, err, peerlist.ErrCorruptSnapshot)
	white, gray := list.Len()
	assert.Zero(t, white+gray)
}

func TestSaveErrorIsReturned(t *testing.T) {
	store, err := OpenMemory(nil)
	require.NoError(t, err)
	defer store.Close()

	assert.EqualError(t, store.SaveSnapshot(PeerlistKey, failingSnapshot{}), "disk full")
	_, err = store.db.Get([]byte(PeerlistKey), nil)
	assert.Error(t, err)
}

func TestOtherVersionIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, store.db.Put([]byte(versionKey), encodeVersion(storeVersion+1), nil))
	require.NoError(t, store.db.Put([]byte(PeerlistKey), []byte("old"), nil))
	require.NoError(t, store.Close())

	store, err = Open(dir, nil)
	require.NoError(t, err)
	defer store.Close()

	var buf bytes.Buffer
	err = store.LoadSnapshot(PeerlistKey, &recorder{buf: &buf})
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

type recorder struct{ buf *bytes.Buffer }

func (r *recorder) Save(w io.Writer) error { _, err := w.Write(r.buf.Bytes()); return err }
func (r *recorder) Load(rd io.Reader) error {
	_, err := r.buf.ReadFrom(rd)
	return err
}
