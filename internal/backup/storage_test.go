package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
	"github.com/LiumxNL/RAMCloud/internal/segment"
)

func TestMetadataRoundTrip(t *testing.T) {
	m := &ReplicaMetadata{
		MasterID:    cluster.ServerID{ID: 70, Generation: 2},
		SegmentID:   88,
		Capacity:    1 << 20,
		Certificate: segment.Certificate{SegmentLength: 512, Checksum: 0xdeadbeef},
		Closed:      true,
		Primary:     true,
		Epoch:       7,
		ClusterName: "testing",
	}
	decoded, err := DecodeMetadata(EncodeMetadata(m))
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
}

func TestMetadataRejectsCorruption(t *testing.T) {
	m := &ReplicaMetadata{MasterID: cluster.ServerID{ID: 1}, SegmentID: 2, ClusterName: "c"}
	encoded := EncodeMetadata(m)

	t.Run("flipped byte", func(t *testing.T) {
		bad := append([]byte(nil), encoded...)
		bad[3] ^= 0x01
		_, err := DecodeMetadata(bad)
		assert.Error(t, err)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := DecodeMetadata(encoded[:10])
		assert.Error(t, err)
	})

	t.Run("scribbled", func(t *testing.T) {
		_, err := DecodeMetadata([]byte{})
		assert.Error(t, err)
	})
}

func TestBboltStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.db")
	storage, err := NewBboltStorage(path)
	require.NoError(t, err)

	meta := EncodeMetadata(&ReplicaMetadata{
		MasterID: cluster.ServerID{ID: 9}, SegmentID: 4, ClusterName: "testing",
	})
	require.NoError(t, storage.Put(3, []byte("replica bytes"), meta))
	require.NoError(t, storage.Put(1, []byte("other"), meta))
	require.NoError(t, storage.SetIdentity(cluster.ServerID{ID: 42, Generation: 1}))
	require.NoError(t, storage.Close())

	// Reopen: everything survives the restart.
	storage, err = NewBboltStorage(path)
	require.NoError(t, err)
	defer storage.Close()

	frames, err := storage.Frames()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, frames)

	data, gotMeta, err := storage.Get(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("replica bytes"), data)
	assert.Equal(t, meta, gotMeta)

	id, ok, err := storage.Identity()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cluster.ServerID{ID: 42, Generation: 1}, id)

	t.Run("scribble destroys metadata only", func(t *testing.T) {
		require.NoError(t, storage.Scribble(1))
		_, gotMeta, err := storage.Get(1)
		require.NoError(t, err)
		_, decodeErr := DecodeMetadata(gotMeta)
		assert.Error(t, decodeErr)
	})

	t.Run("delete removes the frame", func(t *testing.T) {
		require.NoError(t, storage.Delete(3))
		_, _, err := storage.Get(3)
		assert.Error(t, err)
		frames, err := storage.Frames()
		require.NoError(t, err)
		assert.Equal(t, []int{1}, frames)
	})
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.yaml")
	content := []byte("cluster_name: prod\nsegment_size: 4096\nnum_frames: 12\ngc: false\nlisten_addr: 0.0.0.0:9999\n")
	require.NoError(t, os.WriteFile(path, content, 0600))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", config.ClusterName)
	assert.Equal(t, uint32(4096), config.SegmentSize)
	assert.Equal(t, 12, config.NumFrames)
	assert.False(t, config.GC)
	assert.Equal(t, "0.0.0.0:9999", config.ListenAddr)

	t.Run("invalid values are rejected", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("num_frames: 0\n"), 0600))
		_, err := LoadConfig(bad)
		assert.Error(t, err)
	})
}
