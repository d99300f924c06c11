package backup

import (
	"encoding/binary"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
)

// Storage persists replica frames across backup restarts. Each frame holds
// the raw segment bytes plus an encoded ReplicaMetadata record; the backup's
// own identity is stored alongside so a restarted process can tell the
// coordinator which server id it is a replacement for.
type Storage interface {
	// Put persists a frame's bytes and metadata.
	Put(frameIndex int, data, meta []byte) error
	// Get loads a frame. Returns an error when the frame is absent.
	Get(frameIndex int) (data, meta []byte, err error)
	// Delete removes a frame.
	Delete(frameIndex int) error
	// Scribble destroys a frame's metadata in place so the replica can never
	// be mistaken for a usable one, without reclaiming the frame's bytes.
	Scribble(frameIndex int) error
	// Frames lists the indices of all stored frames in ascending order.
	Frames() ([]int, error)
	// Identity returns the server id persisted by a previous incarnation.
	Identity() (cluster.ServerID, bool, error)
	// SetIdentity persists this process's server id.
	SetIdentity(cluster.ServerID) error
	// Close releases the storage.
	Close() error
}

var (
	frameDataBucket = []byte("framedata")
	frameMetaBucket = []byte("framemeta")
	identityBucket  = []byte("identity")

	serverIDKey = []byte("serverId")
)

// BboltStorage is the bbolt-backed Storage used in production.
type BboltStorage struct {
	conn *bbolt.DB
}

// NewBboltStorage opens (creating if needed) the frame store at path.
func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt frame store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{frameDataBucket, frameMetaBucket, identityBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BboltStorage{conn: db}, nil
}

func (b *BboltStorage) Put(frameIndex int, data, meta []byte) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		key := uint64ToBytes(uint64(frameIndex))
		if err := tx.Bucket(frameDataBucket).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(frameMetaBucket).Put(key, meta)
	})
}

func (b *BboltStorage) Get(frameIndex int) ([]byte, []byte, error) {
	var data, meta []byte
	err := b.conn.View(func(tx *bbolt.Tx) error {
		key := uint64ToBytes(uint64(frameIndex))
		d := tx.Bucket(frameDataBucket).Get(key)
		m := tx.Bucket(frameMetaBucket).Get(key)
		if d == nil && m == nil {
			return fmt.Errorf("frame %d not found", frameIndex)
		}
		data = append([]byte(nil), d...)
		meta = append([]byte(nil), m...)
		return nil
	})
	return data, meta, err
}

func (b *BboltStorage) Delete(frameIndex int) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		key := uint64ToBytes(uint64(frameIndex))
		if err := tx.Bucket(frameDataBucket).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(frameMetaBucket).Delete(key)
	})
}

func (b *BboltStorage) Scribble(frameIndex int) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		key := uint64ToBytes(uint64(frameIndex))
		if tx.Bucket(frameMetaBucket).Get(key) == nil {
			return nil
		}
		return tx.Bucket(frameMetaBucket).Put(key, []byte{})
	})
}

func (b *BboltStorage) Frames() ([]int, error) {
	var frames []int
	err := b.conn.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(frameMetaBucket).Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			frames = append(frames, int(bytesToUint64(k)))
		}
		return nil
	})
	sort.Ints(frames)
	return frames, err
}

func (b *BboltStorage) Identity() (cluster.ServerID, bool, error) {
	var id cluster.ServerID
	found := false
	err := b.conn.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(identityBucket).Get(serverIDKey)
		if v == nil || len(v) < 12 {
			return nil
		}
		id.ID = binary.BigEndian.Uint64(v)
		id.Generation = binary.BigEndian.Uint32(v[8:])
		found = true
		return nil
	})
	return id, found, err
}

func (b *BboltStorage) SetIdentity(id cluster.ServerID) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		v := make([]byte, 12)
		binary.BigEndian.PutUint64(v, id.ID)
		binary.BigEndian.PutUint32(v[8:], id.Generation)
		return tx.Bucket(identityBucket).Put(serverIDKey, v)
	})
}

func (b *BboltStorage) Close() error {
	return b.conn.Close()
}

// MemoryStorage keeps frames in memory; used in tests and for backups
// explicitly configured without durable storage.
type MemoryStorage struct {
	data     map[int][]byte
	meta     map[int][]byte
	identity *cluster.ServerID
}

// NewMemoryStorage creates an empty in-memory frame store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data: make(map[int][]byte),
		meta: make(map[int][]byte),
	}
}

func (m *MemoryStorage) Put(frameIndex int, data, meta []byte) error {
	m.data[frameIndex] = append([]byte(nil), data...)
	m.meta[frameIndex] = append([]byte(nil), meta...)
	return nil
}

func (m *MemoryStorage) Get(frameIndex int) ([]byte, []byte, error) {
	data, ok := m.data[frameIndex]
	if !ok {
		return nil, nil, fmt.Errorf("frame %d not found", frameIndex)
	}
	return append([]byte(nil), data...), append([]byte(nil), m.meta[frameIndex]...), nil
}

func (m *MemoryStorage) Delete(frameIndex int) error {
	delete(m.data, frameIndex)
	delete(m.meta, frameIndex)
	return nil
}

func (m *MemoryStorage) Scribble(frameIndex int) error {
	if _, ok := m.meta[frameIndex]; ok {
		m.meta[frameIndex] = []byte{}
	}
	return nil
}

func (m *MemoryStorage) Frames() ([]int, error) {
	frames := make([]int, 0, len(m.meta))
	for idx := range m.meta {
		frames = append(frames, idx)
	}
	sort.Ints(frames)
	return frames, nil
}

func (m *MemoryStorage) Identity() (cluster.ServerID, bool, error) {
	if m.identity == nil {
		return cluster.ServerID{}, false, nil
	}
	return *m.identity, true, nil
}

func (m *MemoryStorage) SetIdentity(id cluster.ServerID) error {
	m.identity = &id
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
