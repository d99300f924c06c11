package backup

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
	"github.com/LiumxNL/RAMCloud/internal/segment"
)

// ReplicaMetadata is the persistent per-frame record that makes a replica
// identifiable and checkable after a backup restart. A frame is only trusted
// when the stored checksum matches the encoded fields and the cluster name
// matches the running configuration.
type ReplicaMetadata struct {
	MasterID    cluster.ServerID
	SegmentID   uint64
	Capacity    uint32
	Certificate segment.Certificate
	Closed      bool
	Primary     bool
	Epoch       uint64
	ClusterName string
}

var metadataCRC = crc32.MakeTable(crc32.Castagnoli)

// EncodeMetadata serializes the metadata followed by a CRC-32C of the encoded
// fields.
func EncodeMetadata(m *ReplicaMetadata) []byte {
	buf := make([]byte, 0, 64+len(m.ClusterName))
	buf = binary.BigEndian.AppendUint64(buf, m.MasterID.ID)
	buf = binary.BigEndian.AppendUint32(buf, m.MasterID.Generation)
	buf = binary.BigEndian.AppendUint64(buf, m.SegmentID)
	buf = binary.BigEndian.AppendUint32(buf, m.Capacity)
	buf = binary.BigEndian.AppendUint32(buf, m.Certificate.SegmentLength)
	buf = binary.BigEndian.AppendUint32(buf, m.Certificate.Checksum)
	buf = append(buf, boolByte(m.Closed), boolByte(m.Primary))
	buf = binary.BigEndian.AppendUint64(buf, m.Epoch)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.ClusterName)))
	buf = append(buf, m.ClusterName...)
	return binary.BigEndian.AppendUint32(buf, crc32.Checksum(buf, metadataCRC))
}

// DecodeMetadata parses an encoded record, verifying its checksum. Records
// failing the checksum are how crashed or scribbled frames are recognized at
// restart.
func DecodeMetadata(data []byte) (*ReplicaMetadata, error) {
	const fixed = 8 + 4 + 8 + 4 + 4 + 4 + 1 + 1 + 8 + 4
	if len(data) < fixed+4 {
		return nil, fmt.Errorf("replica metadata truncated: %d bytes", len(data))
	}
	nameLen := binary.BigEndian.Uint32(data[fixed-4:])
	if uint64(len(data)) != uint64(fixed)+uint64(nameLen)+4 {
		return nil, fmt.Errorf("replica metadata has bad cluster name length %d", nameLen)
	}
	body := data[:len(data)-4]
	stored := binary.BigEndian.Uint32(data[len(data)-4:])
	if crc32.Checksum(body, metadataCRC) != stored {
		return nil, fmt.Errorf("replica metadata checksum mismatch")
	}
	m := &ReplicaMetadata{
		MasterID: cluster.ServerID{
			ID:         binary.BigEndian.Uint64(data[0:]),
			Generation: binary.BigEndian.Uint32(data[8:]),
		},
		SegmentID: binary.BigEndian.Uint64(data[12:]),
		Capacity:  binary.BigEndian.Uint32(data[20:]),
		Certificate: segment.Certificate{
			SegmentLength: binary.BigEndian.Uint32(data[24:]),
			Checksum:      binary.BigEndian.Uint32(data[28:]),
		},
		Closed:      data[32] != 0,
		Primary:     data[33] != 0,
		Epoch:       binary.BigEndian.Uint64(data[34:]),
		ClusterName: string(data[fixed : fixed+int(nameLen)]),
	}
	return m, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
