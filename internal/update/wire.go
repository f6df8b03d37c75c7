package update

import "encoding/binary"

// Prepare is the unicast prepare-update command (spec §6): sent once
// per targeted server, sealed with that server's own per-server key,
// port=1.
type Prepare struct {
	Major, Minor, Patch uint16
	PortsMask           uint8
	TotalBytes          uint32
	UpdateKey           [16]byte
	SignedLen           uint16
}

const prepareWireSize = 2 + 2 + 2 + 1 + 4 + 16 + 2

func encodePrepare(p Prepare) []byte {
	buf := make([]byte, prepareWireSize)
	binary.BigEndian.PutUint16(buf[0:2], p.Major)
	binary.BigEndian.PutUint16(buf[2:4], p.Minor)
	binary.BigEndian.PutUint16(buf[4:6], p.Patch)
	buf[6] = p.PortsMask
	binary.BigEndian.PutUint32(buf[7:11], p.TotalBytes)
	copy(buf[11:27], p.UpdateKey[:])
	binary.BigEndian.PutUint16(buf[27:29], p.SignedLen)
	return buf
}

// DecodePrepare decodes a unicast Prepare payload already opened by
// the caller with the targeted server's own per-server key (spec §6
// Prepare payload layout). It is exported for server binaries that
// must route an opened frame to Prepare-vs-chunk handling themselves.
func DecodePrepare(b []byte) (Prepare, bool) { return decodePrepare(b) }

// DecodeChunk decodes a broadcast update chunk payload already opened
// by the caller with the session's update_key.
func DecodeChunk(b []byte) (offset uint32, data []byte, ok bool) { return decodeChunk(b) }

func decodePrepare(b []byte) (Prepare, bool) {
	if len(b) != prepareWireSize {
		return Prepare{}, false
	}
	var p Prepare
	p.Major = binary.BigEndian.Uint16(b[0:2])
	p.Minor = binary.BigEndian.Uint16(b[2:4])
	p.Patch = binary.BigEndian.Uint16(b[4:6])
	p.PortsMask = b[6]
	p.TotalBytes = binary.BigEndian.Uint32(b[7:11])
	copy(p.UpdateKey[:], b[11:27])
	p.SignedLen = binary.BigEndian.Uint16(b[27:29])
	return p, true
}

// chunkHeaderSize is the 4-byte offset prefix on every broadcast chunk.
const chunkHeaderSize = 4

func encodeChunk(offset uint32, data []byte) []byte {
	buf := make([]byte, chunkHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf[:4], offset)
	copy(buf[4:], data)
	return buf
}

func decodeChunk(b []byte) (offset uint32, data []byte, ok bool) {
	if len(b) < chunkHeaderSize {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], true
}
