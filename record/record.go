// Package record encodes and decodes the on-disk log record format shared
// by every segment: an 8-byte CRC, a 4-byte key length, a 4-byte value
// length, a 1-byte tombstone flag, the key bytes and (unless the record is
// a tombstone) the value bytes. All integers are big-endian.
package record

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"sync"

	"github.com/pkg/errors"
)

const (
	crcSize       = 8
	keyLenSize    = 4
	valueLenSize  = 4
	tombstoneSize = 1

	// HeaderSize is the fixed portion of a record: crc + key_len + value_len + tombstone.
	HeaderSize = crcSize + keyLenSize + valueLenSize + tombstoneSize
)

// ErrShortRead is returned by Decode when the stream ends before a
// complete record has been read.
var ErrShortRead = errors.New("record: short read")

// ErrCrcMismatch is returned by Decode when the stored CRC does not match
// the CRC recomputed over the decoded payload.
var ErrCrcMismatch = errors.New("record: crc mismatch")

// Record is the decoded form of a single log entry.
type Record struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

var scratchPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, 256)
		return &buf
	},
}

func getScratch() *[]byte { return scratchPool.Get().(*[]byte) }

func putScratch(b *[]byte) {
	*b = (*b)[:0]
	scratchPool.Put(b)
}

// Encode produces the on-disk image of a record. When tombstone is true,
// value is ignored and value_len is written as zero.
func Encode(key, value []byte, tombstone bool) []byte {
	valueLen := len(value)
	if tombstone {
		valueLen = 0
	}

	total := HeaderSize + len(key) + valueLen
	out := make([]byte, total)

	payload := out[crcSize:]
	binary.BigEndian.PutUint32(payload[0:], uint32(len(key)))
	binary.BigEndian.PutUint32(payload[4:], uint32(valueLen))
	if tombstone {
		payload[8] = 1
	} else {
		payload[8] = 0
	}
	n := keyLenSize + valueLenSize + tombstoneSize
	copy(payload[n:], key)
	if !tombstone {
		copy(payload[n+len(key):], value)
	}

	crc := uint64(crc32.ChecksumIEEE(payload))
	binary.BigEndian.PutUint64(out[0:crcSize], crc)

	return out
}

// Decode reads a single record from r. It returns the decoded record and
// the number of bytes consumed from r.
func Decode(r io.Reader) (Record, int, error) {
	scratch := getScratch()
	defer putScratch(scratch)

	*scratch = grow(*scratch, HeaderSize)
	header := *scratch

	if _, err := io.ReadFull(r, header); err != nil {
		return Record{}, 0, ErrShortRead
	}

	storedCrc := binary.BigEndian.Uint64(header[0:crcSize])
	keyLen := binary.BigEndian.Uint32(header[crcSize : crcSize+keyLenSize])
	valueLen := binary.BigEndian.Uint32(header[crcSize+keyLenSize : crcSize+keyLenSize+valueLenSize])
	tombstone := header[crcSize+keyLenSize+valueLenSize] != 0

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Record{}, 0, ErrShortRead
	}

	var value []byte
	if valueLen > 0 || !tombstone {
		value = make([]byte, valueLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return Record{}, 0, ErrShortRead
		}
	}

	crcHash := crc32.NewIEEE()
	crcHash.Write(header[crcSize:])
	crcHash.Write(key)
	if valueLen > 0 {
		crcHash.Write(value)
	}

	if uint64(crcHash.Sum32()) != storedCrc {
		return Record{}, 0, ErrCrcMismatch
	}

	size := HeaderSize + int(keyLen) + int(valueLen)

	return Record{Key: key, Value: value, Tombstone: tombstone}, size, nil
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}
