package data

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
)

// DigestSize is the length of a content digest.
const DigestSize = sha256.Size

// Digest identifies a block or a service state. The zero value is the cleared digest.
type Digest [DigestSize]byte

// IsZero reports whether d is the cleared digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) String() string {
	if d.IsZero() {
		return "-"
	}
	return hex.EncodeToString(d[:8])
}

// MarshalText encodes the digest as hex, the cleared digest as an empty string.
func (d Digest) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte{}, nil
	}
	out := make([]byte, hex.EncodedLen(DigestSize))
	hex.Encode(out, d[:])
	return out, nil
}

// UnmarshalText is the inverse of MarshalText.
func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = Digest{}
		return nil
	}
	if hex.DecodedLen(len(text)) != DigestSize {
		return fmt.Errorf("digest: expected %d hex characters, got %d", hex.EncodedLen(DigestSize), len(text))
	}
	_, err := hex.Decode(d[:], text)
	return err
}

// appendRequest writes the canonical encoding of r, payload excluded. Requests
// without reports encode as they did before reports existed.
func appendRequest(buf []byte, r *Request) []byte {
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Num))
	buf = binary.BigEndian.AppendUint64(buf, uint64(int64(r.Client)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(int64(r.Record)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.Op))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Value))
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.ReplySize))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Timestamp))
	if len(r.Reports) > 0 {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Reports)))
		for i := range r.Reports {
			buf = appendReport(buf, &r.Reports[i])
		}
	}
	return buf
}

// BlockDigest hashes the requests of a block in block order.
func BlockDigest(block []Request) Digest {
	buf := make([]byte, 0, len(block)*48)
	for i := range block {
		buf = appendRequest(buf, &block[i])
	}
	return sha256.Sum256(buf)
}

// StateDigest hashes service records ordered by record id.
func StateDigest(records map[int]int64) Digest {
	keys := make([]int, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	buf := make([]byte, 0, len(keys)*16)
	for _, k := range keys {
		buf = binary.BigEndian.AppendUint64(buf, uint64(int64(k)))
		buf = binary.BigEndian.AppendUint64(buf, uint64(records[k]))
	}
	return sha256.Sum256(buf)
}
