// Package negentropy implements NIP-77 set reconciliation:
// NEG-OPEN/NEG-MSG/NEG-CLOSE frames carrying range-fingerprint and id-list
// messages that let the client and a relay agree on which event ids each
// side is missing. Matching sets are settled by one fingerprint; on a
// mismatch this package does not bisect ranges but sends its full local id
// list.
// Relays that don't advertise NIP-77 are remembered in a TTL capability
// cache so callers can fall back to a plain REQ without re-probing.
package negentropy

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"github.com/nostrrelay/sdk/eventstore"
)

// Item is one (id, created_at) pair in the reconciliation vector.
type Item struct {
	ID        [32]byte
	CreatedAt uint64
}

// infinityBound is the sentinel upper bound closing the last range in a
// message, matching negentropy's "no upper limit" marker.
var infinityBound = Item{CreatedAt: math.MaxUint64}

// ItemFromNegentropyItem converts an eventstore.NegentropyItem (hex id,
// nostr.Timestamp) into the fixed-width form this package reconciles over.
func ItemFromNegentropyItem(it eventstore.NegentropyItem) (Item, error) {
	raw, err := hex.DecodeString(it.ID)
	if err != nil || len(raw) != 32 {
		return Item{}, fmt.Errorf("negentropy: malformed event id %q", it.ID)
	}
	var id [32]byte
	copy(id[:], raw)
	return Item{ID: id, CreatedAt: uint64(it.CreatedAt)}, nil
}

func (it Item) hex() string { return hex.EncodeToString(it.ID[:]) }

// less orders items by (created_at, id), the canonical negentropy sort.
func less(a, b Item) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool { return less(items[i], items[j]) })
}

// accumulator implements negentropy's additive fingerprint: a running
// 256-bit sum (big-endian, wrapping mod 2^256) of every item id folded
// into a range, hashed together with the item count so two different-size
// sets with a colliding sum don't fingerprint identically.
type accumulator [32]byte

func (a *accumulator) add(id [32]byte) {
	var carry uint16
	for i := 31; i >= 0; i-- {
		sum := uint16(a[i]) + uint16(id[i]) + carry
		a[i] = byte(sum)
		carry = sum >> 8
	}
}

func fingerprint(items []Item) [16]byte {
	var acc accumulator
	for _, it := range items {
		acc.add(it.ID)
	}
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(items)))
	sum := sha256.Sum256(append(append([]byte(nil), acc[:]...), countBuf[:]...))
	var fp [16]byte
	copy(fp[:], sum[:16])
	return fp
}

// Mode discriminates a Range's payload, mirroring NIP-77's three message
// modes (this package never emits the protocol's "Continue with a
// different storage" skip optimization beyond plain Skip).
type Mode byte

const (
	ModeSkip        Mode = 0
	ModeFingerprint Mode = 1
	ModeIDList      Mode = 2
)

// Range is one bound+mode+payload triple in a negentropy message.
type Range struct {
	Upper       Item
	Mode        Mode
	Fingerprint [16]byte
	IDs         [][32]byte
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readUvarint(data []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, fmt.Errorf("negentropy: malformed varint")
	}
	return v, data[n:], nil
}

// encodeBound writes bound's (created_at+1, id) pair; a zero created_at
// field denotes the infinity sentinel and omits the id bytes.
func encodeBound(buf *bytes.Buffer, bound Item) {
	if bound.CreatedAt == math.MaxUint64 {
		putUvarint(buf, 0)
		return
	}
	putUvarint(buf, bound.CreatedAt+1)
	buf.Write(bound.ID[:])
}

func decodeBound(data []byte) (Item, []byte, error) {
	v, rest, err := readUvarint(data)
	if err != nil {
		return Item{}, nil, err
	}
	if v == 0 {
		return infinityBound, rest, nil
	}
	if len(rest) < 32 {
		return Item{}, nil, fmt.Errorf("negentropy: truncated bound id")
	}
	var id [32]byte
	copy(id[:], rest[:32])
	return Item{CreatedAt: v - 1, ID: id}, rest[32:], nil
}

// EncodeMessage serializes ranges into the hex string sent in a NEG-OPEN
// or NEG-MSG frame.
func EncodeMessage(ranges []Range) string {
	var buf bytes.Buffer
	for _, r := range ranges {
		encodeBound(&buf, r.Upper)
		putUvarint(&buf, uint64(r.Mode))
		switch r.Mode {
		case ModeSkip:
		case ModeFingerprint:
			buf.Write(r.Fingerprint[:])
		case ModeIDList:
			putUvarint(&buf, uint64(len(r.IDs)))
			for _, id := range r.IDs {
				buf.Write(id[:])
			}
		}
	}
	return hex.EncodeToString(buf.Bytes())
}

// DecodeMessage parses a hex-encoded NEG-MSG/NEG-OPEN payload into ranges.
func DecodeMessage(hexMsg string) ([]Range, error) {
	data, err := hex.DecodeString(hexMsg)
	if err != nil {
		return nil, fmt.Errorf("negentropy: malformed message hex: %w", err)
	}
	var ranges []Range
	for len(data) > 0 {
		bound, rest, err := decodeBound(data)
		if err != nil {
			return nil, err
		}
		modeVal, rest2, err := readUvarint(rest)
		if err != nil {
			return nil, err
		}
		r := Range{Upper: bound, Mode: Mode(modeVal)}
		switch r.Mode {
		case ModeSkip:
			data = rest2
		case ModeFingerprint:
			if len(rest2) < 16 {
				return nil, fmt.Errorf("negentropy: truncated fingerprint")
			}
			copy(r.Fingerprint[:], rest2[:16])
			data = rest2[16:]
		case ModeIDList:
			count, rest3, err := readUvarint(rest2)
			if err != nil {
				return nil, err
			}
			ids := make([][32]byte, 0, count)
			for i := uint64(0); i < count; i++ {
				if len(rest3) < 32 {
					return nil, fmt.Errorf("negentropy: truncated id list")
				}
				var id [32]byte
				copy(id[:], rest3[:32])
				ids = append(ids, id)
				rest3 = rest3[32:]
			}
			r.IDs = ids
			data = rest3
		default:
			return nil, fmt.Errorf("negentropy: unknown mode %d", r.Mode)
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// buildInitialMessage produces the single-range, whole-set fingerprint
// message a reconciliation opens with.
func buildInitialMessage(items []Item) []Range {
	return []Range{{Upper: infinityBound, Mode: ModeFingerprint, Fingerprint: fingerprint(items)}}
}

// buildIDListMessage discloses every local item as a flat id list, the
// fallback this package uses instead of recursive bisection once a
// fingerprint mismatch is detected (see package doc comment).
func buildIDListMessage(items []Item) []Range {
	ids := make([][32]byte, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return []Range{{Upper: infinityBound, Mode: ModeIDList, IDs: ids}}
}
