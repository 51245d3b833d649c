package negentropy

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrrelay/sdk/eventstore"
)

func item(t *testing.T, idHex string, createdAt uint64) Item {
	t.Helper()
	it, err := ItemFromNegentropyItem(eventstore.NegentropyItem{ID: idHex, CreatedAt: nostr.Timestamp(createdAt)})
	if err != nil {
		t.Fatalf("ItemFromNegentropyItem(%s): %v", idHex, err)
	}
	return it
}

func hexID(b byte) string {
	id := make([]byte, 32)
	for i := range id {
		id[i] = b
	}
	const digits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, c := range id {
		out[2*i] = digits[c>>4]
		out[2*i+1] = digits[c&0xf]
	}
	return string(out)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	items := []Item{
		item(t, hexID(0x11), 100),
		item(t, hexID(0x22), 200),
	}

	for _, ranges := range [][]Range{
		buildInitialMessage(items),
		buildIDListMessage(items),
		{{Upper: items[1], Mode: ModeSkip}},
	} {
		decoded, err := DecodeMessage(EncodeMessage(ranges))
		if err != nil {
			t.Fatalf("DecodeMessage: %v", err)
		}
		if len(decoded) != len(ranges) {
			t.Fatalf("round trip changed range count: %d != %d", len(decoded), len(ranges))
		}
		for i := range ranges {
			if decoded[i].Mode != ranges[i].Mode {
				t.Fatalf("range %d: mode %d != %d", i, decoded[i].Mode, ranges[i].Mode)
			}
			if decoded[i].Upper != ranges[i].Upper {
				t.Fatalf("range %d: bound mismatch", i)
			}
			if decoded[i].Fingerprint != ranges[i].Fingerprint {
				t.Fatalf("range %d: fingerprint mismatch", i)
			}
			if len(decoded[i].IDs) != len(ranges[i].IDs) {
				t.Fatalf("range %d: id count mismatch", i)
			}
		}
	}
}

func TestFingerprintSensitiveToContent(t *testing.T) {
	a := []Item{item(t, hexID(0x11), 100)}
	b := []Item{item(t, hexID(0x22), 100)}
	if fingerprint(a) == fingerprint(b) {
		t.Fatal("expected different id sets to fingerprint differently")
	}
	if fingerprint(a) != fingerprint(a) {
		t.Fatal("expected fingerprints to be deterministic")
	}
}

func TestFingerprintSensitiveToCount(t *testing.T) {
	one := []Item{item(t, hexID(0x11), 100)}
	if fingerprint(one) == fingerprint(nil) {
		t.Fatal("expected item count to participate in the fingerprint")
	}
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	for _, msg := range []string{"zz", "ff", "0103"} {
		if _, err := DecodeMessage(msg); err == nil {
			t.Fatalf("expected decode error for %q", msg)
		}
	}
}

func TestItemOrdering(t *testing.T) {
	items := []Item{
		item(t, hexID(0x22), 200),
		item(t, hexID(0x11), 200),
		item(t, hexID(0x33), 100),
	}
	sortItems(items)
	if items[0].CreatedAt != 100 {
		t.Fatal("expected created_at to be the primary sort key")
	}
	if items[1].ID[0] != 0x11 || items[2].ID[0] != 0x22 {
		t.Fatal("expected id bytes to break created_at ties")
	}
}
