package signer

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestKeySignerSignEvent(t *testing.T) {
	s := GenerateKeySigner()
	ctx := context.Background()

	pk, err := s.GetPublicKey(ctx)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}

	evt := &nostr.Event{Kind: 1, Content: "hello"}
	if err := s.SignEvent(ctx, evt); err != nil {
		t.Fatalf("SignEvent: %v", err)
	}
	if evt.PubKey != pk {
		t.Fatalf("event pubkey %s != signer pubkey %s", evt.PubKey, pk)
	}
	ok, err := evt.CheckSignature()
	if err != nil || !ok {
		t.Fatalf("CheckSignature: ok=%v err=%v", ok, err)
	}
}

func TestKeySignerNIP44RoundTrip(t *testing.T) {
	alice := GenerateKeySigner()
	bob := GenerateKeySigner()
	ctx := context.Background()

	bobPK, _ := bob.GetPublicKey(ctx)
	alicePK, _ := alice.GetPublicKey(ctx)

	ct, err := alice.NIP44Encrypt(ctx, bobPK, "secret message")
	if err != nil {
		t.Fatalf("NIP44Encrypt: %v", err)
	}
	pt, err := bob.NIP44Decrypt(ctx, alicePK, ct)
	if err != nil {
		t.Fatalf("NIP44Decrypt: %v", err)
	}
	if pt != "secret message" {
		t.Fatalf("round trip mismatch: got %q", pt)
	}
}

func TestKeySignerNIP04RoundTrip(t *testing.T) {
	alice := GenerateKeySigner()
	bob := GenerateKeySigner()
	ctx := context.Background()

	bobPK, _ := bob.GetPublicKey(ctx)
	alicePK, _ := alice.GetPublicKey(ctx)

	ct, err := alice.NIP04Encrypt(ctx, bobPK, "legacy dm")
	if err != nil {
		t.Fatalf("NIP04Encrypt: %v", err)
	}
	pt, err := bob.NIP04Decrypt(ctx, alicePK, ct)
	if err != nil {
		t.Fatalf("NIP04Decrypt: %v", err)
	}
	if pt != "legacy dm" {
		t.Fatalf("round trip mismatch: got %q", pt)
	}
}

func TestCapabilityString(t *testing.T) {
	cases := map[Capability]string{
		CapabilityKeys:             "keys",
		CapabilityBrowserExtension: "browser-extension",
		CapabilityNostrConnect:     "nostr-connect",
		CapabilityAndroidSigner:    "android-signer",
	}
	for cap, want := range cases {
		if got := cap.String(); got != want {
			t.Errorf("Capability(%d).String() = %q, want %q", cap, got, want)
		}
	}
}
