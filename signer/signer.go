// Package signer defines the minimal sign/verify collaborator: the
// contract the pool and client facade use to produce signed events and
// perform NIP-04/NIP-44 encryption, without pulling the rest of NIP
// cryptography (NIP-46 remote signing, NIP-55 Android IPC) into this
// module.
package signer

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/nostrrelay/sdk/errs"
)

// Capability identifies which backend a Signer wraps. Only Keys has an
// in-module implementation; the other variants exist so callers can
// type-switch on capability without this package needing to implement
// NIP-46/NIP-55.
type Capability int

const (
	CapabilityKeys Capability = iota
	CapabilityBrowserExtension
	CapabilityNostrConnect
	CapabilityAndroidSigner
)

func (c Capability) String() string {
	switch c {
	case CapabilityKeys:
		return "keys"
	case CapabilityBrowserExtension:
		return "browser-extension"
	case CapabilityNostrConnect:
		return "nostr-connect"
	case CapabilityAndroidSigner:
		return "android-signer"
	default:
		return "unknown"
	}
}

// Signer is the collaborator interface the client facade and pool use to
// sign outgoing events and perform NIP-04/NIP-44 encryption for NIP-17
// gift wraps. Every method is fallible; backends wrap failures in
// errs.ErrSigner.
type Signer interface {
	Capability() Capability
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, evt *nostr.Event) error
	NIP04Encrypt(ctx context.Context, recipientPubKey, plaintext string) (string, error)
	NIP04Decrypt(ctx context.Context, senderPubKey, ciphertext string) (string, error)
	NIP44Encrypt(ctx context.Context, recipientPubKey, plaintext string) (string, error)
	NIP44Decrypt(ctx context.Context, senderPubKey, ciphertext string) (string, error)
}

// KeySigner is the Keys-capability backend: an in-memory private key.
type KeySigner struct {
	sk string
	pk string
}

// NewKeySigner wraps a hex-encoded secp256k1 private key.
func NewKeySigner(privateKeyHex string) (*KeySigner, error) {
	pk, err := nostr.GetPublicKey(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: derive public key: %v", errs.ErrSigner, err)
	}
	return &KeySigner{sk: privateKeyHex, pk: pk}, nil
}

// GenerateKeySigner creates a KeySigner backed by a freshly generated key,
// for use in tests and CLI demos that don't already hold an identity.
func GenerateKeySigner() *KeySigner {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	return &KeySigner{sk: sk, pk: pk}
}

func (s *KeySigner) Capability() Capability { return CapabilityKeys }

func (s *KeySigner) GetPublicKey(ctx context.Context) (string, error) {
	return s.pk, nil
}

// SignEvent stamps evt.PubKey and computes Event.ID/Sig in place.
func (s *KeySigner) SignEvent(ctx context.Context, evt *nostr.Event) error {
	evt.PubKey = s.pk
	if err := evt.Sign(s.sk); err != nil {
		return fmt.Errorf("%w: sign event: %v", errs.ErrSigner, err)
	}
	return nil
}

func (s *KeySigner) NIP04Encrypt(ctx context.Context, recipientPubKey, plaintext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(recipientPubKey, s.sk)
	if err != nil {
		return "", fmt.Errorf("%w: nip04 shared secret: %v", errs.ErrSigner, err)
	}
	ct, err := nip04.Encrypt(plaintext, shared)
	if err != nil {
		return "", fmt.Errorf("%w: nip04 encrypt: %v", errs.ErrSigner, err)
	}
	return ct, nil
}

func (s *KeySigner) NIP04Decrypt(ctx context.Context, senderPubKey, ciphertext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(senderPubKey, s.sk)
	if err != nil {
		return "", fmt.Errorf("%w: nip04 shared secret: %v", errs.ErrSigner, err)
	}
	pt, err := nip04.Decrypt(ciphertext, shared)
	if err != nil {
		return "", fmt.Errorf("%w: nip04 decrypt: %v", errs.ErrSigner, err)
	}
	return pt, nil
}

func (s *KeySigner) NIP44Encrypt(ctx context.Context, recipientPubKey, plaintext string) (string, error) {
	conv, err := nip44.GenerateConversationKey(recipientPubKey, s.sk)
	if err != nil {
		return "", fmt.Errorf("%w: nip44 conversation key: %v", errs.ErrSigner, err)
	}
	ct, err := nip44.Encrypt(plaintext, conv)
	if err != nil {
		return "", fmt.Errorf("%w: nip44 encrypt: %v", errs.ErrSigner, err)
	}
	return ct, nil
}

func (s *KeySigner) NIP44Decrypt(ctx context.Context, senderPubKey, ciphertext string) (string, error) {
	conv, err := nip44.GenerateConversationKey(senderPubKey, s.sk)
	if err != nil {
		return "", fmt.Errorf("%w: nip44 conversation key: %v", errs.ErrSigner, err)
	}
	pt, err := nip44.Decrypt(ciphertext, conv)
	if err != nil {
		return "", fmt.Errorf("%w: nip44 decrypt: %v", errs.ErrSigner, err)
	}
	return pt, nil
}

var _ Signer = (*KeySigner)(nil)
