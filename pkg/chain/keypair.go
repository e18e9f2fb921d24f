// Package chain implements the Solana-flavored ledger surface this runtime
// talks to: base58 Ed25519 keypairs, a logsSubscribe websocket client, and
// the challenge instruction builder/submitter.
package chain

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// ErrMalformedSecret is returned when a configured secret key does not
// decode to a valid 64-byte Ed25519 expanded key.
var ErrMalformedSecret = errors.New("chain: malformed keypair secret")

// Keypair is a base58-encoded Ed25519 signer, matching the wallet-file
// convention the EXECUTOR_KEYPAIR and CHALLENGER_KEYPAIR environment
// variables assume.
type Keypair struct {
	secret ed25519.PrivateKey
}

// ParseKeypair decodes a base58 secret key string into a Keypair. Accepts
// either the 64-byte expanded secret (seed||pubkey) or a 32-byte seed.
func ParseKeypair(secretBase58 string) (*Keypair, error) {
	raw := base58.Decode(secretBase58)
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return &Keypair{secret: ed25519.PrivateKey(raw)}, nil
	case ed25519.SeedSize:
		return &Keypair{secret: ed25519.NewKeyFromSeed(raw)}, nil
	default:
		return nil, fmt.Errorf("%w: decoded length %d", ErrMalformedSecret, len(raw))
	}
}

// PublicKeyBase58 returns the base58-encoded public key, the canonical
// Solana account address representation.
func (k *Keypair) PublicKeyBase58() string {
	pub := k.secret.Public().(ed25519.PublicKey)
	return base58.Encode(pub)
}

// Sign signs message with the keypair's private key.
func (k *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.secret, message)
}
