// Package cryptoutil is the thin adapter around signing, hashing and
// address derivation the mining loop and block assembler need. Per
// spec.md section 1, the internals of these primitives are deliberately
// out of this design's scope — this package is kept as small as the
// call sites in internal/blockasm and internal/miner require, not grown
// into a general crypto library.
package cryptoutil

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/ripemd160" //lint:ignore SA1019 address derivation deliberately mirrors the Bitcoin-style hash160 scheme

	"github.com/Coinversable/validana-processor/internal/chain"
)

// wifPrefix is the version byte used by a compressed-key WIF, per
// spec.md's Configuration table ("PRIVATE_KEY | WIF | ... | compressed,
// prefix 0x80").
const wifPrefix = 0x80

// PrivateKey wraps a secp256k1 private key together with its derived
// compressed public key and address.
type PrivateKey struct {
	key     *secp256k1.PrivateKey
	pubKey  chain.PubKey
	address chain.Address
}

// ParseWIF parses a base58check Wallet-Import-Format compressed private
// key, as supplied through the PRIVATE_KEY configuration value.
func ParseWIF(s string) (*PrivateKey, error) {
	raw, err := base58CheckDecode(s)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: invalid WIF: %w", err)
	}
	if len(raw) != 34 {
		return nil, errors.New("cryptoutil: invalid WIF: unexpected length")
	}
	if raw[0] != wifPrefix {
		return nil, fmt.Errorf("cryptoutil: invalid WIF: unexpected version byte 0x%02x", raw[0])
	}
	if raw[33] != 0x01 {
		return nil, errors.New("cryptoutil: invalid WIF: missing compressed-key suffix")
	}
	var scalar [32]byte
	copy(scalar[:], raw[1:33])
	return NewPrivateKeyFromScalar(scalar), nil
}

// NewPrivateKeyFromScalar builds a PrivateKey directly from a 32-byte
// scalar, bypassing WIF encoding. Used by key-generation tooling and by
// tests that need a deterministic fixture key without round-tripping
// through base58check.
func NewPrivateKeyFromScalar(scalar [32]byte) *PrivateKey {
	priv := secp256k1.PrivKeyFromBytes(scalar[:])
	pub := priv.PubKey()

	var pk PrivateKey
	pk.key = priv
	copy(pk.pubKey[:], pub.SerializeCompressed())
	pk.address = AddressFromPublicKey(pk.pubKey)
	return &pk
}

// WIF encodes the private key back into compressed Wallet-Import-Format,
// the inverse of ParseWIF.
func (pk *PrivateKey) WIF() string {
	raw := make([]byte, 0, 34)
	raw = append(raw, wifPrefix)
	raw = append(raw, pk.key.Serialize()...)
	raw = append(raw, 0x01)
	return base58CheckEncode(raw)
}

// PublicKey returns the compressed public key derived from the private key.
func (pk *PrivateKey) PublicKey() chain.PubKey { return pk.pubKey }

// Address returns the address derived from the private key's public key.
func (pk *PrivateKey) Address() chain.Address { return pk.address }

// Sign produces a 64-byte compact signature (r||s) over hash, which must
// already be the 32-byte digest to sign (the block assembler always signs
// a SHA-256^2 digest, per spec.md's canonical encoding).
func (pk *PrivateKey) Sign(hash [32]byte) chain.Signature {
	sig := ecdsa.Sign(pk.key, hash[:])
	var out chain.Signature
	r := sig.R().Bytes()
	s := sig.S().Bytes()
	copy(out[32-len(r):32], r)
	copy(out[64-len(s):64], s)
	return out
}

// VerifySignature checks a 64-byte compact signature against a
// compressed public key and a 32-byte digest.
func VerifySignature(pub chain.PubKey, hash [32]byte, sig chain.Signature) bool {
	parsed, err := secp256k1.ParsePubKey(pub[:])
	if err != nil {
		return false
	}
	var r, s secp256k1.ModNScalar
	r.SetByteSlice(sig[:32])
	s.SetByteSlice(sig[32:])
	ecdsaSig := ecdsa.NewSignature(&r, &s)
	return ecdsaSig.Verify(hash[:], parsed)
}

// AddressFromPublicKey derives an address from a compressed public key
// using a Bitcoin-style hash160 (RIPEMD160 of SHA-256) plus a base58check
// wrapper, mirroring the WIF encoding convention already in play for the
// private key.
func AddressFromPublicKey(pub chain.PubKey) chain.Address {
	sum := sha256.Sum256(pub[:])
	r := ripemd160.New()
	r.Write(sum[:])
	hash160 := r.Sum(nil)

	payload := make([]byte, 0, 1+len(hash160))
	payload = append(payload, 0x00) // version byte: standard address
	payload = append(payload, hash160...)
	return chain.Address(base58CheckEncode(payload))
}
