// Package identity provides agent keypairs, bech32 addresses and digest signatures.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Human-readable prefixes used in bech32 strings.
const (
	AgentPrefix     = "agent"
	UserPrefix      = "user"
	SignaturePrefix = "sig"
)

// MaxKeyIndex is the highest index accepted by FromSeed.
const MaxKeyIndex = 255

var (
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidKey       = errors.New("invalid private key")
)

// Identity is a secp256k1 signing key together with its agent address.
type Identity struct {
	key     *secp256k1.PrivateKey
	address string
}

// Generate creates an identity from a fresh random key.
func Generate() (*Identity, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newIdentity(key)
}

// FromSeed derives an identity deterministically from a seed phrase and key index.
// It panics if index is outside 0..MaxKeyIndex.
func FromSeed(seed string, index int) *Identity {
	key := DeriveKey(seed, AgentPrefix, index)
	id, err := newIdentity(secp256k1.PrivKeyFromBytes(key))
	if err != nil {
		// sha256 output outside the curve order has negligible probability.
		panic(fmt.Sprintf("identity: derived key unusable: %v", err))
	}
	return id
}

// FromString restores an identity from a hex encoded 32-byte private key.
func FromString(hexKey string) (*Identity, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: want 32 bytes, got %d", ErrInvalidKey, len(raw))
	}
	return newIdentity(secp256k1.PrivKeyFromBytes(raw))
}

func newIdentity(key *secp256k1.PrivateKey) (*Identity, error) {
	if key.Key.IsZero() {
		return nil, ErrInvalidKey
	}
	addr, err := encodeBech32(AgentPrefix, key.PubKey().SerializeCompressed())
	if err != nil {
		return nil, fmt.Errorf("encode address: %w", err)
	}
	return &Identity{key: key, address: addr}, nil
}

// Address returns the bech32 agent address of the identity.
func (i *Identity) Address() string { return i.address }

// PublicKey returns the 33-byte compressed public key.
func (i *Identity) PublicKey() []byte { return i.key.PubKey().SerializeCompressed() }

// PrivateKey returns the hex encoded private key, suitable for FromString.
func (i *Identity) PrivateKey() string { return hex.EncodeToString(i.key.Serialize()) }

// Sign hashes data with SHA-256 and signs the digest.
func (i *Identity) Sign(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	return i.SignDigest(digest[:])
}

// SignDigest signs a pre-computed 32-byte digest. Signatures are deterministic
// (RFC 6979) and use the canonical low-S form.
func (i *Identity) SignDigest(digest []byte) (string, error) {
	if len(digest) != sha256.Size {
		return "", fmt.Errorf("sign digest: want %d bytes, got %d", sha256.Size, len(digest))
	}
	sig := ecdsa.Sign(i.key, digest)
	r, s := sig.R(), sig.S()
	raw := make([]byte, 64)
	r.PutBytesUnchecked(raw[:32])
	s.PutBytesUnchecked(raw[32:])
	return encodeBech32(SignaturePrefix, raw)
}

// SignRegistration signs the registration digest for a registry contract and sequence number.
func (i *Identity) SignRegistration(contract string, sequence uint64) (string, error) {
	h := sha256.New()
	h.Write(LengthPrefixed([]byte(contract)))
	h.Write(LengthPrefixed([]byte(i.address)))
	h.Write(LengthPrefixed(uint64Bytes(sequence)))
	return i.SignDigest(h.Sum(nil))
}

// VerifyDigest checks that signature was produced over digest by the key behind address.
// Malformed address or signature strings are reported as errors; a well-formed
// signature that does not match, or is not in canonical form, yields false.
func VerifyDigest(address string, digest []byte, signature string) (bool, error) {
	pub, err := ParseAddress(address)
	if err != nil {
		return false, err
	}
	raw, err := decodeSignature(signature)
	if err != nil {
		return false, err
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(raw[:32]); overflow || r.IsZero() {
		return false, nil
	}
	if overflow := s.SetByteSlice(raw[32:]); overflow || s.IsZero() || s.IsOverHalfOrder() {
		return false, nil
	}
	return ecdsa.NewSignature(&r, &s).Verify(digest, pub), nil
}

// ParseAddress decodes an agent address into its public key.
func ParseAddress(address string) (*secp256k1.PublicKey, error) {
	hrp, data, err := decodeBech32(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if hrp != AgentPrefix {
		return nil, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidAddress, hrp)
	}
	pub, err := secp256k1.ParsePubKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return pub, nil
}

func decodeSignature(signature string) ([]byte, error) {
	hrp, data, err := decodeBech32(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if hrp != SignaturePrefix {
		return nil, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidSignature, hrp)
	}
	if len(data) != 64 {
		return nil, fmt.Errorf("%w: want 64 bytes, got %d", ErrInvalidSignature, len(data))
	}
	return data, nil
}

// IsAgentAddress reports whether address is a well-formed agent address.
func IsAgentAddress(address string) bool {
	_, err := ParseAddress(address)
	return err == nil
}

// GenerateUserAddress returns a random address in the user namespace. User
// addresses have no signing key.
func GenerateUserAddress() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate user address: %w", err)
	}
	return encodeBech32(UserPrefix, buf)
}

// IsUserAddress reports whether address carries the user prefix.
func IsUserAddress(address string) bool {
	hrp, _, err := decodeBech32(address)
	return err == nil && hrp == UserPrefix
}

// DeriveKey derives a 32-byte private key from seed, a derivation prefix and index.
// It panics if index is outside 0..MaxKeyIndex.
func DeriveKey(seed, prefix string, index int) []byte {
	h := sha256.New()
	h.Write(keyDerivationHash(prefix, index))
	h.Write(seedHash(seed))
	return h.Sum(nil)
}

func keyDerivationHash(prefix string, index int) []byte {
	if index < 0 || index > MaxKeyIndex {
		panic(fmt.Sprintf("identity: key index %d out of range 0..%d", index, MaxKeyIndex))
	}
	h := sha256.New()
	h.Write(LengthPrefixed([]byte(prefix)))
	h.Write([]byte{byte(index)})
	return h.Sum(nil)
}

func seedHash(seed string) []byte {
	h := sha256.New()
	h.Write(LengthPrefixed([]byte(seed)))
	return h.Sum(nil)
}

// LengthPrefixed returns value preceded by its length as a big-endian uint64.
func LengthPrefixed(value []byte) []byte {
	out := make([]byte, 8, 8+len(value))
	binary.BigEndian.PutUint64(out, uint64(len(value)))
	return append(out, value...)
}

func uint64Bytes(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}
