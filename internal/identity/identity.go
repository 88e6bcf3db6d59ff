// Package identity signs outgoing payloads and verifies incoming envelopes.
// Nothing outside this package looks at signatures.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

var ErrBadEnvelope = errors.New("bad envelope")
var ErrBadSignature = errors.New("signature does not verify")

// PublicID is the hex-encoded ed25519 public key.
type PublicID string

// Envelope is what travels over the relays.
type Envelope struct {
	ID      string `json:"id"`
	PubKey  string `json:"pubkey"`
	Payload []byte `json:"payload"`
	Sig     []byte `json:"sig"`
}

type Signer interface {
	PublicID() PublicID
	Seal(payload []byte) ([]byte, error)
}

type Keypair struct {
	priv ed25519.PrivateKey
	pub  PublicID
}

func Generate() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return fromPrivate(priv), nil
}

// FromSeedHex restores a keypair from a 32-byte hex seed.
func FromSeedHex(seed string) (*Keypair, error) {
	raw, err := hex.DecodeString(seed)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(raw))
	}
	return fromPrivate(ed25519.NewKeyFromSeed(raw)), nil
}

func fromPrivate(priv ed25519.PrivateKey) *Keypair {
	pub := priv.Public().(ed25519.PublicKey)
	return &Keypair{priv: priv, pub: PublicID(hex.EncodeToString(pub))}
}

func (k *Keypair) PublicID() PublicID { return k.pub }

// SeedHex exports the seed so a node can keep its identity across restarts.
func (k *Keypair) SeedHex() string { return hex.EncodeToString(k.priv.Seed()) }

func (k *Keypair) Seal(payload []byte) ([]byte, error) {
	env := Envelope{
		ID:      EnvelopeID(k.pub, payload),
		PubKey:  string(k.pub),
		Payload: payload,
		Sig:     ed25519.Sign(k.priv, signingBytes(k.pub, payload)),
	}
	return json.Marshal(env)
}

// Open verifies an envelope and returns its author and payload.
func Open(data []byte) (PublicID, []byte, error) {
	env, err := Parse(data)
	if err != nil {
		return "", nil, err
	}
	pub, err := hex.DecodeString(env.PubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return "", nil, fmt.Errorf("%w: pubkey", ErrBadEnvelope)
	}
	author := PublicID(env.PubKey)
	if env.ID != EnvelopeID(author, env.Payload) {
		return "", nil, fmt.Errorf("%w: id mismatch", ErrBadEnvelope)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), signingBytes(author, env.Payload), env.Sig) {
		return "", nil, ErrBadSignature
	}
	return author, env.Payload, nil
}

// Parse decodes an envelope without verifying it.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.ID == "" || env.PubKey == "" {
		return Envelope{}, fmt.Errorf("%w: missing id or pubkey", ErrBadEnvelope)
	}
	return env, nil
}

// EnvelopeID is the blake2b-256 digest of author and payload. Relays and the
// relay pool use it to store and forward each envelope once.
func EnvelopeID(author PublicID, payload []byte) string {
	sum := blake2b.Sum256(signingBytes(author, payload))
	return hex.EncodeToString(sum[:])
}

func signingBytes(author PublicID, payload []byte) []byte {
	b := make([]byte, 0, len(author)+1+len(payload))
	b = append(b, author...)
	b = append(b, ':')
	return append(b, payload...)
}
