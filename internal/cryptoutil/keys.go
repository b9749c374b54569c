// Package cryptoutil provides node identity and signing primitives shared by
// the authorization handshake, the two-phase commit engine, and the admin
// service.
package cryptoutil

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PeerIDPrefix is the bech32 human-readable prefix used when a PeerId is
// rendered for logs or CLI-facing output.
const PeerIDPrefix = "splinter"

// Scheme identifies which signature algorithm a key pair uses. Splinter
// nodes may mix schemes across the same verifier set; challenge-submit
// entries carry their scheme alongside the signature, while admin payload
// signatures carry none and are verified as secp256k1.
type Scheme string

const (
	SchemeSecp256k1 Scheme = "secp256k1"
	SchemeEd25519   Scheme = "ed25519"
)

// PeerID is the bech32-encoded, human-readable rendering of a node's
// secp256k1 public key hash. Wire messages identify nodes by raw public key
// bytes; PeerID exists only for logging and lexicographic coordinator
// selection, which spec.md requires to operate on PeerId values directly.
type PeerID struct {
	prefix string
	bytes  []byte
}

// NewPeerID builds a PeerID from a 20-byte identifier (an address-shaped
// digest of the node's public key).
func NewPeerID(prefix string, b []byte) (PeerID, error) {
	if len(b) != 20 {
		return PeerID{}, fmt.Errorf("cryptoutil: peer id must be 20 bytes, got %d", len(b))
	}
	cloned := append([]byte(nil), b...)
	return PeerID{prefix: prefix, bytes: cloned}, nil
}

func (p PeerID) String() string {
	if len(p.bytes) == 0 {
		return ""
	}
	conv, err := bech32.ConvertBits(p.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(p.prefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns the underlying identifier bytes, used directly for
// lexicographic comparison during coordinator election.
func (p PeerID) Bytes() []byte { return append([]byte(nil), p.bytes...) }

// Less implements the lexicographic ordering spec.md §4.2 requires for
// coordinator election: the verifier with the smallest PeerId coordinates.
func (p PeerID) Less(other PeerID) bool {
	a, b := p.bytes, other.bytes
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func DecodePeerID(s string) (PeerID, error) {
	prefix, decoded, err := bech32.Decode(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("cryptoutil: invalid bech32 peer id: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return PeerID{}, fmt.Errorf("cryptoutil: convert bits: %w", err)
	}
	return NewPeerID(prefix, conv)
}

// PrivateKey wraps either a secp256k1 or ed25519 private key behind a single
// signing surface, mirroring the teacher's ecdsa-only PrivateKey but
// generalized to the two schemes spec.md's SignatureScheme enumerates.
type PrivateKey struct {
	scheme   Scheme
	secpKey  *ecdsa.PrivateKey
	edKey    ed25519.PrivateKey
	pubBytes []byte
}

func GenerateSecp256k1() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: generate secp256k1 key: %w", err)
	}
	return &PrivateKey{scheme: SchemeSecp256k1, secpKey: key, pubBytes: ethcrypto.FromECDSAPub(&key.PublicKey)}, nil
}

func GenerateEd25519() (*PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: generate ed25519 key: %w", err)
	}
	return &PrivateKey{scheme: SchemeEd25519, edKey: priv, pubBytes: append([]byte(nil), pub...)}, nil
}

func SecpFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: decode secp256k1 key: %w", err)
	}
	return &PrivateKey{scheme: SchemeSecp256k1, secpKey: key, pubBytes: ethcrypto.FromECDSAPub(&key.PublicKey)}, nil
}

func (k *PrivateKey) Scheme() Scheme     { return k.scheme }
func (k *PrivateKey) PublicKeyBytes() []byte { return append([]byte(nil), k.pubBytes...) }

func (k *PrivateKey) Bytes() []byte {
	switch k.scheme {
	case SchemeSecp256k1:
		return ethcrypto.FromECDSA(k.secpKey)
	case SchemeEd25519:
		return append([]byte(nil), k.edKey...)
	default:
		return nil
	}
}

// Sign produces a signature over digest. For secp256k1 this expects a
// 32-byte Keccak256 digest, matching p2p/handshake.go; for ed25519 it signs
// the raw message bytes since the scheme has no external digest step.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	switch k.scheme {
	case SchemeSecp256k1:
		return ethcrypto.Sign(digest, k.secpKey)
	case SchemeEd25519:
		return ed25519.Sign(k.edKey, digest), nil
	default:
		return nil, fmt.Errorf("cryptoutil: unknown scheme %q", k.scheme)
	}
}

// PeerID derives this key's PeerId the way the teacher derives an Address
// from a public key: Keccak256(pubkey)[12:] for secp256k1, SHA-derived for
// ed25519 via the same helper used for verification.
func (k *PrivateKey) PeerID() PeerID {
	switch k.scheme {
	case SchemeSecp256k1:
		addr := ethcrypto.PubkeyToAddress(k.secpKey.PublicKey)
		id, _ := NewPeerID(PeerIDPrefix, addr.Bytes())
		return id
	case SchemeEd25519:
		digest := ethcrypto.Keccak256(k.pubBytes)
		id, _ := NewPeerID(PeerIDPrefix, digest[12:])
		return id
	default:
		return PeerID{}
	}
}

// Verify checks sig over digest against a raw public key encoded the way
// PublicKeyBytes produces it for the given scheme.
func Verify(scheme Scheme, pubKey, digest, sig []byte) error {
	switch scheme {
	case SchemeSecp256k1:
		if len(sig) != 65 {
			return fmt.Errorf("cryptoutil: invalid secp256k1 signature length %d", len(sig))
		}
		recovered, err := ethcrypto.SigToPub(digest, sig)
		if err != nil {
			return fmt.Errorf("cryptoutil: recover signature: %w", err)
		}
		if hex.EncodeToString(ethcrypto.FromECDSAPub(recovered)) != hex.EncodeToString(pubKey) {
			return fmt.Errorf("cryptoutil: signature does not match public key")
		}
		return nil
	case SchemeEd25519:
		if len(pubKey) != ed25519.PublicKeySize {
			return fmt.Errorf("cryptoutil: invalid ed25519 public key length %d", len(pubKey))
		}
		if !ed25519.Verify(ed25519.PublicKey(pubKey), digest, sig) {
			return fmt.Errorf("cryptoutil: ed25519 signature verification failed")
		}
		return nil
	default:
		return fmt.Errorf("cryptoutil: unknown scheme %q", scheme)
	}
}

// PeerIDFromPublicKey derives a PeerId from a raw public key for a verified
// remote identity, used once a challenge handshake resolves the remote's key.
func PeerIDFromPublicKey(scheme Scheme, pubKey []byte) (PeerID, error) {
	switch scheme {
	case SchemeSecp256k1:
		pub, err := ethcrypto.UnmarshalPubkey(pubKey)
		if err != nil {
			return PeerID{}, fmt.Errorf("cryptoutil: unmarshal public key: %w", err)
		}
		addr := ethcrypto.PubkeyToAddress(*pub)
		return NewPeerID(PeerIDPrefix, addr.Bytes())
	case SchemeEd25519:
		digest := ethcrypto.Keccak256(pubKey)
		return NewPeerID(PeerIDPrefix, digest[12:])
	default:
		return PeerID{}, fmt.Errorf("cryptoutil: unknown scheme %q", scheme)
	}
}

// Digest hashes payload the way the authorization handshake and 2PC engine
// hash their signed bodies, namespaced to avoid cross-protocol signature
// reuse.
func Digest(domain string, payload []byte) []byte {
	return ethcrypto.Keccak256([]byte(domain), payload)
}
