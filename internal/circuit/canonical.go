package circuit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalBytes serializes c deterministically: field order follows the
// struct declaration and every ordered collection (members, roster,
// arguments) is serialized in its existing slice order, never sorted.
// circuit_hash is computed over exactly these bytes, so changing this
// function changes every stored hash.
func CanonicalBytes(c Circuit) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("circuit: canonical serialize: %w", err)
	}
	return b, nil
}

// Hash returns the hex-encoded SHA-256 of the circuit's canonical bytes,
// the value stored as Proposal.CircuitHash.
func Hash(c Circuit) (string, error) {
	b, err := CanonicalBytes(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ParseCanonical is the inverse of CanonicalBytes, used by the round-trip
// property test (spec.md §8): parse(serialize(circuit)) == circuit.
func ParseCanonical(b []byte) (Circuit, error) {
	var c Circuit
	if err := json.Unmarshal(b, &c); err != nil {
		return Circuit{}, fmt.Errorf("circuit: canonical parse: %w", err)
	}
	return c, nil
}

// VerifyHash reports whether want matches Hash(c).
func VerifyHash(c Circuit, want string) (bool, error) {
	got, err := Hash(c)
	if err != nil {
		return false, err
	}
	return got == want, nil
}
