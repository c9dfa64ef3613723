package ring

import (
	"math/big"

	"golang.org/x/crypto/sha3"
)

// IDFromPublicKey derives a peer identifier from its public key bytes.
// SHA3-256 truncated to the first 20 bytes (160 bits). Deterministic, so a
// peer keeps the same ring position across restarts.
func IDFromPublicKey(pub []byte) *big.Int {
	sum := sha3.Sum256(pub)
	return new(big.Int).SetBytes(sum[:20])
}

// IDFromString derives an identifier from an arbitrary string, used to map
// topics and application keys onto the ring.
func IDFromString(s string) *big.Int {
	return IDFromPublicKey([]byte(s))
}
