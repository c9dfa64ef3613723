// Package ring defines the consistent-hash identifier space of the overlay:
// fixed-width identifiers, clockwise distance and interval predicates, and
// the closest-preceding selection used by finger-table lookups. All functions
// are pure; identifiers outside [0, 2^M) are normalized modulo 2^M.
package ring

import (
	"fmt"
	"math/big"
)

const (
	// M is the size of the identifier space in bits (2^160)
	M = 160
)

var (
	// ringSize is 2^M, the size of the identifier ring
	ringSize = new(big.Int).Exp(big.NewInt(2), big.NewInt(M), nil)

	zero = big.NewInt(0)
	one  = big.NewInt(1)
)

// Distance computes the clockwise distance from a to b on the ring,
// (b - a) mod 2^M.
func Distance(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return new(big.Int)
	}

	dist := new(big.Int).Sub(mod(b), mod(a))
	return mod(dist)
}

// InRange checks if id is in the clockwise interval (start, end] on the ring.
// The interval wraps around when end <= start. start == end denotes the whole
// ring except start itself.
func InRange(id, start, end *big.Int) bool {
	if id == nil || start == nil || end == nil {
		return false
	}

	id = mod(id)
	start = mod(start)
	end = mod(end)

	switch start.Cmp(end) {
	case -1:
		return id.Cmp(start) > 0 && id.Cmp(end) <= 0
	case 1:
		return id.Cmp(start) > 0 || id.Cmp(end) <= 0
	default:
		return id.Cmp(start) != 0
	}
}

// Between checks if id is in the open interval (start, end), wrapping.
func Between(id, start, end *big.Int) bool {
	if id == nil || start == nil || end == nil {
		return false
	}

	id = mod(id)
	start = mod(start)
	end = mod(end)

	switch start.Cmp(end) {
	case -1:
		return id.Cmp(start) > 0 && id.Cmp(end) < 0
	case 1:
		return id.Cmp(start) > 0 || id.Cmp(end) < 0
	default:
		return id.Cmp(start) != 0
	}
}

// BetweenLeftIncl checks if id is in the interval [start, end), wrapping.
func BetweenLeftIncl(id, start, end *big.Int) bool {
	if id == nil || start == nil || end == nil {
		return false
	}

	id = mod(id)
	start = mod(start)
	end = mod(end)

	switch start.Cmp(end) {
	case -1:
		return id.Cmp(start) >= 0 && id.Cmp(end) < 0
	case 1:
		return id.Cmp(start) >= 0 || id.Cmp(end) < 0
	default:
		return id.Cmp(start) != 0
	}
}

// PowerOfTwo returns 2^exponent.
func PowerOfTwo(exponent int) *big.Int {
	if exponent < 0 {
		return new(big.Int)
	}
	return new(big.Int).Exp(big.NewInt(2), big.NewInt(int64(exponent)), nil)
}

// AddPowerOfTwo computes (n + 2^exponent) mod 2^M. Used for finger-table
// start values: finger[i].start = (n + 2^i) mod 2^M.
func AddPowerOfTwo(n *big.Int, exponent int) *big.Int {
	if n == nil {
		return new(big.Int)
	}

	result := new(big.Int).Add(mod(n), PowerOfTwo(exponent))
	return mod(result)
}

// ClosestPreceding selects, from candidates, the peer identifier closest to
// target going clockwise from self without reaching target. Candidates equal
// to self or target are skipped. Returns nil when no candidate precedes the
// target.
func ClosestPreceding(self, target *big.Int, candidates []*big.Int) *big.Int {
	if self == nil || target == nil {
		return nil
	}

	var best *big.Int
	var bestDist *big.Int

	for _, c := range candidates {
		if c == nil {
			continue
		}
		if !Between(c, self, target) {
			continue
		}
		// The candidate with the largest clockwise distance from self is the
		// one nearest the target.
		d := Distance(self, c)
		if best == nil || d.Cmp(bestDist) > 0 {
			best = mod(c)
			bestDist = d
		}
	}

	return best
}

// Key returns the canonical hex form of an identifier, used as a map key and
// in log fields.
func Key(id *big.Int) string {
	if id == nil {
		return ""
	}
	return mod(id).Text(16)
}

// ParseKey parses the hex form produced by Key.
func ParseKey(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid identifier %q", s)
	}
	return mod(id), nil
}

// ShortKey returns a truncated hex identifier for log fields.
func ShortKey(id *big.Int) string {
	k := Key(id)
	if len(k) > 8 {
		return k[:8]
	}
	return k
}

// RingSize returns 2^M.
func RingSize() *big.Int {
	return new(big.Int).Set(ringSize)
}

// MaxID returns the maximum valid identifier, 2^M - 1.
func MaxID() *big.Int {
	return new(big.Int).Sub(ringSize, one)
}

// IsValidID checks if an identifier is within [0, 2^M).
func IsValidID(id *big.Int) bool {
	if id == nil {
		return false
	}
	return id.Cmp(zero) >= 0 && id.Cmp(ringSize) < 0
}

// mod returns x mod 2^M in [0, 2^M).
func mod(x *big.Int) *big.Int {
	result := new(big.Int).Mod(x, ringSize)
	if result.Sign() < 0 {
		result.Add(result, ringSize)
	}
	return result
}
