package compute

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/zeebo/blake3"
)

const (
	// PointSize is the wire size of one Shamir point: 8-byte index plus
	// 32-byte field element, both big-endian.
	PointSize = 40
)

// fieldOrder is the BLS12-381 scalar field order. All share arithmetic
// happens modulo this prime.
var fieldOrder, _ = new(big.Int).SetString(
	"73eda753299d7d483339d80809a1d80553bda402fffe5bfeffffffff00000001", 16)

// Point is one evaluation of the sharing polynomial.
type Point struct {
	X uint64   // X is the share index (never zero)
	Y *big.Int // Y is the polynomial evaluation at X
}

// ParsePoint decodes a share payload into a Shamir point.
// Format: [8B x] [32B y], big-endian; x must be nonzero and y < field order.
func ParsePoint(payload []byte) (Point, error) {
	if len(payload) != PointSize {
		return Point{}, fmt.Errorf("invalid point size: %d != %d", len(payload), PointSize)
	}

	x := binary.BigEndian.Uint64(payload[:8])
	if x == 0 {
		return Point{}, fmt.Errorf("share index must be nonzero")
	}

	y := new(big.Int).SetBytes(payload[8:])
	if y.Cmp(fieldOrder) >= 0 {
		return Point{}, fmt.Errorf("share value exceeds field order")
	}

	return Point{X: x, Y: y}, nil
}

// EncodePoint serializes a Shamir point into a share payload.
func EncodePoint(p Point) []byte {
	buf := make([]byte, PointSize)
	binary.BigEndian.PutUint64(buf[:8], p.X)
	p.Y.FillBytes(buf[8:])

	return buf
}

// ReconstructSecret recovers the shared secret from the given share
// payloads by Lagrange interpolation at zero. Any consistent set of points
// from the same polynomial yields the identical 32-byte secret, regardless
// of which qualifying subset was used.
func ReconstructSecret(payloads [][]byte) ([]byte, error) {
	if len(payloads) == 0 {
		return nil, fmt.Errorf("no decryption shares to combine")
	}

	points := make([]Point, 0, len(payloads))
	seen := make(map[uint64]bool, len(payloads))

	for i, payload := range payloads {
		p, err := ParsePoint(payload)
		if err != nil {
			return nil, fmt.Errorf("share %d: %w", i, err)
		}

		if seen[p.X] {
			return nil, fmt.Errorf("duplicate share index %d", p.X)
		}

		seen[p.X] = true
		points = append(points, p)
	}

	secret := interpolateAtZero(points)

	out := make([]byte, 32)
	secret.FillBytes(out)

	return out, nil
}

// interpolateAtZero evaluates the unique polynomial through the points at
// x = 0 over the scalar field.
func interpolateAtZero(points []Point) *big.Int {
	sum := new(big.Int)

	for i, pi := range points {
		num := big.NewInt(1)
		den := big.NewInt(1)
		xi := new(big.Int).SetUint64(pi.X)

		for j, pj := range points {
			if j == i {
				continue
			}

			xj := new(big.Int).SetUint64(pj.X)

			// num *= -xj ; den *= (xi - xj)
			num.Mul(num, new(big.Int).Neg(xj))
			num.Mod(num, fieldOrder)

			diff := new(big.Int).Sub(xi, xj)
			den.Mul(den, diff)
			den.Mod(den, fieldOrder)
		}

		den.ModInverse(den, fieldOrder)

		term := new(big.Int).Mul(pi.Y, num)
		term.Mul(term, den)
		term.Mod(term, fieldOrder)

		sum.Add(sum, term)
		sum.Mod(sum, fieldOrder)
	}

	return sum
}

// SplitSecret deals Shamir shares of a secret at the given indices with
// reconstruction threshold min. Polynomial coefficients are derived
// deterministically from the secret and seed, so the same inputs always
// produce the same shares.
func SplitSecret(secret []byte, seed [32]byte, indices []uint64, min int) ([][]byte, error) {
	if min < 1 || min > len(indices) {
		return nil, fmt.Errorf("invalid threshold: min=%d shares=%d", min, len(indices))
	}

	s := new(big.Int).SetBytes(secret)
	s.Mod(s, fieldOrder)

	// Degree min-1 polynomial with the secret as constant term.
	coeffs := make([]*big.Int, min)
	coeffs[0] = s

	for i := 1; i < min; i++ {
		coeffs[i] = deriveCoefficient(secret, seed, i)
	}

	payloads := make([][]byte, len(indices))

	for i, x := range indices {
		if x == 0 {
			return nil, fmt.Errorf("share index must be nonzero")
		}

		payloads[i] = EncodePoint(Point{X: x, Y: evaluate(coeffs, x)})
	}

	return payloads, nil
}

// deriveCoefficient produces the i-th polynomial coefficient from the
// secret and seed via domain-separated blake3.
func deriveCoefficient(secret []byte, seed [32]byte, i int) *big.Int {
	h := blake3.New()
	h.Write([]byte("ciphernode-shamir-coeff"))
	h.Write(seed[:])
	h.Write(secret)

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(i))
	h.Write(idx[:])

	var digest [32]byte
	h.Sum(digest[:0])

	c := new(big.Int).SetBytes(digest[:])
	return c.Mod(c, fieldOrder)
}

// evaluate computes the polynomial at x by Horner's rule.
func evaluate(coeffs []*big.Int, x uint64) *big.Int {
	xv := new(big.Int).SetUint64(x)
	y := new(big.Int)

	for i := len(coeffs) - 1; i >= 0; i-- {
		y.Mul(y, xv)
		y.Add(y, coeffs[i])
		y.Mod(y, fieldOrder)
	}

	return y
}
