package devkms

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// share is one point of a byte-wise polynomial over GF(2^8)
type share struct {
	x byte
	y []byte
}

// split divides secret into n shares, any t of which recover it
func split(secret []byte, t, n int) ([]share, error) {
	if t < 1 || t > n || n > 255 {
		return nil, fmt.Errorf("invalid threshold %d of %d", t, n)
	}
	shares := make([]share, n)
	for i := range shares {
		shares[i] = share{x: byte(i + 1), y: make([]byte, len(secret))}
	}

	coeffs := make([]byte, t)
	for b, s := range secret {
		coeffs[0] = s
		if _, err := rand.Read(coeffs[1:]); err != nil {
			return nil, err
		}
		for i := range shares {
			shares[i].y[b] = evaluate(coeffs, shares[i].x)
		}
	}
	return shares, nil
}

// combine interpolates the shares at zero
func combine(shares []share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, errors.New("no shares")
	}
	size := len(shares[0].y)
	seen := make(map[byte]bool, len(shares))
	for _, s := range shares {
		if s.x == 0 || seen[s.x] {
			return nil, errors.New("duplicate or zero share index")
		}
		if len(s.y) != size {
			return nil, errors.New("share lengths differ")
		}
		seen[s.x] = true
	}

	secret := make([]byte, size)
	for i, si := range shares {
		// Lagrange basis at 0: prod x_j / (x_j - x_i); subtraction is xor
		num, den := byte(1), byte(1)
		for j, sj := range shares {
			if i == j {
				continue
			}
			num = mul(num, sj.x)
			den = mul(den, sj.x^si.x)
		}
		basis := mul(num, inv(den))
		for b := range secret {
			secret[b] ^= mul(si.y[b], basis)
		}
	}
	return secret, nil
}

func evaluate(coeffs []byte, x byte) byte {
	var y byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		y = mul(y, x) ^ coeffs[i]
	}
	return y
}

// mul multiplies in GF(2^8) modulo x^8 + x^4 + x^3 + x + 1
func mul(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 == 1 {
			p ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

// inv returns a^254, the multiplicative inverse of a non-zero element
func inv(a byte) byte {
	result := byte(1)
	for i := 0; i < 254; i++ {
		result = mul(result, a)
	}
	return result
}
