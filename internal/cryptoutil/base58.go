package cryptoutil

import (
	"crypto/sha256"
	"errors"
	"math/big"
)

// base58Alphabet is the standard Bitcoin-style base58 alphabet: it drops
// the visually ambiguous characters 0, O, I and l. No base58 library
// appears anywhere in the retrieved example pack (see DESIGN.md), so this
// textbook implementation is the minimal placeholder spec.md's WIF/address
// encoding needs.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var base58Decode = func() map[byte]int64 {
	m := make(map[byte]int64, len(base58Alphabet))
	for i := 0; i < len(base58Alphabet); i++ {
		m[base58Alphabet[i]] = int64(i)
	}
	return m
}()

func base58Encode(input []byte) string {
	x := new(big.Int).SetBytes(input)
	base := big.NewInt(58)
	zero := big.NewInt(0)
	mod := new(big.Int)

	var out []byte
	for x.Cmp(zero) > 0 {
		x.DivMod(x, base, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	// Leading zero bytes in the input become leading '1's in the output.
	for _, b := range input {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	reverse(out)
	return string(out)
}

func base58DecodeRaw(s string) ([]byte, error) {
	x := big.NewInt(0)
	base := big.NewInt(58)
	for i := 0; i < len(s); i++ {
		v, ok := base58Decode[s[i]]
		if !ok {
			return nil, errors.New("cryptoutil: invalid base58 character")
		}
		x.Mul(x, base)
		x.Add(x, big.NewInt(v))
	}
	decoded := x.Bytes()

	leadingZeros := 0
	for i := 0; i < len(s) && s[i] == base58Alphabet[0]; i++ {
		leadingZeros++
	}
	out := make([]byte, leadingZeros+len(decoded))
	copy(out[leadingZeros:], decoded)
	return out, nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

func checksum(payload []byte) [4]byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	var out [4]byte
	copy(out[:], second[:4])
	return out
}

func base58CheckEncode(payload []byte) string {
	sum := checksum(payload)
	full := make([]byte, 0, len(payload)+4)
	full = append(full, payload...)
	full = append(full, sum[:]...)
	return base58Encode(full)
}

func base58CheckDecode(s string) ([]byte, error) {
	full, err := base58DecodeRaw(s)
	if err != nil {
		return nil, err
	}
	if len(full) < 4 {
		return nil, errors.New("cryptoutil: base58check payload too short")
	}
	payload, want := full[:len(full)-4], full[len(full)-4:]
	got := checksum(payload)
	if got != [4]byte(want) {
		return nil, errors.New("cryptoutil: base58check checksum mismatch")
	}
	return payload, nil
}
