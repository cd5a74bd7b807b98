package internal

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strings"
)

const transactionIDDigits = 20

// NewTransactionID returns a caller-opaque decimal transaction id.
// Decimal keeps it typeable over voice channels and PAM prompts.
func NewTransactionID() string {
	var b strings.Builder
	b.Grow(transactionIDDigits)

	max := big.NewInt(10)
	for i := 0; i < transactionIDDigits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String()
}

// NewSerial builds a token serial from a type prefix and 8 random hex
// characters, e.g. OATH3F9A21C4.
func NewSerial(prefix string) string {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(err)
	}
	return prefix + strings.ToUpper(hex.EncodeToString(raw[:]))
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}
