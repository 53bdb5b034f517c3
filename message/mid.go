package message

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"math/big"

	"go.uber.org/atomic"
)

// ValidateMID reports whether mid fits in the 16-bit wire field.
// -1 is used as the sentinel "unset".
func ValidateMID(mid int32) bool {
	return mid >= 0 && mid <= math.MaxUint16
}

// RandMID returns a cryptographically random starting message ID.
// Falls back to a less-random seed only if the system CSPRNG is
// unavailable, which should not happen on any supported platform.
func RandMID() int32 {
	n, err := rand.Int(rand.Reader, big.NewInt(math.MaxUint16+1))
	if err != nil {
		b := make([]byte, 4)
		_, _ = rand.Read(b)
		return int32(binary.BigEndian.Uint32(b) & math.MaxUint16)
	}
	return int32(n.Int64())
}

// MIDGenerator hands out strictly increasing message IDs scoped to one
// endpoint, starting from a random offset so two endpoints restarted at
// the same time don't replay the same sequence.
type MIDGenerator struct {
	counter atomic.Uint32
}

// NewMIDGenerator seeds the generator with a random starting value.
func NewMIDGenerator() *MIDGenerator {
	g := &MIDGenerator{}
	g.counter.Store(uint32(RandMID()))
	return g
}

// Next returns the next message ID, wrapping modulo 2^16.
func (g *MIDGenerator) Next() int32 {
	return int32(uint16(g.counter.Add(1)))
}
