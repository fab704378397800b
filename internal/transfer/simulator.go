package transfer

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	mrand "math/rand"
	"sync/atomic"

	"github.com/google/uuid"
)

// Simulator generates the mock chain metadata attached to settlements.
// It is injected at the service boundary so settlement logic itself stays
// deterministic and testable. Block numbers are monotonic.
type Simulator struct {
	block atomic.Uint64
}

func NewSimulator() *Simulator {
	s := &Simulator{}
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		n = big.NewInt(0)
	}
	s.block.Store(18_000_000 + n.Uint64())
	return s
}

func (s *Simulator) Settlement() *Settlement {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)

	return &Settlement{
		Ref:         uuid.NewString(),
		TxHash:      "0x" + hex.EncodeToString(buf),
		BlockNumber: s.block.Add(1),
		GasUsed:     21_000 + uint64(mrand.Int63n(50_000)),
		GasPrice:    20 + uint64(mrand.Int63n(50)),
	}
}

// newNonce returns a random, unguessable per-request token.
func newNonce() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
