package ethsig

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// HashMessage returns the EIP-191 digest of a personal-sign message:
// keccak256("\x19Ethereum Signed Message:\n" + len(message) + message).
func HashMessage(message []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix), message)
}

// SignMessage produces a 65-byte personal-sign signature (hex encoded,
// recovery id in the 27/28 convention wallets emit).
func SignMessage(message []byte, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(HashMessage(message), key)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// RecoverAddress recovers the address that signed message with a
// personal-sign signature.
func RecoverAddress(message []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	// Wallets emit V as 27/28; crypto.SigToPub expects 0/1.
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v != 0 && v != 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[64])
	}

	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	normalized[64] = v

	pub, err := crypto.SigToPub(HashMessage(message), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// NormalizeAddress validates a hex address and returns its EIP-55
// checksummed form. Comparison between normalized addresses is therefore
// case-insensitive with respect to the caller's input.
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}
