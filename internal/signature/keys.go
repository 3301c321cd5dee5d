package signature

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ErrEntropy is returned when the random source cannot supply key material.
var ErrEntropy = errors.New("random source unavailable")

// maxScalarDraws bounds retries for the (astronomically rare) draw >= N.
const maxScalarDraws = 16

// KeyPairFactory generates wallet key pairs. Rand defaults to crypto/rand.
type KeyPairFactory struct {
	Rand io.Reader
}

// Generate returns a private key as 64 hex characters and the matching
// compressed public key as 66 hex characters.
func (f KeyPairFactory) Generate() (privateKey, publicKey string, err error) {
	r := f.Rand
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, btcec.PrivKeyBytesLen)
	for i := 0; i < maxScalarDraws; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrEntropy, err)
		}
		if checkScalar(buf) != nil {
			continue
		}
		priv, pub := btcec.PrivKeyFromBytes(buf)
		return hex.EncodeToString(priv.Serialize()), hex.EncodeToString(pub.SerializeCompressed()), nil
	}
	return "", "", fmt.Errorf("%w: no valid scalar after %d draws", ErrEntropy, maxScalarDraws)
}

// GenerateKeyPair uses the system CSPRNG.
func GenerateKeyPair() (privateKey, publicKey string, err error) {
	return KeyPairFactory{}.Generate()
}
