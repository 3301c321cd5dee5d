// Package signature authorizes transfers: it canonicalizes a transfer intent
// into the bytes that get signed and signs/verifies them with secp256k1 keys.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/richardliu001/custody-ledger/internal/currency"
	"github.com/shopspring/decimal"
)

// ErrKeyFormat is returned when a private key is not a valid curve scalar.
var ErrKeyFormat = errors.New("invalid private key format")

// Canonicalize builds the signed message "{source}-{target}-{currency}-{amount}".
// The amount is always rendered with the currency scale, so signer and verifier
// must agree on the currency for the bytes to match.
func Canonicalize(source, target string, cur currency.Currency, amount decimal.Decimal) []byte {
	return []byte(fmt.Sprintf("%s-%s-%s-%s", source, target, cur, cur.Format(amount)))
}

// Sign returns the hex DER encoding of a deterministic (RFC 6979) ECDSA
// signature over SHA-256(msg).
func Sign(privateKeyHex string, msg []byte) (string, error) {
	priv, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(msg)
	sig := ecdsa.Sign(priv, digest[:])
	return hex.EncodeToString(sig.Serialize()), nil
}

// Verify reports whether signatureHex is a valid signature of msg under
// publicKeyHex. Malformed input of any kind yields false.
func Verify(publicKeyHex, signatureHex string, msg []byte) bool {
	pubBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(signatureHex)
	if err != nil || len(sigBytes) == 0 {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	return sig.Verify(digest[:], pub)
}

func parsePrivateKey(privateKeyHex string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	if err := checkScalar(raw); err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

// checkScalar rejects anything outside [1, N-1]. PrivKeyFromBytes would
// silently reduce an overflowing value mod N.
func checkScalar(raw []byte) error {
	if len(raw) != btcec.PrivKeyBytesLen {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrKeyFormat, btcec.PrivKeyBytesLen, len(raw))
	}
	var s btcec.ModNScalar
	if overflow := s.SetByteSlice(raw); overflow {
		return fmt.Errorf("%w: scalar exceeds curve order", ErrKeyFormat)
	}
	if s.IsZero() {
		return fmt.Errorf("%w: zero scalar", ErrKeyFormat)
	}
	return nil
}
