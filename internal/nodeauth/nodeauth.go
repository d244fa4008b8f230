// Package nodeauth holds the key parsing, signature verification and address
// validation rules applied to joining and attesting nodes.
package nodeauth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"regexp"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"github.com/consensusnet/gateway/internal/nodestore"
)

var (
	ErrBadPublicKey  = errors.New("nodeauth: invalid public key")
	ErrBadSignature  = errors.New("nodeauth: signature verification failed")
	ErrBadEVMAddress = errors.New("nodeauth: invalid EVM address")
	ErrBadSolAddress = errors.New("nodeauth: invalid Solana address")
)

var evmAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// subjectPublicKeyInfo is the outer SPKI shell. x509 cannot parse secp256k1
// keys, so the bit string is unwrapped by hand for that curve.
type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// ParsePublicKeyPEM decodes a PEM "PUBLIC KEY" block and validates the key
// against the declared algorithm. The returned DER bytes are what the store
// persists.
func ParsePublicKeyPEM(pemText string, alg nodestore.SigAlg) ([]byte, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: expected a PEM PUBLIC KEY block", ErrBadPublicKey)
	}
	if err := validateDER(block.Bytes, alg); err != nil {
		return nil, err
	}
	return block.Bytes, nil
}

func validateDER(der []byte, alg nodestore.SigAlg) error {
	switch alg {
	case nodestore.AlgEd25519:
		if _, err := ed25519FromDER(der); err != nil {
			return err
		}
	case nodestore.AlgSecp256k1:
		if _, err := secp256k1FromDER(der); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unsupported algorithm %q", ErrBadPublicKey, alg)
	}
	return nil
}

func ed25519FromDER(der []byte) (ed25519.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an Ed25519 key", ErrBadPublicKey)
	}
	return pub, nil
}

func secp256k1FromDER(der []byte) (*secp256k1.PublicKey, error) {
	var info subjectPublicKeyInfo
	if rest, err := asn1.Unmarshal(der, &info); err != nil || len(rest) > 0 {
		return nil, fmt.Errorf("%w: malformed SPKI", ErrBadPublicKey)
	}
	pub, err := secp256k1.ParsePubKey(info.PublicKey.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	return pub, nil
}

// VerifySignature checks a detached signature over message with the node's
// stored DER key. Ed25519 signs the raw message; secp256k1 signs its SHA-256
// digest and accepts DER or 64-byte compact r||s encodings.
func VerifySignature(der []byte, alg nodestore.SigAlg, message, signature []byte) error {
	switch alg {
	case nodestore.AlgEd25519:
		pub, err := ed25519FromDER(der)
		if err != nil {
			return err
		}
		return verifyEd25519(pub, message, signature)
	case nodestore.AlgSecp256k1:
		pub, err := secp256k1FromDER(der)
		if err != nil {
			return err
		}
		sig, err := parseSecpSignature(signature)
		if err != nil {
			return err
		}
		digest := sha256.Sum256(message)
		if !sig.Verify(digest[:], pub) {
			return ErrBadSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported algorithm %q", ErrBadPublicKey, alg)
	}
}

func parseSecpSignature(raw []byte) (*secpecdsa.Signature, error) {
	if len(raw) == 64 {
		var r, s secp256k1.ModNScalar
		if r.SetByteSlice(raw[:32]) || s.SetByteSlice(raw[32:]) {
			return nil, fmt.Errorf("%w: compact signature out of range", ErrBadSignature)
		}
		return secpecdsa.NewSignature(&r, &s), nil
	}
	sig, err := secpecdsa.ParseDERSignature(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return sig, nil
}

func verifyEd25519(pub ed25519.PublicKey, message, signature []byte) error {
	if len(signature) != 64 {
		return fmt.Errorf("%w: ed25519 signature must be 64 bytes", ErrBadSignature)
	}
	pubKey := solana.PublicKeyFromBytes(pub)
	if !solana.SignatureFromBytes(signature).Verify(pubKey, message) {
		return ErrBadSignature
	}
	return nil
}

// VerifyEd25519Base58 checks an Ed25519 signature against a base58-encoded
// public key, the form pinned keys and attestation keys arrive in.
func VerifyEd25519Base58(pubB58 string, message, signature []byte) error {
	pub, err := solana.PublicKeyFromBase58(pubB58)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	if len(signature) != 64 {
		return fmt.Errorf("%w: ed25519 signature must be 64 bytes", ErrBadSignature)
	}
	if !solana.SignatureFromBytes(signature).Verify(pub, message) {
		return ErrBadSignature
	}
	return nil
}

// ValidateEVMAddress enforces the 0x-prefixed 40-hex-digit form.
func ValidateEVMAddress(addr string) error {
	if !evmAddressRe.MatchString(addr) {
		return fmt.Errorf("%w: %q", ErrBadEVMAddress, addr)
	}
	return nil
}

// ValidateSolanaAddress enforces base58 text of 32-44 characters decoding to
// exactly 32 bytes.
func ValidateSolanaAddress(addr string) error {
	if len(addr) < 32 || len(addr) > 44 {
		return fmt.Errorf("%w: length %d", ErrBadSolAddress, len(addr))
	}
	raw, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSolAddress, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("%w: decodes to %d bytes", ErrBadSolAddress, len(raw))
	}
	return nil
}
