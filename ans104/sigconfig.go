// Package ans104 implements the ANS-104 data-item wire format: field
// layout, tag encoding, the Arweave deep-hash scheme, and signature
// verification for the supported key types.
package ans104

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/pkg/errors"
)

// Signature types recognized by the bundler.
const (
	SignatureTypeArweave  = 1 // RSA-PSS over a 4096-bit key
	SignatureTypeEd25519  = 2
	SignatureTypeEthereum = 3 // secp256k1 over the personal-message hash
	SignatureTypeSolana   = 4 // ed25519, solana key encoding
)

// SignatureConfig describes the byte lengths a signature type dictates
// for the signature and owner-public-key regions of a data item.
type SignatureConfig struct {
	Name            string
	SignatureLength int
	PublicKeyLength int
}

var signatureConfigs = map[int]SignatureConfig{
	SignatureTypeArweave:  {Name: "arweave", SignatureLength: 512, PublicKeyLength: 512},
	SignatureTypeEd25519:  {Name: "ed25519", SignatureLength: 64, PublicKeyLength: 32},
	SignatureTypeEthereum: {Name: "ethereum", SignatureLength: 65, PublicKeyLength: 65},
	SignatureTypeSolana:   {Name: "solana", SignatureLength: 64, PublicKeyLength: 32},
}

// ErrUnknownSignatureType is returned for a signature type outside the
// recognized set.
var ErrUnknownSignatureType = errors.New("ans104: unknown signature type")

// SignatureConfigFor returns the length configuration for a signature
// type.
func SignatureConfigFor(sigType int) (SignatureConfig, error) {
	cfg, ok := signatureConfigs[sigType]
	if !ok {
		return SignatureConfig{}, errors.Wrapf(ErrUnknownSignatureType, "type %d", sigType)
	}
	return cfg, nil
}

// MaxSignatureLength is the largest signature region across recognized
// types, used to size parser lookahead.
const MaxSignatureLength = 512

// MaxPublicKeyLength is the largest owner region across recognized
// types.
const MaxPublicKeyLength = 512

// ItemID derives the data-item id from its signature bytes.
func ItemID(signature []byte) [32]byte {
	return sha256.Sum256(signature)
}

// EncodeID renders a 32-byte id in its conventional base64url form.
func EncodeID(id [32]byte) string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// DecodeID parses a base64url id string.
func DecodeID(s string) ([32]byte, error) {
	var id [32]byte
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, errors.Wrap(err, "ans104: decoding id")
	}
	if len(b) != 32 {
		return id, errors.Errorf("ans104: id must be 32 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// OwnerAddress derives the conventional base64url address from owner
// public-key bytes.
func OwnerAddress(owner []byte) string {
	sum := sha256.Sum256(owner)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
