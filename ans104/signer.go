package ans104

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Signer signs data items with one of the supported key types. It is
// used by the bundle planner and by tests; the ingest path only ever
// verifies.
type Signer struct {
	sigType int
	rsaKey  *rsa.PrivateKey
	edKey   ed25519.PrivateKey
	ethKey  *ecdsa.PrivateKey
}

// NewArweaveSigner wraps a 4096-bit RSA key.
func NewArweaveSigner(key *rsa.PrivateKey) (*Signer, error) {
	if key.Size() != 512 {
		return nil, errors.Errorf("ans104: arweave keys must be 4096-bit, got %d-byte modulus", key.Size())
	}
	return &Signer{sigType: SignatureTypeArweave, rsaKey: key}, nil
}

// NewEd25519Signer wraps an ed25519 private key.
func NewEd25519Signer(key ed25519.PrivateKey) *Signer {
	return &Signer{sigType: SignatureTypeEd25519, edKey: key}
}

// NewSolanaSigner wraps an ed25519 private key under the solana
// signature type.
func NewSolanaSigner(key ed25519.PrivateKey) *Signer {
	return &Signer{sigType: SignatureTypeSolana, edKey: key}
}

// NewEthereumSigner wraps a secp256k1 private key.
func NewEthereumSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{sigType: SignatureTypeEthereum, ethKey: key}
}

// SignatureType reports the signer's signature type.
func (s *Signer) SignatureType() int {
	return s.sigType
}

// Owner returns the owner public-key bytes in the item's wire form.
func (s *Signer) Owner() []byte {
	switch s.sigType {
	case SignatureTypeArweave:
		mod := s.rsaKey.PublicKey.N.Bytes()
		out := make([]byte, 512)
		copy(out[512-len(mod):], mod)
		return out
	case SignatureTypeEd25519, SignatureTypeSolana:
		return append([]byte(nil), s.edKey.Public().(ed25519.PublicKey)...)
	case SignatureTypeEthereum:
		return ethcrypto.FromECDSAPub(&s.ethKey.PublicKey)
	}
	return nil
}

// Sign signs the deep-hash message per the key type's rules.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	switch s.sigType {
	case SignatureTypeArweave:
		digest := sha256.Sum256(msg)
		opts := &rsa.PSSOptions{SaltLength: 32, Hash: crypto.SHA256}
		return rsa.SignPSS(rand.Reader, s.rsaKey, crypto.SHA256, digest[:], opts)
	case SignatureTypeEd25519, SignatureTypeSolana:
		return ed25519.Sign(s.edKey, msg), nil
	case SignatureTypeEthereum:
		return ethcrypto.Sign(personalMessageHash(msg), s.ethKey)
	}
	return nil, errors.Wrapf(ErrUnknownSignatureType, "type %d", s.sigType)
}

// SignItem fills in Owner, SignatureType and Signature on the item.
func (s *Signer) SignItem(d *DataItem) error {
	d.SignatureType = s.sigType
	d.Owner = s.Owner()
	tagsBytes, err := EncodeTags(d.Tags)
	if err != nil {
		return err
	}
	msg := SigningPayload(d.SignatureType, d.Owner, d.Target, d.Anchor, tagsBytes, d.Payload)
	sig, err := s.Sign(msg)
	if err != nil {
		return errors.Wrap(err, "ans104: signing item")
	}
	d.Signature = sig
	return nil
}
