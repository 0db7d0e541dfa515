package ans104

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// ErrBadSignature is returned when a signature does not verify against
// the owner public key.
var ErrBadSignature = errors.New("ans104: signature verification failed")

// rsaExponent is the fixed public exponent of Arweave RSA keys.
const rsaExponent = 65537

// VerifySignature checks sig over msg (the 48-byte deep hash) against
// the owner public key, per the rules of the given signature type.
func VerifySignature(sigType int, owner, sig, msg []byte) error {
	cfg, err := SignatureConfigFor(sigType)
	if err != nil {
		return err
	}
	if len(sig) != cfg.SignatureLength {
		return errors.Wrapf(ErrBadSignature, "signature length %d, want %d", len(sig), cfg.SignatureLength)
	}
	if len(owner) != cfg.PublicKeyLength {
		return errors.Wrapf(ErrBadSignature, "owner length %d, want %d", len(owner), cfg.PublicKeyLength)
	}

	switch sigType {
	case SignatureTypeArweave:
		pub := &rsa.PublicKey{N: new(big.Int).SetBytes(owner), E: rsaExponent}
		digest := sha256.Sum256(msg)
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
		if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, opts); err != nil {
			return errors.Wrap(ErrBadSignature, err.Error())
		}
		return nil
	case SignatureTypeEd25519, SignatureTypeSolana:
		if !ed25519.Verify(ed25519.PublicKey(owner), msg, sig) {
			return ErrBadSignature
		}
		return nil
	case SignatureTypeEthereum:
		digest := personalMessageHash(msg)
		// The trailing recovery byte is not part of the curve check.
		if !ethcrypto.VerifySignature(owner, digest, sig[:64]) {
			return ErrBadSignature
		}
		return nil
	default:
		return errors.Wrapf(ErrUnknownSignatureType, "type %d", sigType)
	}
}

// personalMessageHash applies the Ethereum signed-message envelope that
// ethereum-keyed signers wrap the deep hash in.
func personalMessageHash(msg []byte) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	return ethcrypto.Keccak256([]byte(prefixed))
}
