package ans104_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"sync"
	"testing"

	"github.com/ar-io/uploader/ans104"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rsaKeyOnce sync.Once
	rsaKey     *rsa.PrivateKey
)

// testRSAKey generates the 4096-bit key once; keygen dominates the
// package's test time otherwise.
func testRSAKey(t *testing.T) *rsa.PrivateKey {
	rsaKeyOnce.Do(func() {
		var err error
		rsaKey, err = rsa.GenerateKey(rand.Reader, 4096)
		if err != nil {
			t.Fatal(err)
		}
	})
	return rsaKey
}

func testSigners(t *testing.T) map[string]*ans104.Signer {
	t.Helper()
	arweave, err := ans104.NewArweaveSigner(testRSAKey(t))
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ethKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return map[string]*ans104.Signer{
		"arweave":  arweave,
		"ed25519":  ans104.NewEd25519Signer(edKey),
		"ethereum": ans104.NewEthereumSigner(ethKey),
	}
}

func TestDataItem_SignSerializeDecodeVerify(t *testing.T) {
	for name, signer := range testSigners(t) {
		t.Run(name, func(t *testing.T) {
			item := &ans104.DataItem{
				Tags: []ans104.Tag{
					{Name: "Content-Type", Value: "text/plain"},
					{Name: "App-Name", Value: "ArDrive-CLI"},
					{Name: "App-Version", Value: "1.21.0"},
				},
				Payload: []byte("5670\n"),
			}
			require.NoError(t, signer.SignItem(item))
			require.NoError(t, item.Verify(true))

			raw, err := item.Serialize()
			require.NoError(t, err)

			decoded, err := ans104.Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, item.SignatureType, decoded.SignatureType)
			assert.Equal(t, item.Signature, decoded.Signature)
			assert.Equal(t, item.Owner, decoded.Owner)
			assert.Nil(t, decoded.Target)
			assert.Nil(t, decoded.Anchor)
			assert.Equal(t, item.Tags, decoded.Tags)
			assert.Equal(t, item.Payload, decoded.Payload)
			require.NoError(t, decoded.Verify(true))

			// id == sha256(signature)
			assert.Equal(t, [32]byte(sha256.Sum256(item.Signature)), item.ID())

			// Re-serializing the decoded fields reproduces the input.
			raw2, err := decoded.Serialize()
			require.NoError(t, err)
			assert.Equal(t, raw, raw2)
		})
	}
}

func TestDataItem_TargetAnchorPresent(t *testing.T) {
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := ans104.NewEd25519Signer(edKey)

	target := make([]byte, 32)
	anchor := make([]byte, 32)
	for i := range target {
		target[i] = byte(i)
		anchor[i] = byte(31 - i)
	}
	item := &ans104.DataItem{
		Target:  target,
		Anchor:  anchor,
		Payload: []byte("hello"),
	}
	require.NoError(t, signer.SignItem(item))

	raw, err := item.Serialize()
	require.NoError(t, err)
	decoded, err := ans104.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, target, decoded.Target)
	assert.Equal(t, anchor, decoded.Anchor)
	require.NoError(t, decoded.Verify(true))
}

func TestDataItem_PayloadDataStart(t *testing.T) {
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := ans104.NewEd25519Signer(edKey)

	item := &ans104.DataItem{
		Tags:    []ans104.Tag{{Name: "a", Value: "b"}},
		Payload: []byte("payload"),
	}
	require.NoError(t, signer.SignItem(item))

	tagsBytes, err := ans104.EncodeTags(item.Tags)
	require.NoError(t, err)
	want := 2 + 64 + 32 + 1 + 1 + 16 + len(tagsBytes)

	start, err := item.PayloadDataStart()
	require.NoError(t, err)
	assert.Equal(t, want, start)

	raw, err := item.Serialize()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), raw[start:])
}

func TestDataItem_MinimalHeader(t *testing.T) {
	// No target, no anchor, zero tags: tagsBytes omitted and the
	// payload starts at the minimum offset for the type.
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := ans104.NewEd25519Signer(edKey)

	item := &ans104.DataItem{Payload: []byte("x")}
	require.NoError(t, signer.SignItem(item))
	start, err := item.PayloadDataStart()
	require.NoError(t, err)
	assert.Equal(t, 2+64+32+1+1+16, start)

	raw, err := item.Serialize()
	require.NoError(t, err)
	decoded, err := ans104.Decode(raw)
	require.NoError(t, err)
	assert.Empty(t, decoded.Tags)
	require.NoError(t, decoded.Verify(true))
}

func TestDataItem_FlippedSignatureByteInvalid(t *testing.T) {
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := ans104.NewEd25519Signer(edKey)

	item := &ans104.DataItem{Payload: []byte("hello")}
	require.NoError(t, signer.SignItem(item))
	item.Signature[0] ^= 0xff
	assert.ErrorIs(t, item.Verify(true), ans104.ErrBadSignature)
}

func TestDecode_BadPresenceFlag(t *testing.T) {
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := ans104.NewEd25519Signer(edKey)

	item := &ans104.DataItem{Payload: []byte("hello")}
	require.NoError(t, signer.SignItem(item))
	raw, err := item.Serialize()
	require.NoError(t, err)
	raw[2+64+32] = 7 // target flag
	_, err = ans104.Decode(raw)
	assert.ErrorIs(t, err, ans104.ErrBadPresenceFlag)
}

func TestDecode_UnknownSignatureType(t *testing.T) {
	raw := []byte{0xff, 0x00, 1, 2, 3}
	_, err := ans104.Decode(raw)
	assert.ErrorIs(t, err, ans104.ErrUnknownSignatureType)
}

func TestOwnerAddress(t *testing.T) {
	owner := []byte("owner-key-bytes")
	sum := sha256.Sum256(owner)
	assert.Equal(t, ans104.EncodeID(sum), ans104.OwnerAddress(owner))
}

func TestEncodeDecodeID(t *testing.T) {
	var id [32]byte
	for i := range id {
		id[i] = byte(i * 7)
	}
	s := ans104.EncodeID(id)
	got, err := ans104.DecodeID(s)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = ans104.DecodeID("not base64url!!")
	assert.Error(t, err)
}
