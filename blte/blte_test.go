package blte

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/salsa20"

	"github.com/rpcpool/ngdp-retrieval/keyring"
	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

func TestSingleChunkUncompressed(t *testing.T) {
	raw := append([]byte{'B', 'L', 'T', 'E', 0, 0, 0, 0}, append([]byte{ModeRaw}, "Hello, World"...)...)
	f, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(0), f.HeaderSize)

	out, err := Decode(f, keyring.New())
	require.NoError(t, err)
	require.Equal(t, "Hello, World", string(out))
}

func TestTwoChunkZlib(t *testing.T) {
	enc, err := Encode([]byte("Hello, BLTE!"), EncodeOptions{Mode: ModeZlib, ChunkSize: 7})
	require.NoError(t, err)

	f, err := Parse(enc)
	require.NoError(t, err)
	require.Len(t, f.Chunks, 2)

	out, err := Decode(f, keyring.New())
	require.NoError(t, err)
	require.Equal(t, "Hello, BLTE!", string(out))
}

func TestEncryptedChunkKnownKey(t *testing.T) {
	const keyName = uint64(0x0011223344556677)
	kr := keyring.New()
	kr.Put(keyName, keyring.Key{})

	plaintext := append([]byte{ModeRaw}, "secret"...)
	var iv [4]byte // [0,0,0,0]; XORed with chunk index 0 leaves it unchanged
	var key32 [32]byte
	var nonce [8]byte
	copy(nonce[0:4], iv[:])
	ciphertext := make([]byte, len(plaintext))
	salsa20.XORKeyStream(ciphertext, plaintext, nonce[:], &key32)

	descriptor := make([]byte, 0, 21+len(ciphertext))
	descriptor = binary.LittleEndian.AppendUint64(descriptor, 8)
	descriptor = binary.LittleEndian.AppendUint64(descriptor, keyName)
	descriptor = binary.LittleEndian.AppendUint32(descriptor, 4)
	descriptor = append(descriptor, iv[:]...)
	descriptor = append(descriptor, EncSalsa20)
	descriptor = append(descriptor, ciphertext...)

	chunkBody := append([]byte{ModeEncrypted}, descriptor...)
	raw := append([]byte{'B', 'L', 'T', 'E', 0, 0, 0, 0}, chunkBody...)

	f, err := Parse(raw)
	require.NoError(t, err)

	out, err := Decode(f, kr)
	require.NoError(t, err)
	require.Equal(t, "secret", string(out))

	_, err = Decode(f, keyring.New())
	require.Error(t, err)
	var knf ngdperr.KeyNotFound
	require.True(t, errors.As(err, &knf))
	require.Equal(t, keyName, knf.KeyName)
}

func TestChecksumMismatch(t *testing.T) {
	enc, err := Encode([]byte("payload bytes for checksum test"), EncodeOptions{Mode: ModeRaw, ChunkSize: 8})
	require.NoError(t, err)
	// corrupt the last byte, inside the last chunk's payload.
	enc[len(enc)-1] ^= 0xFF

	f, err := Parse(enc)
	require.NoError(t, err)
	_, err = Decode(f, keyring.New())
	require.Error(t, err)
	var mismatch ngdperr.ChecksumMismatch
	require.True(t, errors.As(err, &mismatch))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated for bulk: " +
		"the quick brown fox jumps over the lazy dog")
	for _, mode := range []byte{ModeRaw, ModeZlib, ModeLZ4} {
		for _, chunkSize := range []int{1, 16, 256, len(payload)} {
			enc, err := Encode(payload, EncodeOptions{Mode: mode, ChunkSize: chunkSize})
			require.NoError(t, err)
			f, err := Parse(enc)
			require.NoError(t, err)
			out, err := Decode(f, keyring.New())
			require.NoError(t, err)
			require.Equal(t, payload, out)
		}
	}
}

func TestDecompressedSizeSumsToOutputLength(t *testing.T) {
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i % 7)
	}
	enc, err := Encode(payload, EncodeOptions{Mode: ModeZlib, ChunkSize: 777})
	require.NoError(t, err)
	f, err := Parse(enc)
	require.NoError(t, err)

	var sum int
	for _, c := range f.Chunks {
		sum += int(c.DecompressedSize)
	}
	out, err := Decode(f, keyring.New())
	require.NoError(t, err)
	require.Equal(t, len(out), sum)
}

func TestDetectMode(t *testing.T) {
	enc, err := Encode([]byte("abc"), EncodeOptions{Mode: ModeRaw})
	require.NoError(t, err)
	f, err := Parse(enc)
	require.NoError(t, err)
	mode, err := DetectMode(f)
	require.NoError(t, err)
	require.Equal(t, byte(ModeRaw), mode)
}

func TestRecreatePreservesMode(t *testing.T) {
	payload := []byte("recreate me please, this is the payload body")
	enc, err := Encode(payload, EncodeOptions{Mode: ModeLZ4, ChunkSize: 10})
	require.NoError(t, err)
	f, err := Parse(enc)
	require.NoError(t, err)
	decoded, err := Decode(f, keyring.New())
	require.NoError(t, err)

	recreated, err := Recreate(f, decoded)
	require.NoError(t, err)
	rf, err := Parse(recreated)
	require.NoError(t, err)
	mode, err := DetectMode(rf)
	require.NoError(t, err)
	require.Equal(t, byte(ModeLZ4), mode)

	redecoded, err := Decode(rf, keyring.New())
	require.NoError(t, err)
	require.Equal(t, payload, redecoded)
}

func TestSelectModeSmallPayloadIsRaw(t *testing.T) {
	sel := SelectMode([]byte("short"))
	require.Equal(t, byte(ModeRaw), sel.Mode)
}

func TestSelectModeZeroHeavyIsZlib(t *testing.T) {
	payload := make([]byte, 4096)
	sel := SelectMode(payload)
	require.Equal(t, byte(ModeZlib), sel.Mode)
}
