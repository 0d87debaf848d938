package envelope

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBits = 2048

var (
	keysOnce sync.Once
	keyA     *rsa.PrivateKey
	keyB     *rsa.PrivateKey
)

// testKeys returns two distinct 2048-bit keys shared by the whole package.
func testKeys(t testing.TB) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keysOnce.Do(func() {
		var err error
		if keyA, err = rsa.GenerateKey(rand.Reader, testBits); err != nil {
			panic(err)
		}
		if keyB, err = rsa.GenerateKey(rand.Reader, testBits); err != nil {
			panic(err)
		}
	})
	return keyA, keyB
}

func testScheme() Scheme { // A
	return NewScheme(testBits, false)
}

func TestWidthsAreDerivedFromScheme(t *testing.T) { // A
	s := DefaultScheme()
	assert.Equal(t, WrappedKeyWidth4096, s.WrappedKeyWidth())
	assert.Equal(t, IVWidth, s.IVWidth())
	assert.Equal(t, 32, s.IVWidth())
	assert.Equal(t, 716, s.HeaderLen())
	assert.Equal(t, 344, testScheme().WrappedKeyWidth())
	require.NoError(t, s.Validate())

	legacy := LegacyScheme()
	assert.Equal(t, 684, legacy.WrappedKeyWidth())
	assert.Equal(t, 16, legacy.IVWidth())
	require.NoError(t, legacy.Validate())
}

func TestRoundTrip(t *testing.T) { // A
	priv, _ := testKeys(t)
	s := testScheme()

	big := make([]byte, 3<<20)
	_, err := rand.Read(big)
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":      {},
		"single":     {0x42},
		"text":       []byte("hello world"),
		"block edge": bytes.Repeat([]byte{0xff}, 16),
		"multi MB":   big,
	}
	for name, plaintext := range cases {
		t.Run(name, func(t *testing.T) {
			env, err := s.Encode(&priv.PublicKey, plaintext)
			require.NoError(t, err)
			assert.Len(t, env, s.EnvelopeLen(len(plaintext)))

			got, err := s.Decode(priv, env)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(plaintext, got), "plaintext mismatch")
		})
	}
}

func TestEncodeIsNonDeterministic(t *testing.T) { // A
	priv, _ := testKeys(t)
	s := testScheme()
	plaintext := []byte("same input twice")

	a, err := s.Encode(&priv.PublicKey, plaintext)
	require.NoError(t, err)
	b, err := s.Encode(&priv.PublicKey, plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)

	fa, err := s.Parse(a)
	require.NoError(t, err)
	fb, err := s.Parse(b)
	require.NoError(t, err)
	assert.NotEqual(t, fa.IV, fb.IV, "IV must be fresh per envelope")

	for _, env := range [][]byte{a, b} {
		got, err := s.Decode(priv, env)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestLengthIsLinear(t *testing.T) { // A
	priv, _ := testKeys(t)
	s := testScheme()
	for _, n := range []int{0, 1, 2, 15, 16, 17, 1000} {
		env, err := s.Encode(&priv.PublicKey, make([]byte, n))
		require.NoError(t, err)
		assert.Equal(t, s.WrappedKeyWidth()+s.IVWidth()+2*n, len(env), "n=%d", n)
	}
}

func TestFieldsAreTextEncoded(t *testing.T) {
	priv, _ := testKeys(t)
	s := testScheme()
	env, err := s.Encode(&priv.PublicKey, []byte("abc"))
	require.NoError(t, err)

	f, err := s.Parse(env)
	require.NoError(t, err)
	_, err = hex.DecodeString(string(f.IV))
	assert.NoError(t, err)
	_, err = hex.DecodeString(string(f.Ciphertext))
	assert.NoError(t, err)
	assert.Len(t, f.Ciphertext, 6)
	assert.Nil(t, f.Tag)
}

func TestWrongKeyIsRejected(t *testing.T) {
	privA, privB := testKeys(t)
	s := testScheme()

	env, err := s.Encode(&privA.PublicKey, []byte("for A only"))
	require.NoError(t, err)

	got, err := s.Decode(privB, env)
	require.ErrorIs(t, err, ErrKeyUnwrapFailure)
	assert.Nil(t, got)
}

func TestTruncatedEnvelope(t *testing.T) {
	priv, _ := testKeys(t)
	s := testScheme()

	env, err := s.Encode(&priv.PublicKey, []byte("payload"))
	require.NoError(t, err)

	for _, n := range []int{0, 1, s.WrappedKeyWidth(), s.HeaderLen() - 1} {
		_, err := s.Decode(priv, env[:n])
		assert.ErrorIs(t, err, ErrEnvelopeTooShort, "len=%d", n)
	}

	// Exactly the header decodes to an empty plaintext.
	got, err := s.Decode(priv, env[:s.HeaderLen()])
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCorruptedHeader(t *testing.T) {
	priv, _ := testKeys(t)
	s := testScheme()

	env, err := s.Encode(&priv.PublicKey, []byte("payload"))
	require.NoError(t, err)

	badKey := bytes.Clone(env)
	badKey[10] ^= 0x01
	_, err = s.Decode(priv, badKey)
	assert.ErrorIs(t, err, ErrKeyUnwrapFailure)

	badIV := bytes.Clone(env)
	badIV[s.WrappedKeyWidth()] = 'z'
	_, err = s.Decode(priv, badIV)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
	assert.ErrorIs(t, err, ErrKeyUnwrapFailure)

	oddCipher := append(bytes.Clone(env), 'a')
	_, err = s.Decode(priv, oddCipher)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestCorruptedCiphertextIsNotDetected(t *testing.T) {
	priv, _ := testKeys(t)
	s := testScheme()
	plaintext := []byte("counter mode has no integrity")

	env, err := s.Encode(&priv.PublicKey, plaintext)
	require.NoError(t, err)

	i := s.HeaderLen()
	if env[i] == '0' {
		env[i] = '1'
	} else {
		env[i] = '0'
	}
	got, err := s.Decode(priv, env)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, got)
	assert.Equal(t, plaintext[1:], got[1:])
}

func TestMissingKeys(t *testing.T) { // A
	s := testScheme()
	_, err := s.Encode(nil, []byte("x"))
	assert.ErrorIs(t, err, ErrKeyUnavailable)

	_, err = s.Decode(nil, make([]byte, s.HeaderLen()))
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestModulusMismatch(t *testing.T) { // A
	priv, _ := testKeys(t)
	_, err := DefaultScheme().Encode(&priv.PublicKey, []byte("x"))
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, assert.AnError }

func TestRandomFailure(t *testing.T) { // A
	priv, _ := testKeys(t)
	s := testScheme()
	s.Rand = failingReader{}
	_, err := s.Encode(&priv.PublicKey, []byte("x"))
	assert.ErrorIs(t, err, ErrEncryptionFailure)
}

func TestInvalidScheme(t *testing.T) { // A
	for name, s := range map[string]Scheme{
		"tiny modulus": {ModulusBits: 512, KeySize: 32, IVSize: 16},
		"odd key":      {ModulusBits: 2048, KeySize: 20, IVSize: 16},
		"short iv":     {ModulusBits: 2048, KeySize: 32, IVSize: 8},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.Validate(), ErrInvalidScheme)
		})
	}
}

func TestEncodeToStreams(t *testing.T) { // A
	priv, _ := testKeys(t)
	s := testScheme()
	plaintext := bytes.Repeat([]byte("stream "), 10000)

	var out bytes.Buffer
	n, err := s.EncodeTo(&out, &priv.PublicKey, bytes.NewReader(plaintext))
	require.NoError(t, err)
	assert.Equal(t, int64(len(plaintext)), n)
	assert.Equal(t, s.EnvelopeLen(len(plaintext)), out.Len())

	got, err := s.Decode(priv, out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDefaultScheme4096(t *testing.T) {
	if testing.Short() {
		t.Skip("4096-bit key generation is slow")
	}
	priv, err := rsa.GenerateKey(rand.Reader, DefaultModulusBits)
	require.NoError(t, err)

	s := DefaultScheme()
	env, err := s.Encode(&priv.PublicKey, []byte("hello world"))
	require.NoError(t, err)
	assert.Len(t, env, WrappedKeyWidth4096+IVWidth+22)

	got, err := s.Decode(priv, env)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)
}
