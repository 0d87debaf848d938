// Package envelope implements the hybrid RSA + AES-CTR file envelope.
//
// An envelope is the concatenation of three text fields with no delimiters:
//
//	wrappedKey (base64, W chars) || iv (hex, V chars) || ciphertext (hex, 2n chars)
//
// W and V depend only on the Scheme, so a decoder needs nothing but the stored
// bytes and the private key.
package envelope

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // OAEP-SHA1 is only used by the legacy scheme
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

const (
	// DefaultModulusBits is the RSA modulus size used for new keypairs.
	DefaultModulusBits = 4096

	// KeySize is the size of the per-file AES-256 key in bytes.
	KeySize = 32

	// IVSize is the size of the CTR initial counter block in bytes. It is the
	// full AES block, used as-is.
	IVSize = aes.BlockSize

	// WrappedKeyWidth4096 is W for a 4096-bit modulus: base64 of 512 bytes.
	WrappedKeyWidth4096 = 684

	// IVWidth is V for the default scheme: hex of 16 bytes.
	IVWidth = 2 * IVSize

	// TagWidth is the width of the hex HMAC-SHA256 tag in authenticated mode.
	TagWidth = 2 * sha256.Size

	macInfo = "ouroboros-vault:envelope:mac:v1"
)

// Scheme fixes every parameter that shapes the envelope. Encoder and decoder
// must use equal Schemes.
type Scheme struct {
	// ModulusBits is the RSA modulus size. It determines W.
	ModulusBits int
	// KeySize is the number of random bytes drawn for the symmetric key.
	KeySize int
	// IVSize is the number of random bytes drawn for the IV. It determines V.
	IVSize int
	// Authenticated appends an HMAC-SHA256 tag over the whole envelope.
	Authenticated bool
	// Rand is the randomness source. nil means crypto/rand.
	Rand io.Reader

	// legacyText makes the hex text of key and IV the cipher inputs, instead
	// of the decoded bytes.
	legacyText bool
	// oaepHash defaults to SHA-256.
	oaepHash func() hash.Hash
}

// DefaultScheme returns the scheme used for all new envelopes:
// RSA-4096 OAEP-SHA256, AES-256-CTR with a full 16-byte counter block.
func DefaultScheme() Scheme {
	return Scheme{
		ModulusBits: DefaultModulusBits,
		KeySize:     KeySize,
		IVSize:      IVSize,
	}
}

// NewScheme returns the default scheme with a different modulus size.
func NewScheme(modulusBits int, authenticated bool) Scheme { // A
	s := DefaultScheme()
	s.ModulusBits = modulusBits
	s.Authenticated = authenticated
	return s
}

// LegacyScheme reads envelopes written by the first deployment: 16 random key
// bytes whose 32 hex characters are the AES-256 key, 8 IV bytes whose 16 hex
// characters are the counter block, and OAEP with SHA-1.
func LegacyScheme() Scheme {
	return Scheme{
		ModulusBits: DefaultModulusBits,
		KeySize:     16,
		IVSize:      8,
		legacyText:  true,
		oaepHash:    sha1.New,
	}
}

// IsLegacy reports whether s is a legacy text-keyed scheme.
func (s Scheme) IsLegacy() bool { return s.legacyText }

// WrappedKeyWidth is W, the width of the base64 wrapped-key field.
func (s Scheme) WrappedKeyWidth() int { // A
	return base64.StdEncoding.EncodedLen(s.ModulusBits / 8)
}

// IVWidth is V, the width of the hex IV field.
func (s Scheme) IVWidth() int {
	return hex.EncodedLen(s.IVSize)
}

// TagWidth is zero unless the scheme is authenticated.
func (s Scheme) TagWidth() int { // AC
	if s.Authenticated {
		return TagWidth
	}
	return 0
}

// HeaderLen is W+V, the shortest envelope a decoder accepts for plain schemes.
func (s Scheme) HeaderLen() int { // A
	return s.WrappedKeyWidth() + s.IVWidth()
}

// MinLen is the length of an envelope for empty plaintext.
func (s Scheme) MinLen() int {
	return s.HeaderLen() + s.TagWidth()
}

// EnvelopeLen returns the exact envelope length for n plaintext bytes.
func (s Scheme) EnvelopeLen(n int) int { // A
	return s.MinLen() + hex.EncodedLen(n)
}

// Validate checks that the parameters describe a usable AES-CTR + RSA-OAEP
// combination.
func (s Scheme) Validate() error {
	if s.ModulusBits < 1024 || s.ModulusBits%8 != 0 {
		return fmt.Errorf("%w: modulus %d bits", ErrInvalidScheme, s.ModulusBits)
	}
	switch n := s.cipherKeyLen(); n {
	case 16, 24, 32:
	default:
		return fmt.Errorf("%w: cipher key of %d bytes", ErrInvalidScheme, n)
	}
	if n := s.cipherIVLen(); n != aes.BlockSize {
		return fmt.Errorf("%w: counter block of %d bytes, want %d", ErrInvalidScheme, n, aes.BlockSize)
	}
	maxMsg := s.ModulusBits/8 - 2*s.hash().Size() - 2
	if hex.EncodedLen(s.KeySize) > maxMsg {
		return fmt.Errorf("%w: key text does not fit in OAEP block", ErrInvalidScheme)
	}
	return nil
}

func (s Scheme) cipherKeyLen() int {
	if s.legacyText {
		return hex.EncodedLen(s.KeySize)
	}
	return s.KeySize
}

func (s Scheme) cipherIVLen() int {
	if s.legacyText {
		return hex.EncodedLen(s.IVSize)
	}
	return s.IVSize
}

func (s Scheme) hash() hash.Hash { // A
	if s.oaepHash != nil {
		return s.oaepHash()
	}
	return sha256.New()
}

func (s Scheme) rand() io.Reader { // AC
	if s.Rand != nil {
		return s.Rand
	}
	return rand.Reader
}

// cipherInput turns a key or IV text field into cipher input bytes.
func (s Scheme) cipherInput(text []byte, want int) ([]byte, error) {
	if s.legacyText {
		if len(text) != want {
			return nil, fmt.Errorf("got %d text bytes, want %d", len(text), want)
		}
		return text, nil
	}
	raw := make([]byte, hex.DecodedLen(len(text)))
	if _, err := hex.Decode(raw, text); err != nil {
		return nil, err
	}
	if len(raw) != want {
		return nil, fmt.Errorf("got %d bytes, want %d", len(raw), want)
	}
	return raw, nil
}
