package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Encode seals plaintext for the holder of pub's private key. Every call draws
// a fresh key and IV, so equal inputs never produce equal envelopes.
func (s Scheme) Encode(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) { // A
	var buf bytes.Buffer
	buf.Grow(s.EnvelopeLen(len(plaintext)))
	if _, err := s.EncodeTo(&buf, pub, bytes.NewReader(plaintext)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeTo streams the envelope for everything read from r into w and returns
// the number of plaintext bytes consumed.
func (s Scheme) EncodeTo(w io.Writer, pub *rsa.PublicKey, r io.Reader) (int64, error) { // AC
	if err := s.checkPublic(pub); err != nil {
		return 0, err
	}
	if err := s.Validate(); err != nil {
		return 0, err
	}

	keyText, ivText, err := s.freshSecrets()
	if err != nil {
		return 0, err
	}

	stream, macKey, err := s.stream(keyText, ivText)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	wrapped, err := rsa.EncryptOAEP(s.hash(), s.rand(), pub, keyText, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: wrap key: %v", ErrEncryptionFailure, err)
	}

	out := w
	mac := hmac.New(sha256.New, macKey)
	if s.Authenticated {
		out = io.MultiWriter(w, mac)
	}

	header := make([]byte, 0, s.HeaderLen())
	header = base64.StdEncoding.AppendEncode(header, wrapped)
	header = append(header, ivText...)
	if len(header) != s.HeaderLen() {
		return 0, fmt.Errorf("%w: header is %d bytes, want %d", ErrEncryptionFailure, len(header), s.HeaderLen())
	}
	if _, err := out.Write(header); err != nil {
		return 0, err
	}

	sw := cipher.StreamWriter{S: stream, W: hex.NewEncoder(out)}
	n, err := io.Copy(sw, r)
	if err != nil {
		return n, err
	}

	if s.Authenticated {
		tag := hex.AppendEncode(nil, mac.Sum(nil))
		if _, err := w.Write(tag); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s Scheme) checkPublic(pub *rsa.PublicKey) error {
	if pub == nil || pub.N == nil {
		return ErrKeyUnavailable
	}
	if bits := pub.Size() * 8; bits != s.ModulusBits {
		return fmt.Errorf("%w: key has %d-bit modulus, scheme expects %d", ErrKeyUnavailable, bits, s.ModulusBits)
	}
	return nil
}

// freshSecrets draws the random key and IV and returns their hex text.
func (s Scheme) freshSecrets() (keyText, ivText []byte, err error) {
	raw := make([]byte, s.KeySize+s.IVSize)
	if _, err := io.ReadFull(s.rand(), raw); err != nil {
		return nil, nil, fmt.Errorf("%w: read random: %v", ErrEncryptionFailure, err)
	}
	keyText = hex.AppendEncode(nil, raw[:s.KeySize])
	ivText = hex.AppendEncode(nil, raw[s.KeySize:])
	return keyText, ivText, nil
}

// stream builds the CTR keystream for the given key and IV text, plus the
// HMAC key for authenticated schemes.
func (s Scheme) stream(keyText, ivText []byte) (cipher.Stream, []byte, error) {
	key, err := s.cipherInput(keyText, s.cipherKeyLen())
	if err != nil {
		return nil, nil, fmt.Errorf("key: %w", err)
	}
	iv, err := s.cipherInput(ivText, s.cipherIVLen())
	if err != nil {
		return nil, nil, fmt.Errorf("iv: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}

	var macKey []byte
	if s.Authenticated {
		macKey = make([]byte, sha256.Size)
		if _, err := io.ReadFull(hkdf.New(sha256.New, key, iv, []byte(macInfo)), macKey); err != nil {
			return nil, nil, err
		}
	}
	return cipher.NewCTR(block, iv), macKey, nil
}
