package envelope

import (
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// Fields are the raw text fields of an envelope, sliced at the fixed offsets.
type Fields struct {
	WrappedKey []byte
	IV         []byte
	Ciphertext []byte
	Tag        []byte
}

// Parse slices env into its fields without decrypting anything. The returned
// slices alias env.
func (s Scheme) Parse(env []byte) (Fields, error) { // A
	if len(env) < s.MinLen() {
		return Fields{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrEnvelopeTooShort, len(env), s.MinLen())
	}
	w, v := s.WrappedKeyWidth(), s.IVWidth()
	end := len(env) - s.TagWidth()
	f := Fields{
		WrappedKey: env[:w],
		IV:         env[w : w+v],
		Ciphertext: env[w+v : end],
	}
	if s.Authenticated {
		f.Tag = env[end:]
	}
	return f, nil
}

// Decode recovers the plaintext of env with priv. Without an authenticated
// scheme, a corrupted ciphertext decrypts to garbage instead of failing.
func (s Scheme) Decode(priv *rsa.PrivateKey, env []byte) ([]byte, error) { // AC
	if priv == nil || priv.N == nil {
		return nil, ErrKeyUnavailable
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	f, err := s.Parse(env)
	if err != nil {
		return nil, err
	}

	keyText, err := s.unwrap(priv, f.WrappedKey)
	if err != nil {
		return nil, err
	}

	stream, macKey, err := s.stream(keyText, f.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if s.Authenticated {
		if err := verifyTag(macKey, env[:len(env)-TagWidth], f.Tag); err != nil {
			return nil, err
		}
	}

	if len(f.Ciphertext)%2 != 0 {
		return nil, fmt.Errorf("%w: odd ciphertext length %d", ErrMalformedEnvelope, len(f.Ciphertext))
	}
	plaintext := make([]byte, hex.DecodedLen(len(f.Ciphertext)))
	if _, err := hex.Decode(plaintext, f.Ciphertext); err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformedEnvelope, err)
	}
	stream.XORKeyStream(plaintext, plaintext)
	return plaintext, nil
}

func (s Scheme) unwrap(priv *rsa.PrivateKey, field []byte) ([]byte, error) {
	wrapped := make([]byte, base64.StdEncoding.DecodedLen(len(field)))
	n, err := base64.StdEncoding.Decode(wrapped, field)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapped key encoding: %v", ErrKeyUnwrapFailure, err)
	}

	keyText, err := rsa.DecryptOAEP(s.hash(), nil, priv, wrapped[:n], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrapFailure, err)
	}
	if len(keyText) != hex.EncodedLen(s.KeySize) {
		return nil, fmt.Errorf("%w: key text is %d bytes, want %d", ErrKeyUnwrapFailure, len(keyText), hex.EncodedLen(s.KeySize))
	}
	return keyText, nil
}

func verifyTag(macKey, covered, tagText []byte) error {
	tag := make([]byte, hex.DecodedLen(len(tagText)))
	if _, err := hex.Decode(tag, tagText); err != nil {
		return fmt.Errorf("%w: tag encoding: %v", ErrIntegrityFailure, err)
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write(covered)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return ErrIntegrityFailure
	}
	return nil
}

// DecodeAny tries each scheme in order. Only an unwrap failure moves on to the
// next scheme; the first scheme's error is returned when none succeed.
func DecodeAny(priv *rsa.PrivateKey, env []byte, schemes ...Scheme) ([]byte, error) { // A
	var first error
	for _, s := range schemes {
		plaintext, err := s.Decode(priv, env)
		if err == nil {
			return plaintext, nil
		}
		if first == nil {
			first = err
		}
		if !errors.Is(err, ErrKeyUnwrapFailure) && !errors.Is(err, ErrEnvelopeTooShort) {
			return nil, err
		}
	}
	if first == nil {
		return nil, fmt.Errorf("%w: no schemes", ErrInvalidScheme)
	}
	return nil, first
}
