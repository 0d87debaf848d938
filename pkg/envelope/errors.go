package envelope

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyUnavailable is returned when no usable RSA key was supplied, or
	// the key's modulus does not match the scheme.
	ErrKeyUnavailable = errors.New("envelope: key unavailable")

	// ErrEncryptionFailure is returned when a cipher primitive rejects its inputs.
	ErrEncryptionFailure = errors.New("envelope: encryption failure")

	// ErrEnvelopeTooShort is returned when the input is shorter than the fixed header.
	ErrEnvelopeTooShort = errors.New("envelope: too short")

	// ErrKeyUnwrapFailure is returned when the wrapped symmetric key cannot be
	// recovered. A wrong private key and a corrupted header look the same.
	ErrKeyUnwrapFailure = errors.New("envelope: key unwrap failure")

	// ErrMalformedEnvelope is returned when the IV or ciphertext field is not
	// valid hex. It matches ErrKeyUnwrapFailure with errors.Is.
	ErrMalformedEnvelope = fmt.Errorf("%w: malformed envelope", ErrKeyUnwrapFailure)

	// ErrIntegrityFailure is returned by authenticated schemes when the tag
	// does not match.
	ErrIntegrityFailure = errors.New("envelope: integrity check failed")

	// ErrInvalidScheme is returned when a Scheme's parameters are inconsistent.
	ErrInvalidScheme = errors.New("envelope: invalid scheme")
)
