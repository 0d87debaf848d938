package keystore

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
)

// encodePrivatePEM encrypts the PKCS#1 key with the legacy OpenSSL PEM scheme
// (AES-256-CBC, DEK-Info header). With an empty passphrase the key derivation
// is a bare MD5 over the salt, so this only obscures the key.
func encodePrivatePEM(rand io.Reader, priv *rsa.PrivateKey, passphrase string) ([]byte, error) { // A
	//nolint:staticcheck // the legacy PEM encryption is the persisted format
	block, err := x509.EncryptPEMBlock(rand, privatePEMType, x509.MarshalPKCS1PrivateKey(priv), []byte(passphrase), x509.PEMCipherAES256)
	if err != nil {
		return nil, fmt.Errorf("keystore: encrypt private key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}

// ParsePrivatePEM decodes an RSA private key, decrypting it with passphrase if
// the block is encrypted. PKCS#1 and unencrypted PKCS#8 are accepted.
func ParsePrivatePEM(data []byte, passphrase string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM", ErrKeyMaterialCorrupt)
	}

	der := block.Bytes
	//nolint:staticcheck // see encodePrivatePEM
	if x509.IsEncryptedPEMBlock(block) {
		var err error
		//nolint:staticcheck // see encodePrivatePEM
		der, err = x509.DecryptPEMBlock(block, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("%w: decrypt private key: %v", ErrKeyMaterialCorrupt, err)
		}
	}

	var priv *rsa.PrivateKey
	switch block.Type {
	case privatePEMType:
		k, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyMaterialCorrupt, err)
		}
		priv = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyMaterialCorrupt, err)
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is %T, not RSA", ErrKeyMaterialCorrupt, k)
		}
		priv = rk
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrKeyMaterialCorrupt, block.Type)
	}

	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterialCorrupt, err)
	}
	return priv, nil
}

// ParsePublicPEM decodes an RSA public key in PKCS#1 or PKIX form.
func ParsePublicPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: public key is not PEM", ErrKeyMaterialCorrupt)
	}

	switch block.Type {
	case publicPEMType:
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyMaterialCorrupt, err)
		}
		return pub, nil
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyMaterialCorrupt, err)
		}
		pub, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: public key is %T, not RSA", ErrKeyMaterialCorrupt, k)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrKeyMaterialCorrupt, block.Type)
	}
}
