package security

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"strings"
)

// ErrInvalidKey is returned when key material cannot be decoded or is of an
// unsupported type.
var ErrInvalidKey = errors.New("invalid key")

// keyMaterial accepts either inline PEM or a path to a PEM file, matching how
// the key reaches configuration (env var in containers, file path elsewhere).
func keyMaterial(s string) (*pem.Block, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	raw := []byte(s)
	if !strings.HasPrefix(s, "-----BEGIN") {
		b, err := os.ReadFile(s)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, ErrInvalidKey
	}
	return block, nil
}

// ParsePrivateKey decodes the signing key (RSA or ECDSA; PKCS#1, PKCS#8, or
// SEC 1 encoding).
func ParsePrivateKey(s string) (crypto.Signer, error) {
	block, err := keyMaterial(s)
	if err != nil {
		return nil, err
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if signer, ok := key.(crypto.Signer); ok {
			return signer, nil
		}
		return nil, ErrInvalidKey
	}
	return nil, ErrInvalidKey
}

// ParsePublicKey decodes the verification key (RSA or ECDSA; PKCS#1 or PKIX
// encoding).
func ParsePublicKey(s string) (crypto.PublicKey, error) {
	block, err := keyMaterial(s)
	if err != nil {
		return nil, err
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	}
	return nil, ErrInvalidKey
}
