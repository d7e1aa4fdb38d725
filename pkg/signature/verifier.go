// Package signature authenticates inbound plan payloads.
//
// A Verifier is built from a salt (the input queue name) and an optional
// public key. Without a key every payload is accepted; with a key a payload
// is accepted only with a valid SHA-256 signature over salt||payload.
package signature

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Verifier checks detached payload signatures.
type Verifier struct {
	key  crypto.PublicKey
	salt []byte
}

// NewVerifier creates a verifier. An empty keyData disables verification.
func NewVerifier(salt []byte, keyData []byte) (*Verifier, error) {
	v := &Verifier{salt: append([]byte(nil), salt...)}
	if len(bytes.TrimSpace(keyData)) == 0 {
		return v, nil
	}

	key, err := ParsePublicKey(keyData)
	if err != nil {
		return nil, err
	}
	v.key = key
	return v, nil
}

// Enabled reports whether a key is configured.
func (v *Verifier) Enabled() bool {
	return v.key != nil
}

// Verify reports whether signature authenticates payload.
func (v *Verifier) Verify(payload, signature []byte) bool {
	if v.key == nil {
		return true
	}
	if len(signature) == 0 {
		return false
	}

	h := sha256.New()
	h.Write(v.salt)
	h.Write(payload)
	digest := h.Sum(nil)

	switch key := v.key.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest, signature) == nil
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(key, digest, signature)
	default:
		return false
	}
}

// ParsePublicKey parses a PEM encoded key (PKIX, PKCS#1 or certificate) or an
// OpenSSH authorized_keys line. Only RSA and ECDSA keys are accepted.
func ParsePublicKey(data []byte) (crypto.PublicKey, error) {
	data = bytes.TrimSpace(data)

	var (
		key crypto.PublicKey
		err error
	)
	if block, _ := pem.Decode(data); block != nil {
		key, err = parsePEMBlock(block)
	} else {
		key, err = parseAuthorizedKey(data)
	}
	if err != nil {
		return nil, err
	}

	switch key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported public key type %T", key)
	}
}

func parsePEMBlock(block *pem.Block) (crypto.PublicKey, error) {
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKIX public key: %w", err)
		}
		return key, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 public key: %w", err)
		}
		return key, nil
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		return cert.PublicKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

func parseAuthorizedKey(data []byte) (crypto.PublicKey, error) {
	sshKey, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("key is neither PEM nor an authorized_keys line: %w", err)
	}
	cpk, ok := sshKey.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported ssh key type %s", sshKey.Type())
	}
	return cpk.CryptoPublicKey(), nil
}
