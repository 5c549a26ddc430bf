// Package signing produces the expo-signature value for manifest and
// directive bodies: an RSA-SHA256 signature over the exact response body
// bytes, serialized as a structured-field dictionary.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoKey     = errors.New("signing: no private key configured")
	ErrBadKeyPEM = errors.New("signing: invalid private key pem")
)

type Signer struct {
	key *rsa.PrivateKey
}

// New parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func New(pemData []byte) (*Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("%w: no pem block found", ErrBadKeyPEM)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &Signer{key: key}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyPEM, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an rsa key", ErrBadKeyPEM)
	}
	return &Signer{key: key}, nil
}

// Sign computes the RSA-SHA256 signature of body and returns the
// serialized dictionary `sig="<base64>", keyid="main"`. A nil Signer
// reports ErrNoKey so callers can surface the configuration error.
func (s *Signer) Sign(body []byte) (string, error) {
	if s == nil || s.key == nil {
		return "", ErrNoKey
	}
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing: sign body: %w", err)
	}
	return SerializeDictionary([]Member{
		{Key: "sig", Value: base64.StdEncoding.EncodeToString(sig)},
		{Key: "keyid", Value: "main"},
	}), nil
}

// PublicKey exposes the verification half, mainly for tests.
func (s *Signer) PublicKey() *rsa.PublicKey {
	if s == nil || s.key == nil {
		return nil
	}
	return &s.key.PublicKey
}

// Member is one ordered dictionary entry. Values are serialized as sf
// strings; this server never emits parameters or non-string values.
type Member struct {
	Key   string
	Value string
}

// SerializeDictionary renders members per the structured field values
// serialization grammar (RFC 8941 §4.1.2), restricted to string values.
func SerializeDictionary(members []Member) string {
	var sb strings.Builder
	for i, m := range members {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(m.Key)
		sb.WriteString("=")
		sb.WriteString(serializeString(m.Value))
	}
	return sb.String()
}

func serializeString(v string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '"' || c == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(c)
	}
	sb.WriteByte('"')
	return sb.String()
}
