// Package token implements the Token Maker (spec.md §4.3): a bespoke
// three-segment signed token, distinct from a JWT. A token string has the
// shape seg1.seg2.seg3 where seg1 and seg2 are independently generated
// random segments and seg3 is an RS256 signature over the literal string
// "seg1.seg2".
//
// Key loading follows server/internal/auth/jwt.go: both PKCS#1 ("RSA
// PRIVATE KEY") and PKCS#8 ("PRIVATE KEY") PEM blocks are accepted. Signing
// and verification reuse jwt.SigningMethodRS256's Sign/Verify primitives
// directly rather than jwt.NewWithClaims/ParseWithClaims — there is no
// header or claims object on the wire, just the two random segments.
package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// segmentLen is the byte length of each random segment before encoding.
const segmentLen = 64

// segmentAlphabetLow and segmentAlphabetHigh bound the ASCII range each
// random segment byte is drawn from before url-safe base64 encoding, per
// spec.md §4.3.
const (
	segmentAlphabetLow  = 48
	segmentAlphabetHigh = 122
)

// ErrMalformed indicates a token string that does not have exactly three
// dot-separated segments.
var ErrMalformed = errors.New("token: malformed token string")

// ErrSignatureInvalid indicates seg3 does not verify against seg1.seg2.
var ErrSignatureInvalid = errors.New("token: signature invalid")

// Maker issues and verifies tokens using an RSA key pair.
type Maker struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// NewMakerFromFiles loads an RSA key pair from PEM files on disk, mirroring
// auth.NewJWTManagerFromFiles. A worker that only ever signs (Issue) never
// needs to verify a peer's token, so a missing publicKeyPath is not fatal:
// the public key is derived from the private key's own modulus instead.
func NewMakerFromFiles(privateKeyPath, publicKeyPath string) (*Maker, error) {
	privBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("token: reading private key file: %w", err)
	}
	privateKey, err := parsePrivateKeyPEM(privBytes)
	if err != nil {
		return nil, err
	}

	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Maker{privateKey: privateKey, publicKey: &privateKey.PublicKey}, nil
		}
		return nil, fmt.Errorf("token: reading public key file: %w", err)
	}
	publicKey, err := parsePublicKeyPEM(pubBytes)
	if err != nil {
		return nil, err
	}
	return &Maker{privateKey: privateKey, publicKey: publicKey}, nil
}

// NewMakerGenerated creates a Maker backed by a freshly generated RSA key
// pair. Suitable for development and tests; tokens do not survive restart.
func NewMakerGenerated() (*Maker, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("token: generating RSA key pair: %w", err)
	}
	return &Maker{privateKey: privateKey, publicKey: &privateKey.PublicKey}, nil
}

func newMakerFromPEM(privatePEM, publicPEM []byte) (*Maker, error) {
	privateKey, err := parsePrivateKeyPEM(privatePEM)
	if err != nil {
		return nil, err
	}
	publicKey, err := parsePublicKeyPEM(publicPEM)
	if err != nil {
		return nil, err
	}
	return &Maker{privateKey: privateKey, publicKey: publicKey}, nil
}

func parsePrivateKeyPEM(privatePEM []byte) (*rsa.PrivateKey, error) {
	privBlock, _ := pem.Decode(privatePEM)
	if privBlock == nil {
		return nil, errors.New("token: failed to decode private key PEM block")
	}

	switch privBlock.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("token: parsing PKCS#1 private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("token: parsing PKCS#8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("token: PKCS#8 key is not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("token: unsupported private key PEM type: %s", privBlock.Type)
	}
}

func parsePublicKeyPEM(publicPEM []byte) (*rsa.PublicKey, error) {
	pubBlock, _ := pem.Decode(publicPEM)
	if pubBlock == nil {
		return nil, errors.New("token: failed to decode public key PEM block")
	}
	pubInterface, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("token: parsing public key: %w", err)
	}
	publicKey, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("token: public key is not an RSA key")
	}
	return publicKey, nil
}

// Issue generates a fresh token: two random segments plus an RS256
// signature over "seg1.seg2".
func (m *Maker) Issue() (string, error) {
	seg1, err := randomSegment()
	if err != nil {
		return "", fmt.Errorf("token: generating segment 1: %w", err)
	}
	seg2, err := randomSegment()
	if err != nil {
		return "", fmt.Errorf("token: generating segment 2: %w", err)
	}

	signingInput := seg1 + "." + seg2
	sig, err := jwt.SigningMethodRS256.Sign(signingInput, m.privateKey)
	if err != nil {
		return "", fmt.Errorf("token: signing: %w", err)
	}

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks that a token string has the correct shape and that its
// signature segment verifies against the first two segments.
func (m *Maker) Verify(token string) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ErrMalformed
	}

	signingInput := parts[0] + "." + parts[1]
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := jwt.SigningMethodRS256.Verify(signingInput, sigBytes, m.publicKey); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

// PublicKeyPEM returns the public key in PEM-encoded PKIX format, for
// distributing to peers that only need to verify tokens.
func (m *Maker) PublicKeyPEM() ([]byte, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(m.publicKey)
	if err != nil {
		return nil, fmt.Errorf("token: marshaling public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), nil
}

// randomSegment produces a url-safe base64 encoding of segmentLen random
// bytes drawn from the ASCII [segmentAlphabetLow, segmentAlphabetHigh] range.
func randomSegment() (string, error) {
	raw := make([]byte, segmentLen)
	span := segmentAlphabetHigh - segmentAlphabetLow + 1
	buf := make([]byte, segmentLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		raw[i] = segmentAlphabetLow + b%byte(span)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
