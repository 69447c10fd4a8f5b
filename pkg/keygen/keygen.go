// Package keygen generates SSH key pairs for bootstrap credentials.
package keygen

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Type selects the key algorithm.
type Type string

const (
	TypeRSA     Type = "rsa"
	TypeEd25519 Type = "ed25519"

	rsaBits = 4096
)

// KeyPair holds a private key in PEM format and the matching public key in
// authorized_keys format.
type KeyPair struct {
	PrivateKey []byte
	PublicKey  []byte
}

// Generate produces a fresh key pair of the requested type.
func Generate(keyType Type, comment string) (*KeyPair, error) {
	switch keyType {
	case TypeRSA:
		return generateRSA(rsaBits)
	case TypeEd25519, "":
		return generateEd25519(comment)
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}
}

func generateRSA(bits int) (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}

	err = privateKey.Validate()
	if err != nil {
		return nil, err
	}

	privDER := x509.MarshalPKCS1PrivateKey(privateKey)
	privBlock := pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: privDER,
	}

	publicKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		PrivateKey: pem.EncodeToMemory(&privBlock),
		PublicKey:  ssh.MarshalAuthorizedKey(publicKey),
	}, nil
}

func generateEd25519(comment string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	privBlock, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, err
	}

	publicKey, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		PrivateKey: pem.EncodeToMemory(privBlock),
		PublicKey:  ssh.MarshalAuthorizedKey(publicKey),
	}, nil
}

// Fingerprint returns the SHA256 fingerprint of a public key in
// authorized_keys format.
func Fingerprint(publicKey []byte) (string, error) {
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("parse public key: %s", err)
	}
	return ssh.FingerprintSHA256(parsed), nil
}
