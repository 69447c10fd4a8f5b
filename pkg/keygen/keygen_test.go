package keygen_test

import (
	"strings"
	"testing"

	"github.com/buildforever/farm/pkg/keygen"
	"github.com/stretchr/testify/assert"
)

func TestGenerateEd25519(t *testing.T) {
	pair, err := keygen.Generate(keygen.TypeEd25519, "ci@buildforever")
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(pair.PublicKey), "ssh-ed25519 "))
	assert.Contains(t, string(pair.PrivateKey), "OPENSSH PRIVATE KEY")

	fingerprint, err := keygen.Fingerprint(pair.PublicKey)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(fingerprint, "SHA256:"))
}

func TestGenerateDefaultsToEd25519(t *testing.T) {
	pair, err := keygen.Generate("", "ci@buildforever")
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(pair.PublicKey), "ssh-ed25519 "))
}

func TestGenerateUnsupportedType(t *testing.T) {
	_, err := keygen.Generate("dsa", "")
	assert.Error(t, err)
}

func TestFingerprintGarbage(t *testing.T) {
	_, err := keygen.Fingerprint([]byte("not a key"))
	assert.Error(t, err)
}
