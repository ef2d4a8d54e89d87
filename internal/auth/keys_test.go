package auth_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/ev-platform/internal/auth"
)

func TestStaticKeyStore(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	t.Run("returns the signing key and kid", func(t *testing.T) {
		ks := auth.NewStaticKeyStore(key, "kid-1")

		got, kid, err := ks.SigningKey()

		require.NoError(t, err)
		assert.Equal(t, key, got)
		assert.Equal(t, "kid-1", kid)
	})

	t.Run("resolves the public key by kid", func(t *testing.T) {
		ks := auth.NewStaticKeyStore(key, "kid-1")

		pub, err := ks.PublicKey("kid-1")

		require.NoError(t, err)
		assert.Equal(t, &key.PublicKey, pub)
	})

	t.Run("rejects an unknown kid", func(t *testing.T) {
		ks := auth.NewStaticKeyStore(key, "kid-1")

		_, err := ks.PublicKey("kid-2")

		assert.Error(t, err)
	})
}

func TestLoadKeyStoreFromPEM(t *testing.T) {
	t.Run("loads a PKCS1 private key", func(t *testing.T) {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		pemBytes := pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		})

		ks, err := auth.LoadKeyStoreFromPEM(pemBytes, "kid-pem")

		require.NoError(t, err)
		_, kid, err := ks.SigningKey()
		require.NoError(t, err)
		assert.Equal(t, "kid-pem", kid)
	})

	t.Run("rejects invalid PEM", func(t *testing.T) {
		_, err := auth.LoadKeyStoreFromPEM([]byte("not pem"), "kid")

		assert.Error(t, err)
	})
}

func TestGenerateEphemeralKeyStore(t *testing.T) {
	t.Run("produces a usable key pair", func(t *testing.T) {
		ks, err := auth.GenerateEphemeralKeyStore()
		require.NoError(t, err)

		key, kid, err := ks.SigningKey()
		require.NoError(t, err)
		assert.NotEmpty(t, kid)

		pub, err := ks.PublicKey(kid)
		require.NoError(t, err)
		assert.Equal(t, &key.PublicKey, pub)
	})
}
