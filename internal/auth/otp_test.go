package auth_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/ev-platform/internal/auth"
)

func TestGenerateOTP(t *testing.T) {
	t.Run("produces six digits", func(t *testing.T) {
		otp, err := auth.GenerateOTP()

		require.NoError(t, err)
		assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), otp)
	})

	t.Run("zero-pads small values", func(t *testing.T) {
		// Statistical: over many draws every OTP must still be 6 chars.
		for i := 0; i < 200; i++ {
			otp, err := auth.GenerateOTP()
			require.NoError(t, err)
			require.Len(t, otp, 6)
		}
	})

	t.Run("successive codes differ", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 50; i++ {
			otp, err := auth.GenerateOTP()
			require.NoError(t, err)
			seen[otp] = true
		}
		assert.Greater(t, len(seen), 1)
	})
}

func TestOTPHMAC(t *testing.T) {
	secret := []byte("test-hmac-secret")

	t.Run("verify accepts the original code and phone", func(t *testing.T) {
		stored := auth.ComputeOTPHMAC(secret, "123456", "+919876543210")

		assert.True(t, auth.VerifyOTPHMAC(secret, "123456", "+919876543210", stored))
	})

	t.Run("verify rejects a wrong code", func(t *testing.T) {
		stored := auth.ComputeOTPHMAC(secret, "123456", "+919876543210")

		assert.False(t, auth.VerifyOTPHMAC(secret, "123457", "+919876543210", stored))
	})

	t.Run("code is bound to the phone", func(t *testing.T) {
		stored := auth.ComputeOTPHMAC(secret, "123456", "+919876543210")

		assert.False(t, auth.VerifyOTPHMAC(secret, "123456", "+919876543211", stored))
	})

	t.Run("different secrets produce different digests", func(t *testing.T) {
		a := auth.ComputeOTPHMAC([]byte("secret-a"), "123456", "+919876543210")
		b := auth.ComputeOTPHMAC([]byte("secret-b"), "123456", "+919876543210")

		assert.NotEqual(t, a, b)
	})

	t.Run("digest is hex-encoded sha256 length", func(t *testing.T) {
		assert.Len(t, auth.ComputeOTPHMAC(secret, "000000", "+911111111111"), 64)
	})
}
