package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

var otpMax = big.NewInt(1_000_000) // 10^6 for 6-digit OTP

// GenerateOTP generates a cryptographically random 6-digit OTP,
// zero-padded (e.g. "000123"). Uses crypto/rand with rejection sampling
// (via big.Int) to avoid modulo bias.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpMax)
	if err != nil {
		return "", fmt.Errorf("generate OTP: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// ComputeOTPHMAC computes HMAC-SHA256(secret, otp || phone). Binding the
// code to the canonical phone means a code issued for one number can never
// verify against another.
func ComputeOTPHMAC(secret []byte, otp, phone string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(otp))
	mac.Write([]byte(phone))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyOTPHMAC verifies an OTP candidate against a stored HMAC using
// constant-time comparison to prevent timing side-channels.
func VerifyOTPHMAC(secret []byte, otpCandidate, phone, storedHMAC string) bool {
	candidate := ComputeOTPHMAC(secret, otpCandidate, phone)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(storedHMAC)) == 1
}
