package auth

import "github.com/golang-jwt/jwt/v5"

// Token type values carried in the "type" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims represents the JWT claims for access and refresh tokens. The
// subject is the user ID; TokenType distinguishes the two token kinds so
// a refresh token can never pass as an access token.
type Claims struct {
	jwt.RegisteredClaims
	TokenType string `json:"type"`
	Phone     string `json:"phone,omitempty"`
}
