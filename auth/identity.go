// Package auth resolves a connection's identity before it may join a
// session. Policy (who gets a token, roles, expiry) lives upstream; here
// a token is only verified and unpacked into (user_id, username).
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is what the engine needs to know about a connection's user.
type Identity struct {
	UserID   string
	Username string
}

// CustomClaims defines the structure of the data stored inside the JWT.
type CustomClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens signed with a shared secret.
type Verifier struct {
	key []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{key: []byte(secret)}
}

// GenerateToken creates a signed JWT for a specific user. Used by tests
// and the ops CLI; production tokens come from the identity provider.
func (v *Verifier) GenerateToken(userID, username string, validity time.Duration) (string, error) {
	claims := &CustomClaims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validity)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "roomlab",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.key)
}

// ValidateToken parses and validates the signature and expiration of a
// JWT string, returning the identity it carries.
func (v *Verifier) ValidateToken(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return Identity{}, err
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return Identity{}, jwt.ErrSignatureInvalid
	}
	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// FromRequest extracts the bearer token from the Authorization header or,
// for browser websocket clients that cannot set headers, from the "token"
// query parameter.
func (v *Verifier) FromRequest(r *http.Request) (Identity, error) {
	tokenStr := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tokenStr == "" {
		tokenStr = r.URL.Query().Get("token")
	}
	return v.ValidateToken(tokenStr)
}
