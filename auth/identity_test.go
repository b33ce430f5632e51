package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerifier_RoundTrip(t *testing.T) {
	req := require.New(t)
	v := NewVerifier("test-secret")

	token, err := v.GenerateToken("alice", "Alice", time.Hour)
	req.NoError(err)

	identity, err := v.ValidateToken(token)
	req.NoError(err)
	req.Equal("alice", identity.UserID)
	req.Equal("Alice", identity.Username)
}

func TestVerifier_RejectsWrongSecret(t *testing.T) {
	req := require.New(t)

	token, err := NewVerifier("secret-a").GenerateToken("alice", "Alice", time.Hour)
	req.NoError(err)

	_, err = NewVerifier("secret-b").ValidateToken(token)
	req.Error(err)
}

func TestVerifier_RejectsExpiredToken(t *testing.T) {
	req := require.New(t)
	v := NewVerifier("test-secret")

	token, err := v.GenerateToken("alice", "Alice", -time.Minute)
	req.NoError(err)

	_, err = v.ValidateToken(token)
	req.Error(err)
}

func TestVerifier_FromRequest(t *testing.T) {
	req := require.New(t)
	v := NewVerifier("test-secret")

	token, err := v.GenerateToken("alice", "Alice", time.Hour)
	req.NoError(err)

	// Authorization header
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	identity, err := v.FromRequest(r)
	req.NoError(err)
	req.Equal("alice", identity.UserID)

	// Query parameter fallback for browser websocket clients
	r = httptest.NewRequest("GET", "/ws?token="+token, nil)
	identity, err = v.FromRequest(r)
	req.NoError(err)
	req.Equal("alice", identity.UserID)

	// No token at all
	r = httptest.NewRequest("GET", "/ws", nil)
	_, err = v.FromRequest(r)
	req.Error(err)
}
