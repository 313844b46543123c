// Package auth validates bearer credentials presented on websocket connect.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"syncwatch/server/internal/protocol"
)

// Identity is the result of authenticating one connection. UserID is empty
// for guests.
type Identity struct {
	UserID    string
	SessionID string
	IsGuest   bool
}

// Authenticator validates HS256 bearer tokens. A connection without a token
// is admitted as a guest; a connection with an invalid token is rejected.
type Authenticator struct {
	secret []byte
}

// New returns an Authenticator for the given signing secret.
func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate extracts the bearer credential from the Authorization header
// or the token query parameter and returns the connection identity.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return Identity{SessionID: uuid.NewString(), IsGuest: true}, nil
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, protocol.E(protocol.CodeInvalidToken, "invalid bearer token")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, protocol.E(protocol.CodeInvalidToken, "token missing subject")
	}
	sid, _ := claims["sid"].(string)
	if sid == "" {
		sid = uuid.NewString()
	}
	return Identity{UserID: sub, SessionID: sid}, nil
}

// Mint signs a token for userID. Used by tests and operator tooling.
func (a *Authenticator) Mint(userID, sessionID string) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"sid": sessionID,
	})
	return t.SignedString(a.secret)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
