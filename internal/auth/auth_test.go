package auth

import (
	"errors"
	"net/http/httptest"
	"testing"

	"syncwatch/server/internal/protocol"
)

func TestNoTokenIsGuest(t *testing.T) {
	a := New("secret")
	r := httptest.NewRequest("GET", "/sync", nil)

	id, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !id.IsGuest || id.UserID != "" || id.SessionID == "" {
		t.Errorf("identity = %+v", id)
	}
}

func TestBearerHeaderRoundTrip(t *testing.T) {
	a := New("secret")
	token, err := a.Mint("user-42", "sess-1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	r := httptest.NewRequest("GET", "/sync", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	id, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.IsGuest || id.UserID != "user-42" || id.SessionID != "sess-1" {
		t.Errorf("identity = %+v", id)
	}
}

func TestQueryTokenAccepted(t *testing.T) {
	a := New("secret")
	token, err := a.Mint("user-42", "sess-1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	r := httptest.NewRequest("GET", "/sync?token="+token, nil)
	id, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.UserID != "user-42" {
		t.Errorf("identity = %+v", id)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	a := New("secret")

	cases := map[string]string{
		"garbage":      "not-a-jwt",
		"wrong secret": mustMint(t, New("other"), "user-1"),
	}
	for name, token := range cases {
		r := httptest.NewRequest("GET", "/sync", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		_, err := a.Authenticate(r)
		var we *protocol.Error
		if !errors.As(err, &we) || we.Code != protocol.CodeInvalidToken {
			t.Errorf("%s: err = %v, want %s", name, err, protocol.CodeInvalidToken)
		}
	}
}

func mustMint(t *testing.T, a *Authenticator, userID string) string {
	t.Helper()
	token, err := a.Mint(userID, "s")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return token
}
