package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifier_Verify(t *testing.T) {
	kc := newFakeKeycloak(t)
	v := kc.verifier(t)
	ctx := context.Background()

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	claims, err := v.Verify(ctx, kc.signToken("sub-1", "a@example.com", exp))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "sub-1" || claims.Email != "a@example.com" {
		t.Errorf("claims = %+v", claims)
	}
	if !claims.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %s, ожидалось %s", claims.ExpiresAt, exp)
	}
}

func TestVerifier_Rejects(t *testing.T) {
	kc := newFakeKeycloak(t)
	v := kc.verifier(t)
	other := newFakeKeycloak(t)

	wrongIssuer := func() string {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"sub": "sub-1",
			"iss": "https://evil.example.com/realms/crm",
			"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		token.Header["kid"] = testKeyID
		s, _ := token.SignedString(kc.key)
		return s
	}

	noSubject := func() string {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"iss": kc.issuer(),
			"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		token.Header["kid"] = testKeyID
		s, _ := token.SignedString(kc.key)
		return s
	}

	tests := []struct {
		name  string
		token string
	}{
		{"пустой", ""},
		{"мусор", "not.a.jwt"},
		{"просрочен", kc.signToken("sub-1", "a@example.com", time.Now().Add(-time.Hour))},
		{"чужая подпись", other.signToken("sub-1", "a@example.com", time.Now().Add(time.Hour))},
		{"чужой issuer", wrongIssuer()},
		{"без sub", noSubject()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify = %v, ожидалось ErrInvalidToken", err)
			}
		})
	}
}
