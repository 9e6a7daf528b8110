package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

const (
	testKeyID = "test-key-ap"
	testRealm = "crm"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// generateTestKey генерирует RSA ключ для тестов.
func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
	data, _ := json.Marshal(jwks)
	return data
}

// fakeKeycloak - минимальный token/logout endpoint Keycloak.
type fakeKeycloak struct {
	t      *testing.T
	key    *rsa.PrivateKey
	server *httptest.Server

	// users - email → {sub, password}.
	users map[string][2]string
	// accessTTL - срок жизни выдаваемых access token.
	accessTTL time.Duration

	mu       sync.Mutex
	refresh  map[string]string // refresh token → sub
	fail     bool
	// hold задерживает refresh grant до закрытия канала.
	hold     chan struct{}
	seq      atomic.Int64
	refreshN atomic.Int32
	logoutN  atomic.Int32
}

func newFakeKeycloak(t *testing.T) *fakeKeycloak {
	t.Helper()
	kc := &fakeKeycloak{
		t:         t,
		key:       generateTestKey(t),
		users:     map[string][2]string{"admin@example.com": {"sub-admin", "secret"}},
		accessTTL: time.Hour,
		refresh:   make(map[string]string),
	}

	mux := http.NewServeMux()
	base := "/realms/" + testRealm + "/protocol/openid-connect"
	mux.HandleFunc(base+"/token", kc.handleToken)
	mux.HandleFunc(base+"/logout", kc.handleLogout)
	mux.HandleFunc(base+"/certs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(buildJWKSetJSON(&kc.key.PublicKey, testKeyID))
	})
	kc.server = httptest.NewServer(mux)
	t.Cleanup(kc.server.Close)
	return kc
}

func (kc *fakeKeycloak) issuer() string {
	return kc.server.URL + "/realms/" + testRealm
}

func (kc *fakeKeycloak) setFail(fail bool) {
	kc.mu.Lock()
	kc.fail = fail
	kc.mu.Unlock()
}

func (kc *fakeKeycloak) setHold(ch chan struct{}) {
	kc.mu.Lock()
	kc.hold = ch
	kc.mu.Unlock()
}

func (kc *fakeKeycloak) revokeAll() {
	kc.mu.Lock()
	kc.refresh = make(map[string]string)
	kc.mu.Unlock()
}

func (kc *fakeKeycloak) signToken(sub, email string, exp time.Time) string {
	kc.t.Helper()
	claims := jwt.MapClaims{
		"sub":   sub,
		"email": email,
		"iss":   kc.issuer(),
		"exp":   jwt.NewNumericDate(exp),
		"iat":   jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(kc.key)
	if err != nil {
		kc.t.Fatal(err)
	}
	return s
}

func (kc *fakeKeycloak) issueTokens(w http.ResponseWriter, sub, email string) {
	refresh := fmt.Sprintf("refresh-%d", kc.seq.Add(1))

	kc.mu.Lock()
	kc.refresh[refresh] = sub
	kc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:      kc.signToken(sub, email, time.Now().Add(kc.accessTTL)),
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int(kc.accessTTL.Seconds()),
		RefreshExpiresIn: 1800,
	})
}

func writeTokenError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(TokenError{Error: code, Description: desc})
}

func (kc *fakeKeycloak) handleToken(w http.ResponseWriter, r *http.Request) {
	kc.mu.Lock()
	fail := kc.fail
	kc.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if r.PostForm.Get("client_id") != "admin-panel" {
		writeTokenError(w, http.StatusUnauthorized, "unauthorized_client", "unknown client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "password":
		email := r.PostForm.Get("username")
		user, ok := kc.users[email]
		if !ok || user[1] != r.PostForm.Get("password") {
			writeTokenError(w, http.StatusUnauthorized, "invalid_grant", "Invalid user credentials")
			return
		}
		kc.issueTokens(w, user[0], email)

	case "refresh_token":
		kc.refreshN.Add(1)
		kc.mu.Lock()
		hold := kc.hold
		kc.mu.Unlock()
		if hold != nil {
			<-hold
		}
		token := r.PostForm.Get("refresh_token")
		kc.mu.Lock()
		sub, ok := kc.refresh[token]
		delete(kc.refresh, token)
		kc.mu.Unlock()
		if !ok {
			writeTokenError(w, http.StatusBadRequest, "invalid_grant", "Token is not active")
			return
		}
		for email, user := range kc.users {
			if user[0] == sub {
				kc.issueTokens(w, sub, email)
				return
			}
		}
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "User not found")

	default:
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (kc *fakeKeycloak) handleLogout(w http.ResponseWriter, r *http.Request) {
	kc.logoutN.Add(1)
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	kc.mu.Lock()
	_, ok := kc.refresh[r.PostForm.Get("refresh_token")]
	delete(kc.refresh, r.PostForm.Get("refresh_token"))
	kc.mu.Unlock()
	if !ok {
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "Invalid refresh token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (kc *fakeKeycloak) oidcClient() *OIDCClient {
	return NewOIDCClient(OIDCConfig{
		KeycloakURL:  kc.server.URL,
		Realm:        testRealm,
		ClientID:     "admin-panel",
		ClientSecret: "client-secret",
		Timeout:      2 * time.Second,
	})
}

func (kc *fakeKeycloak) verifier(t *testing.T) *Verifier {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&kc.key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("не удалось создать keyfunc: %v", err)
	}
	return NewVerifierWithKeyfunc(kf, kc.issuer(), 0, testLogger())
}

// newTestRedis запускает miniredis и возвращает клиент.
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer("test-session-secret")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}
