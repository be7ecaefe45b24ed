package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vstream/roomevents/internal/authn"
	"github.com/vstream/roomevents/internal/config"
	"github.com/vstream/roomevents/storage"
	"github.com/vstream/roomevents/transport/broker"
	"github.com/vstream/roomevents/transport/gateway"
)

const testIssuer = "example-issuer"
const testSecret = "test-signing-secret"

func signedToken(t *testing.T, subject string) string {
	t.Helper()
	claims := authn.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{"example.org"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		AgentLabel: "web",
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestServer() *Server {
	verifier := authn.NewVerifier(map[string]config.Authn{
		testIssuer: {Audience: "example.org", Algorithm: "HS256", Key: testSecret},
	})
	g := &gateway.Gateway{DB: storage.Database(nil), Broker: broker.NewMemory()}
	return &Server{Gateway: g, Authn: verifier}
}

func TestHandleRejectsMissingBearer(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest("POST", "/api/room.read", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != 403 && rec.Code != 401 {
		t.Fatalf("expected an authorization-failure status, got %d", rec.Code)
	}
}

func TestHandleUnknownMethodAfterValidAuth(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest("POST", "/api/no.such.method", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "alice"))
	req.Header.Set("X-Issuer", testIssuer)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode problem body: %v", err)
	}
	if rec.Code < 400 {
		t.Fatalf("expected an error status for an unknown method, got %d", rec.Code)
	}
}
