package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("auth-test-secret-0123456789abcdef")

func signToken(t *testing.T, secret []byte, subject string, roles []string, expiresIn time.Duration) string {
	t.Helper()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestParseJWTRoundTrip(t *testing.T) {
	token := signToken(t, testSecret, "user-1", []string{"admin"}, time.Hour)

	claims, err := ParseJWT(token, testSecret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("got subject %q", claims.Subject)
	}
	if !claims.HasRole("admin") || claims.HasRole("root") {
		t.Fatalf("unexpected roles %v", claims.Roles)
	}
}

func TestParseJWTRejections(t *testing.T) {
	expired := signToken(t, testSecret, "user-1", nil, -time.Hour)
	wrongKey := signToken(t, []byte("some-other-secret-0123456789abcd"), "user-1", nil, time.Hour)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	for name, token := range map[string]string{
		"expired":   expired,
		"wrong key": wrongKey,
		"alg none":  unsigned,
		"garbage":   "not.a.token",
	} {
		if _, err := ParseJWT(token, testSecret); err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}

func TestExtractBearer(t *testing.T) {
	cases := []struct {
		header, want string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"", ""},
		{"Basic abc123", ""},
		{"Bearer", ""},
	}
	for _, tc := range cases {
		if got := ExtractBearer(tc.header); got != tc.want {
			t.Fatalf("ExtractBearer(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func newAuthRouter(secret []byte) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Middleware(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": UserID(c)})
	})
	r.GET("/admin", Middleware(secret), RequireRole("admin"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func doGet(router *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestMiddleware(t *testing.T) {
	router := newAuthRouter(testSecret)

	if w := doGet(router, "/me", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d", w.Code)
	}

	token := signToken(t, testSecret, "user-1", []string{"scanner"}, time.Hour)
	if w := doGet(router, "/me", token); w.Code != http.StatusOK {
		t.Fatalf("valid token: got %d (%s)", w.Code, w.Body.String())
	}

	if w := doGet(router, "/admin", token); w.Code != http.StatusForbidden {
		t.Fatalf("missing role: got %d", w.Code)
	}

	admin := signToken(t, testSecret, "user-2", []string{"admin"}, time.Hour)
	if w := doGet(router, "/admin", admin); w.Code != http.StatusNoContent {
		t.Fatalf("admin token: got %d (%s)", w.Code, w.Body.String())
	}
}

func TestOptionalMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/scan", OptionalMiddleware(testSecret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": UserID(c)})
	})

	cases := []struct {
		name, token, wantUser string
	}{
		{"anonymous", "", ""},
		{"valid token", signToken(t, testSecret, "user-1", nil, time.Hour), "user-1"},
		{"expired token", signToken(t, testSecret, "user-1", nil, -time.Hour), ""},
		{"garbage token", "not.a.token", ""},
	}
	for _, tc := range cases {
		w := doGet(router, "/scan", tc.token)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: got %d", tc.name, w.Code)
		}
		var body struct {
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		if body.UserID != tc.wantUser {
			t.Fatalf("%s: got user %q, want %q", tc.name, body.UserID, tc.wantUser)
		}
	}
}
