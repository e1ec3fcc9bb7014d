package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/perkstack/loyalty-core/internal/rate"
	"github.com/perkstack/loyalty-core/internal/security"
	"github.com/perkstack/loyalty-core/internal/testutil"
	"github.com/perkstack/loyalty-core/libs/auth"
	"github.com/perkstack/loyalty-core/libs/logging"
)

var adminTestSecret = []byte("admin-test-secret-0123456789abcdef")

func adminToken(t *testing.T, roles []string) string {
	t.Helper()
	claims := auth.Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(adminTestSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newAdminFixture(t *testing.T) (*gin.Engine, *security.Logger, *rate.Limiter) {
	t.Helper()

	secLog := security.NewLogger(security.Options{CleanupEvery: time.Hour}, logging.NewNop())
	t.Cleanup(secLog.Close)

	limiter := rate.New(rate.Config{CleanupEvery: time.Hour}, nil, logging.NewNop())
	t.Cleanup(limiter.Close)

	router := testutil.NewTestRouter()
	NewAdminHandler(secLog, limiter).RegisterRoutes(router, adminTestSecret)
	return router, secLog, limiter
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	router, _, _ := newAdminFixture(t)

	w := testutil.MakeAPIRequest(router, http.MethodGet, "/v1/admin/security/events", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d", w.Code)
	}

	w = testutil.MakeAuthRequest(router, http.MethodGet, "/v1/admin/security/events", nil, adminToken(t, []string{"scanner"}))
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-admin: got %d", w.Code)
	}
}

func TestAdminSecurityEventsFiltered(t *testing.T) {
	router, secLog, _ := newAdminFixture(t)

	secLog.Record(security.Event{Type: "info_scan"})
	secLog.Record(security.Event{Type: "tamper_qr_signature"})

	w := testutil.MakeAuthRequest(router, http.MethodGet,
		"/v1/admin/security/events?severity=high", nil, adminToken(t, []string{"admin"}))
	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		Events []security.Event `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 1 || body.Events[0].Type != "tamper_qr_signature" {
		t.Fatalf("unexpected events %v", body.Events)
	}
}

func TestAdminRateLimitStatus(t *testing.T) {
	router, _, limiter := newAdminFixture(t)

	limiter.Increment(context.Background(), rate.Params{ScanType: "purchase", BusinessID: "biz-1"})

	token := adminToken(t, []string{"admin"})
	w := testutil.MakeAuthRequest(router, http.MethodGet,
		"/v1/admin/rate-limits?key=scan:purchase:business:biz-1", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		Record rate.Record `json:"record"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Record.Attempts != 1 {
		t.Fatalf("unexpected record %+v", body.Record)
	}

	w = testutil.MakeAuthRequest(router, http.MethodGet, "/v1/admin/rate-limits?key=missing", nil, token)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing key: got %d", w.Code)
	}
}
