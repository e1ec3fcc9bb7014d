package qr

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

const testSecret = "unit-test-signing-secret-0123456789"

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	gen, err := NewGenerator(testSecret, 24*time.Hour)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	return gen
}

func customerData() map[string]any {
	return map[string]any{
		"type":       KindCustomer,
		"customerId": "cust-42",
		"businessId": "biz-7",
		"name":       "Jane Doe",
	}
}

func TestGenerateVerifyRoundTrip(t *testing.T) {
	gen := newTestGenerator(t)

	payload, err := gen.Generate(customerData(), Options{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	res := gen.Verify(payload)
	if !res.IsValid {
		t.Fatalf("expected valid payload, errors: %v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("expected zero errors, got %v", res.Errors)
	}
	if res.Data["customerId"] != "cust-42" {
		t.Fatalf("expected customerId preserved, got %v", res.Data["customerId"])
	}
	if _, ok := res.Data["integrity"]; ok {
		t.Fatalf("expected digests stripped from verified data")
	}
	if _, ok := res.Data["signature"]; ok {
		t.Fatalf("expected digests stripped from verified data")
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	gen := newTestGenerator(t)

	if _, err := gen.Generate(nil, Options{}); err == nil {
		t.Fatalf("expected error for nil payload")
	}
	if _, err := gen.Generate(map[string]any{"customerId": "x"}, Options{}); err == nil {
		t.Fatalf("expected error for missing type")
	}
	if _, err := gen.Generate(map[string]any{"type": ""}, Options{}); err == nil {
		t.Fatalf("expected error for empty type")
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	gen := newTestGenerator(t)

	payload, err := gen.Generate(customerData(), Options{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	decoded["customerId"] = "cust-evil"
	tampered, _ := json.Marshal(decoded)

	res := gen.Verify(string(tampered))
	if res.IsValid {
		t.Fatalf("expected tampered payload to fail verification")
	}
	found := false
	for _, e := range res.Errors {
		if strings.Contains(e, "integrity") || strings.Contains(e, "signature") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected integrity or signature error, got %v", res.Errors)
	}
}

func TestVerifyExpiresOldTimestamp(t *testing.T) {
	gen := newTestGenerator(t)

	payload, err := gen.Generate(customerData(), Options{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Shift the verifier clock 25 hours forward; no expiresAt is set, so
	// only the timestamp age check can reject it.
	gen.clock = func() time.Time { return time.Now().Add(25 * time.Hour) }

	res := gen.Verify(payload)
	if res.IsValid {
		t.Fatalf("expected 25h old payload to be rejected")
	}
	if !containsError(res.Errors, "payload expired") {
		t.Fatalf("expected expiry error, got %v", res.Errors)
	}
}

func TestVerifyRejectsFutureTimestamp(t *testing.T) {
	gen := newTestGenerator(t)

	payload, err := gen.Generate(customerData(), Options{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	gen.clock = func() time.Time { return time.Now().Add(-10 * time.Minute) }

	res := gen.Verify(payload)
	if res.IsValid {
		t.Fatalf("expected future-dated payload to be rejected")
	}
}

func TestExpiresAtClampedToCeiling(t *testing.T) {
	gen := newTestGenerator(t)
	now := time.Now()
	gen.clock = func() time.Time { return now }

	payload, err := gen.Generate(customerData(), Options{ExpiresIn: 72 * time.Hour})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	exp, ok := decoded["expiresAt"].(float64)
	if !ok {
		t.Fatalf("expected expiresAt to be set")
	}
	want := now.Add(24 * time.Hour).UnixMilli()
	if int64(exp) != want {
		t.Fatalf("expected expiresAt clamped to %d, got %d", want, int64(exp))
	}
}

func TestVerifyRejectsExpiredExpiresAt(t *testing.T) {
	gen := newTestGenerator(t)

	payload, err := gen.Generate(customerData(), Options{ExpiresIn: time.Minute})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	gen.clock = func() time.Time { return time.Now().Add(2 * time.Minute) }
	res := gen.Verify(payload)
	if res.IsValid {
		t.Fatalf("expected payload past expiresAt to be rejected")
	}
}

func TestVerifyLegacyPayloadWarnsOnly(t *testing.T) {
	gen := newTestGenerator(t)

	// Legacy codes carry no version, integrity or signature. Those are
	// warnings; the missing nonce is what fails them on the strict path.
	legacy := map[string]any{
		"type":      KindCustomer,
		"nonce":     "0123456789abcdef0123456789abcdef",
		"timestamp": time.Now().UnixMilli(),
	}
	raw, _ := json.Marshal(legacy)

	res := gen.Verify(string(raw))
	if !res.IsValid {
		t.Fatalf("expected legacy payload with nonce to pass, errors: %v", res.Errors)
	}
	if len(res.Warnings) < 3 {
		t.Fatalf("expected version/integrity/signature warnings, got %v", res.Warnings)
	}
}

func TestVerifyRejectsShortNonce(t *testing.T) {
	gen := newTestGenerator(t)

	raw, _ := json.Marshal(map[string]any{
		"type":      KindCustomer,
		"nonce":     "short",
		"timestamp": time.Now().UnixMilli(),
	})

	res := gen.Verify(string(raw))
	if res.IsValid {
		t.Fatalf("expected short nonce to fail verification")
	}
}

func TestVerifyRejectsPrototypePollution(t *testing.T) {
	gen := newTestGenerator(t)

	raw := `{"type":"customer","nonce":"0123456789abcdef","timestamp":1,"data":{"__proto__":{"admin":true}}}`
	res := gen.Verify(raw)
	if res.IsValid {
		t.Fatalf("expected __proto__ payload to be rejected")
	}
	if !containsError(res.Errors, "payload contains forbidden keys") {
		t.Fatalf("expected forbidden key error, got %v", res.Errors)
	}
}

func TestVerifyRejectsScriptInjection(t *testing.T) {
	gen := newTestGenerator(t)

	for _, nasty := range []string{
		`<script>alert(1)</script>`,
		`javascript:alert(1)`,
		`<img onerror=alert(1)>`,
	} {
		raw, _ := json.Marshal(map[string]any{
			"type":      KindCustomer,
			"nonce":     "0123456789abcdef0123456789abcdef",
			"timestamp": time.Now().UnixMilli(),
			"name":      nasty,
		})
		res := gen.Verify(string(raw))
		if res.IsValid {
			t.Fatalf("expected %q to be rejected", nasty)
		}
	}
}

func TestVerifyRejectsOversizedPayload(t *testing.T) {
	gen := newTestGenerator(t)

	res := gen.Verify(`{"type":"customer","pad":"` + strings.Repeat("x", MaxPayloadBytes) + `"}`)
	if res.IsValid {
		t.Fatalf("expected oversized payload to be rejected")
	}
	if !containsError(res.Errors, "payload exceeds size limit") {
		t.Fatalf("expected size error, got %v", res.Errors)
	}
}

func TestGenerateCompatOmitsEnvelope(t *testing.T) {
	gen := newTestGenerator(t)

	payload, err := gen.GenerateCompat(customerData())
	if err != nil {
		t.Fatalf("generate compat: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"nonce", "integrity", "signature"} {
		if _, ok := decoded[field]; ok {
			t.Fatalf("compat payload must not carry %s", field)
		}
	}
	if decoded["version"] != "1.0" {
		t.Fatalf("expected legacy version tag, got %v", decoded["version"])
	}
}

func TestUpgradeLegacyResigns(t *testing.T) {
	gen := newTestGenerator(t)

	legacy, err := gen.GenerateCompat(customerData())
	if err != nil {
		t.Fatalf("generate compat: %v", err)
	}

	upgraded, err := gen.UpgradeLegacy(legacy)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}

	res := gen.Verify(upgraded)
	if !res.IsValid {
		t.Fatalf("expected upgraded payload to verify, errors: %v", res.Errors)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("expected no warnings after upgrade, got %v", res.Warnings)
	}
}

func TestParseTypedExhaustive(t *testing.T) {
	typed, err := ParseTyped(map[string]any{"type": KindCustomer, "customerId": "c1", "businessId": "b1"})
	if err != nil {
		t.Fatalf("parse customer: %v", err)
	}
	if _, ok := typed.(CustomerQR); !ok {
		t.Fatalf("expected CustomerQR, got %T", typed)
	}

	typed, err = ParseTyped(map[string]any{"type": KindPromo, "promoId": "p1", "businessId": "b1", "points": "25.5"})
	if err != nil {
		t.Fatalf("parse promo: %v", err)
	}
	promo, ok := typed.(PromoQR)
	if !ok {
		t.Fatalf("expected PromoQR, got %T", typed)
	}
	if promo.Points.String() != "25.5" {
		t.Fatalf("expected points 25.5, got %s", promo.Points)
	}

	if _, err := ParseTyped(map[string]any{"type": "mystery"}); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
	if _, err := ParseTyped(map[string]any{}); err == nil {
		t.Fatalf("expected missing type to fail")
	}
}

func TestRenderPNG(t *testing.T) {
	gen := newTestGenerator(t)
	payload, err := gen.Generate(customerData(), Options{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	png, err := RenderPNG(payload, 0)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(png) == 0 {
		t.Fatalf("expected non-empty png")
	}
	if _, err := RenderPNG("", 256); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func containsError(errs []string, want string) bool {
	for _, e := range errs {
		if e == want {
			return true
		}
	}
	return false
}
