package qr

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// Version tags payloads produced by this generator. Older scanners emit
// payloads without it; Verify treats its absence as a warning only.
const Version = "2.0"

const (
	nonceBytes     = 16
	minNonceLength = 16
	maxClockSkew   = 5 * time.Minute
	defaultMaxTTL  = 24 * time.Hour
)

var ErrSecretRequired = errors.New("qr signing secret required")

type Options struct {
	// ExpiresIn requests an expiry; it is clamped to the generator ceiling
	// regardless of the requested duration.
	ExpiresIn time.Duration
}

type Generator struct {
	secret []byte
	maxTTL time.Duration
	clock  func() time.Time
}

func NewGenerator(secret string, maxTTL time.Duration) (*Generator, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}
	if maxTTL <= 0 || maxTTL > defaultMaxTTL {
		maxTTL = defaultMaxTTL
	}
	return &Generator{
		secret: []byte(secret),
		maxTTL: maxTTL,
		clock:  time.Now,
	}, nil
}

// Generate issues a signed payload. The input must carry a non-empty string
// "type"; the generator attaches nonce, timestamp, version and the keyed
// integrity and signature digests, then returns the serialized JSON.
func (g *Generator) Generate(data map[string]any, opts Options) (string, error) {
	if data == nil {
		return "", &GenerationError{Reason: "payload must be an object"}
	}
	kind, ok := data[fieldType].(string)
	if !ok || kind == "" {
		return "", &GenerationError{Reason: "payload type is required"}
	}

	payload := make(map[string]any, len(data)+5)
	for k, v := range data {
		payload[k] = v
	}

	nonce, err := newNonce()
	if err != nil {
		return "", &GenerationError{Reason: "nonce generation failed"}
	}
	now := g.clock()
	payload[fieldNonce] = nonce
	payload[fieldTimestamp] = timestampMillis(now)
	payload[fieldVersion] = Version

	if opts.ExpiresIn > 0 {
		ttl := opts.ExpiresIn
		if ttl > g.maxTTL {
			ttl = g.maxTTL
		}
		payload[fieldExpiresAt] = timestampMillis(now.Add(ttl))
	}

	// Integrity covers everything but itself and the signature; the
	// signature then covers everything but itself, integrity included. The
	// two digests are near-duplicates kept for wire compatibility with
	// payloads already in circulation.
	payload[fieldIntegrity] = g.digest(payload, fieldIntegrity, fieldSignature)
	payload[fieldSignature] = g.digest(payload, fieldSignature)

	out, err := json.Marshal(payload)
	if err != nil {
		return "", &GenerationError{Reason: "payload serialization failed"}
	}
	return string(out), nil
}

// GenerateCompat emits the minimal legacy shape (timestamp and version only)
// for scanners that predate signing.
func (g *Generator) GenerateCompat(data map[string]any) (string, error) {
	if data == nil {
		return "", &GenerationError{Reason: "payload must be an object"}
	}
	if kind, ok := data[fieldType].(string); !ok || kind == "" {
		return "", &GenerationError{Reason: "payload type is required"}
	}

	payload := make(map[string]any, len(data)+2)
	for k, v := range data {
		payload[k] = v
	}
	payload[fieldTimestamp] = timestampMillis(g.clock())
	payload[fieldVersion] = "1.0"

	out, err := json.Marshal(payload)
	if err != nil {
		return "", &GenerationError{Reason: "payload serialization failed"}
	}
	return string(out), nil
}

// UpgradeLegacy re-signs a legacy payload, replacing its envelope fields
// with a fresh nonce, timestamp and digests. Domain fields pass through.
func (g *Generator) UpgradeLegacy(raw string) (string, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", &GenerationError{Reason: "legacy payload is not valid JSON"}
	}
	for _, k := range []string{fieldNonce, fieldTimestamp, fieldVersion, fieldExpiresAt, fieldIntegrity, fieldSignature} {
		delete(payload, k)
	}
	return g.Generate(payload, Options{})
}

type VerifyResult struct {
	IsValid  bool
	Errors   []string
	Warnings []string
	// Data holds the decoded payload, digests stripped, only when valid.
	Data map[string]any
}

func (g *Generator) Verify(raw string) VerifyResult {
	var res VerifyResult

	if len(raw) > MaxPayloadBytes {
		res.Errors = append(res.Errors, "payload exceeds size limit")
		return res
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		res.Errors = append(res.Errors, "payload is not valid JSON")
		return res
	}

	if containsForbiddenKeys(payload) {
		res.Errors = append(res.Errors, "payload contains forbidden keys")
		return res
	}
	if containsScriptMarkers(Canonicalize(payload)) {
		res.Errors = append(res.Errors, "payload contains script injection markers")
		return res
	}

	now := g.clock()

	nonce, _ := payload[fieldNonce].(string)
	if len(nonce) < minNonceLength {
		res.Errors = append(res.Errors, "nonce missing or too short")
	}

	if ts, ok := numberField(payload, fieldTimestamp); !ok {
		res.Errors = append(res.Errors, "timestamp missing")
	} else {
		age := now.Sub(millisToTime(ts))
		switch {
		case age > g.maxTTL:
			res.Errors = append(res.Errors, "payload expired")
		case age < -maxClockSkew:
			res.Errors = append(res.Errors, "timestamp too far in the future")
		}
	}

	if exp, ok := numberField(payload, fieldExpiresAt); ok && now.After(millisToTime(exp)) {
		res.Errors = append(res.Errors, "payload expired")
	}

	if _, ok := payload[fieldVersion].(string); !ok {
		res.Warnings = append(res.Warnings, "version missing")
	}

	if integrity, ok := payload[fieldIntegrity].(string); !ok {
		res.Warnings = append(res.Warnings, "integrity missing")
	} else if !constantTimeEqual(integrity, g.digest(payload, fieldIntegrity, fieldSignature)) {
		res.Errors = append(res.Errors, "integrity check failed")
	}

	if signature, ok := payload[fieldSignature].(string); !ok {
		res.Warnings = append(res.Warnings, "signature missing")
	} else if !constantTimeEqual(signature, g.digest(payload, fieldSignature)) {
		res.Errors = append(res.Errors, "signature check failed")
	}

	if len(res.Errors) > 0 {
		return res
	}

	res.IsValid = true
	res.Data = make(map[string]any, len(payload))
	for k, v := range payload {
		if k == fieldIntegrity || k == fieldSignature {
			continue
		}
		res.Data[k] = v
	}
	return res
}

// digest computes the keyed HMAC-SHA-256 over the canonical form of the
// payload with the given fields excluded.
func (g *Generator) digest(payload map[string]any, exclude ...string) string {
	subset := make(map[string]any, len(payload))
	for k, v := range payload {
		subset[k] = v
	}
	for _, k := range exclude {
		delete(subset, k)
	}

	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(Canonicalize(subset)))
	return hex.EncodeToString(mac.Sum(nil))
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func numberField(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

func newNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
