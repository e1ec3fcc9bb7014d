package qrcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"log/slog"

	"golang.org/x/crypto/pbkdf2"
)

// Version tags encrypted payloads so older plaintext codes can be told apart.
const Version = "2.0"

const (
	kdfIterations = 100_000
	keyBytes      = 32
	ivBytes       = 12

	// Placeholder substitutes sensitive fields when decryption fails and the
	// caller asked for display-safe output.
	Placeholder = "[Encrypted]"

	// PreviewPlaceholder replaces the ciphertext blob in public previews.
	PreviewPlaceholder = "ENCRYPTED"
)

// kdfSalt is fixed so every process derives the same key from the shared
// secret. Rotating it invalidates all encrypted payloads in circulation.
var kdfSalt = []byte("loyalty-qr-field-encryption-v1")

// Routing fields stay plaintext so scanners can dispatch without the key.
var routingFields = []string{"type", "customerId", "cardNumber", "cardType", "timestamp"}

// Sensitive fields are sealed and must never appear in serialized form.
var sensitiveFields = []string{"name", "email", "phone", "address"}

const (
	fieldEncryptedData = "encrypted_data"
	fieldEncryptedFlag = "_encrypted"
	fieldVersion       = "_version"
)

type SecurityError struct {
	Op  string
	Err error
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("qr crypto %s: %v", e.Op, e.Err)
}

func (e *SecurityError) Unwrap() error { return e.Err }

type Service struct {
	aead   cipher.AEAD
	logger *slog.Logger
}

// NewService derives the AES-256-GCM key from the configured secret. An empty
// secret is a configuration error; there is no default key.
func NewService(secret string, logger *slog.Logger) (*Service, error) {
	if secret == "" {
		return nil, fmt.Errorf("qr encryption key not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	key := pbkdf2.Key([]byte(secret), kdfSalt, kdfIterations, keyBytes, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Service{aead: aead, logger: logger}, nil
}

// Encrypt seals the sensitive fields of a payload. Routing fields pass
// through in cleartext; everything sensitive is JSON-encoded and sealed under
// a fresh IV, emitted as base64(iv || ciphertext).
func (s *Service) Encrypt(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return nil, &SecurityError{Op: "encrypt", Err: fmt.Errorf("nil payload")}
	}

	sensitive := map[string]any{}
	for _, f := range sensitiveFields {
		if v, ok := payload[f]; ok {
			sensitive[f] = v
		}
	}

	plaintext, err := json.Marshal(sensitive)
	if err != nil {
		return nil, &SecurityError{Op: "encrypt", Err: err}
	}

	iv := make([]byte, ivBytes)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, &SecurityError{Op: "encrypt", Err: err}
	}
	sealed := s.aead.Seal(nil, iv, plaintext, nil)

	out := s.routingCopy(payload)
	out[fieldEncryptedData] = base64.StdEncoding.EncodeToString(append(iv, sealed...))
	out[fieldEncryptedFlag] = true
	out[fieldVersion] = Version
	return out, nil
}

// Decrypt reverses Encrypt. Payloads without the encrypted flag pass through
// unchanged (legacy plaintext codes). Failures return a SecurityError; use
// DecryptForDisplay where a hard failure would break a scan UI.
func (s *Service) Decrypt(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return nil, &SecurityError{Op: "decrypt", Err: fmt.Errorf("nil payload")}
	}
	if encrypted, _ := payload[fieldEncryptedFlag].(bool); !encrypted {
		return payload, nil
	}

	blob, _ := payload[fieldEncryptedData].(string)
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, &SecurityError{Op: "decrypt", Err: fmt.Errorf("decode ciphertext: %w", err)}
	}
	if len(raw) <= ivBytes {
		return nil, &SecurityError{Op: "decrypt", Err: fmt.Errorf("ciphertext too short")}
	}

	plaintext, err := s.aead.Open(nil, raw[:ivBytes], raw[ivBytes:], nil)
	if err != nil {
		return nil, &SecurityError{Op: "decrypt", Err: fmt.Errorf("authentication failed")}
	}

	var sensitive map[string]any
	if err := json.Unmarshal(plaintext, &sensitive); err != nil {
		return nil, &SecurityError{Op: "decrypt", Err: fmt.Errorf("decode plaintext: %w", err)}
	}

	out := s.routingCopy(payload)
	for k, v := range sensitive {
		out[k] = v
	}
	return out, nil
}

// DecryptForDisplay never fails: on any decryption error it returns the
// routing fields with sensitive fields replaced by the placeholder, so a key
// rotation mishap degrades a scan screen instead of crashing it. The error
// is logged server-side.
func (s *Service) DecryptForDisplay(payload map[string]any) map[string]any {
	out, err := s.Decrypt(payload)
	if err == nil {
		return out
	}

	s.logger.Error("qr decrypt failed, serving redacted payload", "error", err)
	out = s.routingCopy(payload)
	for _, f := range sensitiveFields {
		out[f] = Placeholder
	}
	return out
}

// PublicPreview returns the payload with the ciphertext blob replaced by a
// fixed placeholder, demonstrating that third-party scanners see no
// sensitive plaintext.
func PublicPreview(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	if _, ok := out[fieldEncryptedData]; ok {
		out[fieldEncryptedData] = PreviewPlaceholder
	}
	return out
}

func (s *Service) routingCopy(payload map[string]any) map[string]any {
	out := map[string]any{}
	for _, f := range routingFields {
		if v, ok := payload[f]; ok {
			out[f] = v
		}
	}
	return out
}
