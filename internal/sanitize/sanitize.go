package sanitize

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

var (
	phonePattern   = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
	phoneStripping = regexp.MustCompile(`[\s\-().]`)
)

// CleanString trims whitespace and drops control characters. It does not
// HTML-escape; payloads are data, not markup.
func CleanString(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func NormalizeEmail(s string) (string, error) {
	s = strings.ToLower(CleanString(s))
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", fmt.Errorf("invalid email address")
	}
	return s, nil
}

func NormalizePhone(s string) (string, error) {
	s = phoneStripping.ReplaceAllString(CleanString(s), "")
	if !phonePattern.MatchString(s) {
		return "", fmt.Errorf("invalid phone number")
	}
	return s, nil
}

// ValidateGenerateRequest checks the caller-supplied fields of a QR
// generation request and reports every problem at once.
func ValidateGenerateRequest(kind, businessID string, data map[string]any) ValidationErrors {
	var errs ValidationErrors

	if CleanString(kind) == "" {
		errs = append(errs, FieldError{Field: "type", Message: "type is required"})
	}
	if CleanString(businessID) == "" {
		errs = append(errs, FieldError{Field: "business_id", Message: "business_id is required"})
	}

	if email, ok := data["email"].(string); ok && email != "" {
		if _, err := NormalizeEmail(email); err != nil {
			errs = append(errs, FieldError{Field: "email", Message: err.Error()})
		}
	}
	if phone, ok := data["phone"].(string); ok && phone != "" {
		if _, err := NormalizePhone(phone); err != nil {
			errs = append(errs, FieldError{Field: "phone", Message: err.Error()})
		}
	}
	return errs
}
