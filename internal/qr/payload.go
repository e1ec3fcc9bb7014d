package qr

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Payload kinds carried in the "type" field.
const (
	KindCustomer    = "customer"
	KindLoyaltyCard = "loyalty_card"
	KindPromo       = "promo"
)

// Wire field names shared by all payload kinds.
const (
	fieldType      = "type"
	fieldNonce     = "nonce"
	fieldTimestamp = "timestamp"
	fieldVersion   = "version"
	fieldExpiresAt = "expiresAt"
	fieldIntegrity = "integrity"
	fieldSignature = "signature"
)

type GenerationError struct {
	Reason string
}

func (e *GenerationError) Error() string {
	return "qr generation: " + e.Reason
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("qr payload: %s %s", e.Field, e.Reason)
}

// CustomerQR identifies a customer for enrollment and scanning flows. The
// personal fields are the ones the encryption service seals.
type CustomerQR struct {
	CustomerID string
	BusinessID string
	Name       string
	Email      string
	Phone      string
}

type LoyaltyCardQR struct {
	CardID     string
	CardNumber string
	CardType   string
	CustomerID string
	ProgramID  string
	BusinessID string
}

type PromoQR struct {
	PromoID    string
	BusinessID string
	Points     decimal.Decimal
}

// Typed is implemented by the three payload variants.
type Typed interface {
	Kind() string
	Fields() map[string]any
}

func (c CustomerQR) Kind() string    { return KindCustomer }
func (c LoyaltyCardQR) Kind() string { return KindLoyaltyCard }
func (c PromoQR) Kind() string       { return KindPromo }

func (c CustomerQR) Fields() map[string]any {
	m := map[string]any{
		fieldType:    KindCustomer,
		"customerId": c.CustomerID,
		"businessId": c.BusinessID,
	}
	if c.Name != "" {
		m["name"] = c.Name
	}
	if c.Email != "" {
		m["email"] = c.Email
	}
	if c.Phone != "" {
		m["phone"] = c.Phone
	}
	return m
}

func (c LoyaltyCardQR) Fields() map[string]any {
	return map[string]any{
		fieldType:    KindLoyaltyCard,
		"cardId":     c.CardID,
		"cardNumber": c.CardNumber,
		"cardType":   c.CardType,
		"customerId": c.CustomerID,
		"programId":  c.ProgramID,
		"businessId": c.BusinessID,
	}
}

func (c PromoQR) Fields() map[string]any {
	return map[string]any{
		fieldType:    KindPromo,
		"promoId":    c.PromoID,
		"businessId": c.BusinessID,
		"points":     c.Points.String(),
	}
}

// ParseTyped maps a verified payload onto its typed variant. Unknown or
// missing type tags are validation errors, never a fallthrough.
func ParseTyped(data map[string]any) (Typed, error) {
	kind, _ := data[fieldType].(string)
	switch kind {
	case KindCustomer:
		return CustomerQR{
			CustomerID: stringField(data, "customerId"),
			BusinessID: stringField(data, "businessId"),
			Name:       stringField(data, "name"),
			Email:      stringField(data, "email"),
			Phone:      stringField(data, "phone"),
		}, nil
	case KindLoyaltyCard:
		return LoyaltyCardQR{
			CardID:     stringField(data, "cardId"),
			CardNumber: stringField(data, "cardNumber"),
			CardType:   stringField(data, "cardType"),
			CustomerID: stringField(data, "customerId"),
			ProgramID:  stringField(data, "programId"),
			BusinessID: stringField(data, "businessId"),
		}, nil
	case KindPromo:
		points, err := decimal.NewFromString(stringField(data, "points"))
		if err != nil {
			return nil, &ValidationError{Field: "points", Reason: "must be a decimal"}
		}
		return PromoQR{
			PromoID:    stringField(data, "promoId"),
			BusinessID: stringField(data, "businessId"),
			Points:     points,
		}, nil
	case "":
		return nil, &ValidationError{Field: fieldType, Reason: "is required"}
	default:
		return nil, &ValidationError{Field: fieldType, Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func timestampMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
