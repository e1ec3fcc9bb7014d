package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QRCode is one issued code. Code holds the serialized signed payload;
// status moves from active to exhausted (usage cap) or revoked.
type QRCode struct {
	ID          uuid.UUID
	Code        string
	Kind        string
	BusinessID  string
	CustomerID  string
	Status      string
	UsageCount  int
	MaxUses     int
	PointsValue decimal.NullDecimal
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	StatusActive    = "active"
	StatusExhausted = "exhausted"
	StatusRevoked   = "revoked"
)

type AuditEntry struct {
	ID        uuid.UUID
	Actor     string
	Action    string
	Entity    string
	EntityID  string
	Details   []byte
	CreatedAt time.Time
}
