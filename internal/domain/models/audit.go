package models

import (
	"time"

	"github.com/google/uuid"
)

// KeyEventType names a key lifecycle event.
type KeyEventType string

const (
	KeyEventGenerated      KeyEventType = "KEY_GENERATED"
	KeyEventHSMAssociated  KeyEventType = "HSM_ASSOCIATED"
	KeyEventWrappingKeyNew KeyEventType = "WRAPPING_KEY_CREATED"
)

// KeyEvent is a key lifecycle audit record published to the event bus.
type KeyEvent struct {
	EventID        string       `json:"event_id"`
	Type           KeyEventType `json:"type"`
	TenantID       string       `json:"tenant_id"`
	KeyID          string       `json:"key_id,omitempty"`
	FullKeyID      string       `json:"full_key_id,omitempty"`
	Category       string       `json:"category,omitempty"`
	Alias          string       `json:"alias,omitempty"`
	SchemeCodeName string       `json:"scheme_code_name,omitempty"`
	HSMID          string       `json:"hsm_id,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// NewKeyEvent creates a new event entry.
func NewKeyEvent(eventType KeyEventType, tenantID string) *KeyEvent {
	return &KeyEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
	}
}

// KeyEventRecord is a key event kept in the cluster audit table. Payload is the JSON
// encoding of the KeyEvent and Signature its HMAC when a secret is configured.
type KeyEventRecord struct {
	EventID   string    `gorm:"primaryKey;size:36"`
	Type      string    `gorm:"size:32;not null;index"`
	TenantID  string    `gorm:"size:64;not null;index:idx_key_events_tenant_time,priority:1"`
	KeyID     string    `gorm:"size:12;index"`
	Timestamp time.Time `gorm:"not null;index:idx_key_events_tenant_time,priority:2"`
	Payload   []byte    `gorm:"not null"`
	Signature string    `gorm:"size:64"`
}

// TableName overrides the gorm table name.
func (KeyEventRecord) TableName() string {
	return "key_events"
}
