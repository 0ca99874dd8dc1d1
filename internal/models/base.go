package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base carries the generated primary key shared by ledger records
type Base struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
}

// BeforeCreate assigns a UUID when the caller has not set one
func (base *Base) BeforeCreate(tx *gorm.DB) error {
	base.EnsureID()
	return nil
}

// EnsureID assigns a UUID when the record has none yet
func (base *Base) EnsureID() {
	if base.ID == uuid.Nil {
		base.ID = uuid.New()
	}
}
