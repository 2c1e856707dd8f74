package models

import (
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/forms_backend/utils"
	"gorm.io/gorm"
)

// Entry is one submitted form instance. The payload is immutable after create;
// only Status and LedgerApplied mutate, and only through the workflow package.
type Entry struct {
	ID            int         `gorm:"primary_key" json:"id"`
	FormId        int         `gorm:"index;not null" json:"form_id"`
	Payload       Payload     `gorm:"type:json" json:"payload"`
	Status        EntryStatus `gorm:"type:enum('Draft','Confirmed','FinalConfirmed');default:'Draft';index" json:"status"`
	LedgerApplied *bool       `gorm:"not null;default:false;index" json:"ledger_applied"`
	CreatedBy     int         `gorm:"index" json:"created_by"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewEntry struct {
	FormId  int     `json:"form_id" binding:"required"`
	Payload Payload `json:"payload" binding:"required"`
}

// Confirmation is a single user's duty to approve one entry.
// SignedAt null = pending. Signed exactly once by its assigned user.
type Confirmation struct {
	ID        int        `gorm:"primary_key" json:"id"`
	EntryId   int        `gorm:"not null;index:uniq_entry_confirmer,unique" json:"entry_id"`
	UserId    int        `gorm:"not null;index:uniq_entry_confirmer,unique;index" json:"user_id"`
	IsFinal   *bool      `gorm:"not null;default:false;index:uniq_entry_confirmer,unique" json:"is_final"`
	SignedAt  *time.Time `gorm:"index" json:"signed_at"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func GetEntry(tx *gorm.DB, entryId int) (*Entry, error) {
	var entry Entry
	if err := tx.Where("id = ?", entryId).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}
