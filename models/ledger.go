package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerRule maps a form's payload fields to a ledger effect. One per form;
// forms without a rule never touch the ledger. A rule is all-or-nothing:
// CodeFieldKey and QtyFieldKey must both be set.
type LedgerRule struct {
	ID           int              `gorm:"primary_key" json:"id"`
	FormId       int              `gorm:"not null;unique" json:"form_id"`
	CodeFieldKey string           `gorm:"size:100;not null" json:"code_field_key"`
	QtyFieldKey  string           `gorm:"size:100;not null" json:"qty_field_key"`
	NameFieldKey *string          `gorm:"size:100" json:"name_field_key"`
	UpdateMode   LedgerUpdateMode `gorm:"type:enum('D','S');default:'D'" json:"update_mode"`
	// AllowNegative permits stock to go below zero.
	AllowNegative *bool `gorm:"not null;default:false" json:"allow_negative"`
	// CreateIfMissing lazily creates unknown items at quantity zero.
	CreateIfMissing *bool     `gorm:"not null;default:false" json:"create_if_missing"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// LedgerItem is a stock-keeping unit. CurrentQty is a materialized fold over
// the item's movements; nothing outside the apply workflow writes it.
// cmd/ledger-rebuild recomputes it from movements when they ever disagree.
type LedgerItem struct {
	ID         int             `gorm:"primary_key" json:"id"`
	Code       string          `gorm:"size:100;not null;unique" json:"code"`
	Name       string          `gorm:"size:100;not null" json:"name"`
	Unit       string          `gorm:"size:20" json:"unit"`
	Category   string          `gorm:"size:100;index" json:"category"`
	CurrentQty decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"current_qty"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// LedgerMovement is one immutable, audited quantity change. The unique
// (item_id, entry_id) pair is the at-most-once guard for ledger application:
// a duplicate apply hits the constraint, not a lost update.
type LedgerMovement struct {
	ID            int             `gorm:"primary_key" json:"id"`
	ItemId        int             `gorm:"not null;index:uniq_item_entry,unique" json:"item_id"`
	EntryId       int             `gorm:"not null;index:uniq_item_entry,unique;index" json:"entry_id"`
	FormId        int             `gorm:"index;not null" json:"form_id"`
	FormCode      string          `gorm:"size:20" json:"form_code"`
	UserId        int             `gorm:"index" json:"user_id"`
	QtyDelta      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_delta"`
	PrevQty       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"prev_qty"`
	NewQty        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"new_qty"`
	CorrelationId string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
