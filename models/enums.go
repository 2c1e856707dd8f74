package models

// EntryStatus is the per-entry confirmation state.
// Draft -> Confirmed -> FinalConfirmed (terminal).
type EntryStatus string

const (
	EntryStatusDraft          EntryStatus = "Draft"
	EntryStatusConfirmed      EntryStatus = "Confirmed"
	EntryStatusFinalConfirmed EntryStatus = "FinalConfirmed"
)

// LedgerUpdateMode controls how an entry's quantity value hits the item:
// D adds the quantity as a delta, S sets the item quantity to it.
type LedgerUpdateMode string

const (
	LedgerUpdateModeDelta LedgerUpdateMode = "D"
	LedgerUpdateModeSet   LedgerUpdateMode = "S"
)

type FieldType string

const (
	FieldTypeText     FieldType = "T"
	FieldTypeNumber   FieldType = "N"
	FieldTypeDate     FieldType = "D"
	FieldTypeCheckbox FieldType = "C"
	FieldTypeSelect   FieldType = "S"
)

type UserRole string

const (
	UserRoleAdmin UserRole = "A"
	UserRoleStaff UserRole = "S"
)

// Outbox publish statuses for OutboxMessage.PublishStatus.
// Keep these as strings (DB values).
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
