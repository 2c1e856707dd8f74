package models

import (
	"time"

	"bitbucket.org/mmdatafocus/forms_backend/utils"
	"gorm.io/gorm"
)

// Form is the owning document type for entries. Schema editing is handled by
// the form-builder service; this backend only reads the configuration.
type Form struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Code      string    `gorm:"size:20;not null;unique" json:"code" binding:"required"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Fields    []FormField    `gorm:"foreignKey:FormId" json:"fields"`
	Approvers []FormApprover `gorm:"foreignKey:FormId" json:"approvers"`
}

type FormField struct {
	ID        int       `gorm:"primary_key" json:"id"`
	FormId    int       `gorm:"index;not null" json:"form_id"`
	FieldKey  string    `gorm:"size:100;not null" json:"field_key"`
	Label     string    `gorm:"size:100" json:"label"`
	FieldType FieldType `gorm:"type:enum('T','N','D','C','S');default:'T'" json:"field_type"`
	Required  *bool     `gorm:"not null;default:false" json:"required"`
	// ApplyOnConfirm marks the form so a stock movement fires on the first
	// (non-final) confirmation instead of waiting for the final signature.
	ApplyOnConfirm *bool     `gorm:"not null;default:false" json:"apply_on_confirm"`
	SortOrder      int       `gorm:"default:0" json:"sort_order"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// FormApprover assigns one user an approval duty on every entry of the form.
// At most one row per form may carry IsFinal.
type FormApprover struct {
	ID        int       `gorm:"primary_key" json:"id"`
	FormId    int       `gorm:"not null;index:uniq_form_approver,unique" json:"form_id"`
	UserId    int       `gorm:"not null;index:uniq_form_approver,unique" json:"user_id"`
	IsFinal   *bool     `gorm:"not null;default:false;index:uniq_form_approver,unique" json:"is_final"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ApplyOnAnyConfirm reports whether the field configuration requests ledger
// application on the first confirmation. Pure; evaluated once per signature.
func ApplyOnAnyConfirm(fields []FormField) bool {
	for _, f := range fields {
		if utils.DereferencePtr(f.ApplyOnConfirm) {
			return true
		}
	}
	return false
}

func GetFormFields(tx *gorm.DB, formId int) ([]FormField, error) {
	var fields []FormField
	err := tx.Where("form_id = ?", formId).
		Order("sort_order, id").
		Find(&fields).Error
	if err != nil {
		return nil, err
	}
	return fields, nil
}

func GetFormApprovers(tx *gorm.DB, formId int) ([]FormApprover, error) {
	var approvers []FormApprover
	err := tx.Where("form_id = ?", formId).
		Order("is_final, id").
		Find(&approvers).Error
	if err != nil {
		return nil, err
	}
	return approvers, nil
}
