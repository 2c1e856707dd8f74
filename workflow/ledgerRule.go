package workflow

import (
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/forms_backend/models"
	"gorm.io/gorm"
)

// ResolveLedgerRule returns the ledger rule configured for the form, or nil
// when the form has none. No rule means the form never touches stock; callers
// must treat that as a normal outcome.
func ResolveLedgerRule(tx *gorm.DB, formId int) (*models.LedgerRule, error) {
	var rule models.LedgerRule
	err := tx.Where("form_id = ?", formId).First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	// A rule is all-or-nothing: a half-configured row is a setup bug, not a
	// "no rule" case, and must surface loudly.
	if strings.TrimSpace(rule.CodeFieldKey) == "" || strings.TrimSpace(rule.QtyFieldKey) == "" {
		return nil, fmt.Errorf("ledger rule %d for form %d is missing code/qty field keys", rule.ID, formId)
	}

	return &rule, nil
}
