package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/forms_backend/config"
	"bitbucket.org/mmdatafocus/forms_backend/models"
	"bitbucket.org/mmdatafocus/forms_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	SignStepConfirm = "confirm"
	SignStepFinal   = "final"
)

type SignResult struct {
	Step          string             `json:"step"` // confirm | final
	LedgerApplied bool               `json:"ledger_applied"`
	Apply         *LedgerApplyResult `json:"apply,omitempty"`
}

// SignConfirmation records the calling user's signature on their own pending
// obligation for the entry and, depending on finality and form configuration,
// fires the ledger application in the same transaction.
//
// The conditional "signed_at IS NULL" update is the only idempotency guard
// this operation needs: of two concurrent sign attempts exactly one flips the
// row, the other gets Forbidden.
func SignConfirmation(ctx context.Context, db *gorm.DB, logger *logrus.Logger, entryId int) (*SignResult, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return nil, utils.ErrorUnauthorized
	}

	var result *SignResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := models.GetEntry(tx, entryId); err != nil {
			return err
		}

		var obligation models.Confirmation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("entry_id = ? AND user_id = ? AND signed_at IS NULL", entryId, userId).
			First(&obligation).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// No pending obligation: not an approver, or already signed.
				return utils.ErrorForbidden
			}
			return err
		}

		isFinal := utils.DereferencePtr(obligation.IsFinal)

		if isFinal && config.StrictConfirmationGating() {
			remaining, err := countUnsignedNonFinal(tx, entryId)
			if err != nil {
				return err
			}
			if remaining > 0 {
				return utils.ErrorForbidden
			}
		}

		now := time.Now().UTC()
		signed := tx.Model(&models.Confirmation{}).
			Where("id = ? AND signed_at IS NULL", obligation.ID).
			Update("signed_at", &now)
		if signed.Error != nil {
			return signed.Error
		}
		if signed.RowsAffected == 0 {
			return utils.ErrorForbidden
		}

		if isFinal {
			if err := tx.Model(&models.Entry{}).
				Where("id = ?", entryId).
				Update("status", models.EntryStatusFinalConfirmed).Error; err != nil {
				return err
			}
			// Final confirmation always authorizes the stock movement.
			apply, err := applyEntryLedgerTx(ctx, tx, logger, entryId)
			if err != nil {
				return err
			}
			result = &SignResult{Step: SignStepFinal, LedgerApplied: apply.Applied, Apply: apply}
			return nil
		}

		advance := true
		if config.StrictConfirmationGating() {
			remaining, err := countUnsignedNonFinal(tx, entryId)
			if err != nil {
				return err
			}
			advance = remaining == 0
		}
		if advance {
			if err := tx.Model(&models.Entry{}).
				Where("id = ? AND status = ?", entryId, models.EntryStatusDraft).
				Update("status", models.EntryStatusConfirmed).Error; err != nil {
				return err
			}
		}

		result = &SignResult{Step: SignStepConfirm}

		entry, err := models.GetEntry(tx, entryId)
		if err != nil {
			return err
		}
		fields, err := models.GetFormFields(tx, entry.FormId)
		if err != nil {
			return err
		}
		if models.ApplyOnAnyConfirm(fields) {
			apply, err := applyEntryLedgerTx(ctx, tx, logger, entryId)
			if err != nil {
				return err
			}
			result.LedgerApplied = apply.Applied
			result.Apply = apply
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	// A signature can flip the final obligation to actionable, so every
	// approver's cached summary is stale, not just the signer's. Invalidate
	// only after commit so a concurrent read cannot repopulate the cache from
	// pre-commit state.
	invalidateEntryPendingCaches(db.WithContext(ctx), entryId)
	return result, nil
}

func countUnsignedNonFinal(tx *gorm.DB, entryId int) (int64, error) {
	var count int64
	err := tx.Model(&models.Confirmation{}).
		Where("entry_id = ? AND is_final = 0 AND signed_at IS NULL", entryId).
		Count(&count).Error
	return count, err
}
