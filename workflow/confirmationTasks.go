package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/forms_backend/config"
	"bitbucket.org/mmdatafocus/forms_backend/models"
	"bitbucket.org/mmdatafocus/forms_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateEntry persists a new submission and fans out its confirmation duties
// in one transaction. The payload is frozen from here on.
func CreateEntry(ctx context.Context, db *gorm.DB, logger *logrus.Logger, input *models.NewEntry) (*models.Entry, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return nil, utils.ErrorUnauthorized
	}

	var form models.Form
	err := db.WithContext(ctx).Where("id = ?", input.FormId).First(&form).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if !utils.DereferencePtr(form.IsActive, true) {
		return nil, fmt.Errorf("form %s is disabled", form.Code)
	}

	entry := models.Entry{
		FormId:        input.FormId,
		Payload:       input.Payload,
		Status:        models.EntryStatusDraft,
		LedgerApplied: utils.NewFalse(),
		CreatedBy:     userId,
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		return GenerateConfirmations(tx, entry.ID)
	})
	if err != nil {
		config.LogError(logger, "workflow", "CreateEntry", "create entry", input, err)
		return nil, err
	}

	invalidateEntryPendingCaches(db.WithContext(ctx), entry.ID)
	return &entry, nil
}

// GenerateConfirmations expands the form's approver list into one pending
// obligation per approver, plus the final one if configured. Re-running for
// the same entry is a no-op thanks to the (entry, user, is_final) unique key.
//
// Runs inside the caller's transaction; the caller invalidates the approvers'
// pending caches after commit.
func GenerateConfirmations(tx *gorm.DB, entryId int) error {
	entry, err := models.GetEntry(tx, entryId)
	if err != nil {
		return err
	}

	approvers, err := models.GetFormApprovers(tx, entry.FormId)
	if err != nil {
		return err
	}
	if len(approvers) == 0 {
		return nil
	}

	confirmations := make([]models.Confirmation, 0, len(approvers))
	for _, a := range approvers {
		isFinal := utils.DereferencePtr(a.IsFinal)
		confirmations = append(confirmations, models.Confirmation{
			EntryId: entry.ID,
			UserId:  a.UserId,
			IsFinal: &isFinal,
		})
	}

	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&confirmations).Error
}

func invalidatePendingCache(userId int) {
	_ = config.RemoveRedisKey(fmt.Sprintf("PendingSummary:%d", userId))
}

// invalidateEntryPendingCaches drops every approver's cached summary for the
// entry. Must run AFTER the mutating transaction commits; invalidating inside
// it lets a concurrent read repopulate the cache from pre-commit state.
func invalidateEntryPendingCaches(db *gorm.DB, entryId int) {
	var userIds []int
	if err := db.Model(&models.Confirmation{}).
		Where("entry_id = ?", entryId).
		Pluck("user_id", &userIds).Error; err != nil {
		return
	}
	for _, id := range utils.UniqueSlice(userIds) {
		invalidatePendingCache(id)
	}
}
