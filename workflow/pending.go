package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/forms_backend/config"
	"bitbucket.org/mmdatafocus/forms_backend/models"
	"bitbucket.org/mmdatafocus/forms_backend/utils"
	"gorm.io/gorm"
)

type PendingSummary struct {
	UserId          int   `json:"user_id"`
	PendingCount    int64 `json:"pending_count"`
	FinalCount      int64 `json:"final_count"`
	ActionableFinal int64 `json:"actionable_final"`
}

type PendingObligation struct {
	ConfirmationId int                `json:"confirmation_id"`
	EntryId        int                `json:"entry_id"`
	FormId         int                `json:"form_id"`
	FormName       string             `json:"form_name"`
	IsFinal        bool               `json:"is_final"`
	Actionable     bool               `json:"actionable"`
	EntryStatus    models.EntryStatus `json:"entry_status"`
	CreatedAt      time.Time          `json:"created_at"`
}

/*
caches:
	PendingSummary:$userId (invalidated on generate/sign)
*/

// PendingCounts reports the caller's outstanding obligations. "Actionable"
// finals are a readiness signal for the UI, not an enforcement gate: by
// default a final is actionable once any non-final signature exists on the
// entry; under strict gating, only when all of them do.
func PendingCounts(ctx context.Context, db *gorm.DB) (*PendingSummary, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return nil, utils.ErrorUnauthorized
	}

	cacheKey := fmt.Sprintf("PendingSummary:%d", userId)
	var cached PendingSummary
	if exists, err := config.GetRedisObject(cacheKey, &cached); err == nil && exists {
		return &cached, nil
	}

	summary := PendingSummary{UserId: userId}

	err := db.WithContext(ctx).Model(&models.Confirmation{}).
		Where("user_id = ? AND is_final = 0 AND signed_at IS NULL", userId).
		Count(&summary.PendingCount).Error
	if err != nil {
		return nil, err
	}

	err = db.WithContext(ctx).Model(&models.Confirmation{}).
		Where("user_id = ? AND is_final = 1 AND signed_at IS NULL", userId).
		Count(&summary.FinalCount).Error
	if err != nil {
		return nil, err
	}

	err = db.WithContext(ctx).Model(&models.Confirmation{}).
		Where("user_id = ? AND is_final = 1 AND signed_at IS NULL", userId).
		Where(finalActionableCond()).
		Count(&summary.ActionableFinal).Error
	if err != nil {
		return nil, err
	}

	_ = config.SetRedisObject(cacheKey, summary, 5*time.Minute)
	return &summary, nil
}

// PendingList returns the caller's open obligations, oldest first.
func PendingList(ctx context.Context, db *gorm.DB) ([]PendingObligation, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return nil, utils.ErrorUnauthorized
	}

	type row struct {
		ConfirmationId int
		EntryId        int
		FormId         int
		FormName       string
		IsFinal        bool
		Actionable     bool
		EntryStatus    models.EntryStatus
		CreatedAt      time.Time
	}

	var rows []row
	err := db.WithContext(ctx).Model(&models.Confirmation{}).
		Select(`confirmations.id AS confirmation_id,
			confirmations.entry_id,
			entries.form_id,
			forms.name AS form_name,
			confirmations.is_final,
			(confirmations.is_final = 0 OR `+finalActionableCond()+`) AS actionable,
			entries.status AS entry_status,
			confirmations.created_at`).
		Joins("JOIN entries ON entries.id = confirmations.entry_id").
		Joins("JOIN forms ON forms.id = entries.form_id").
		Where("confirmations.user_id = ? AND confirmations.signed_at IS NULL", userId).
		Order("confirmations.created_at, confirmations.id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	list := make([]PendingObligation, 0, len(rows))
	for _, r := range rows {
		list = append(list, PendingObligation{
			ConfirmationId: r.ConfirmationId,
			EntryId:        r.EntryId,
			FormId:         r.FormId,
			FormName:       r.FormName,
			IsFinal:        r.IsFinal,
			Actionable:     r.Actionable,
			EntryStatus:    r.EntryStatus,
			CreatedAt:      r.CreatedAt,
		})
	}
	return list, nil
}

// finalActionableCond is the SQL readiness condition for a final obligation,
// correlated on confirmations.entry_id.
func finalActionableCond() string {
	if config.StrictConfirmationGating() {
		return `NOT EXISTS (
			SELECT 1 FROM confirmations c2
			WHERE c2.entry_id = confirmations.entry_id
			  AND c2.is_final = 0 AND c2.signed_at IS NULL
		)`
	}
	// A final with no co-approvers at all is immediately actionable.
	return `(EXISTS (
		SELECT 1 FROM confirmations c2
		WHERE c2.entry_id = confirmations.entry_id
		  AND c2.is_final = 0 AND c2.signed_at IS NOT NULL
	) OR NOT EXISTS (
		SELECT 1 FROM confirmations c3
		WHERE c3.entry_id = confirmations.entry_id
		  AND c3.is_final = 0
	))`
}
