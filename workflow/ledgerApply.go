package workflow

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/forms_backend/config"
	"bitbucket.org/mmdatafocus/forms_backend/models"
	"bitbucket.org/mmdatafocus/forms_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Skip reasons: success-shaped no-ops, never errors.
const (
	SkipAlreadyApplied = "already_applied"
	SkipNoRule         = "no_rule"
)

type LedgerApplyResult struct {
	Applied  bool            `json:"applied"`
	Skipped  string          `json:"skipped,omitempty"`
	ItemCode string          `json:"item_code,omitempty"`
	PrevQty  decimal.Decimal `json:"prev_qty"`
	NewQty   decimal.Decimal `json:"new_qty"`
	Delta    decimal.Decimal `json:"delta"`
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// ApplyEntryLedger runs the ledger application for one entry in its own
// transaction. Safe to retry: a second call skips on the ledger_applied flag,
// and a concurrent duplicate dies on the movement's unique (item, entry) key.
func ApplyEntryLedger(ctx context.Context, db *gorm.DB, logger *logrus.Logger, entryId int) (*LedgerApplyResult, error) {
	var result *LedgerApplyResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		result, txErr = applyEntryLedgerTx(ctx, tx, logger, entryId)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyEntryLedgerTx is the engine body. It must run inside a transaction;
// any returned error rolls the whole transaction back, so a failed application
// never leaves the item, movement log, or entry flag half-written.
func applyEntryLedgerTx(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, entryId int) (*LedgerApplyResult, error) {
	userId, _ := utils.GetUserIdFromContext(ctx)

	// The advisory lock only serializes appliers up to the point the entry row
	// lock below is taken; it is released before the transaction commits. The
	// commit-window guards are the entry/item FOR UPDATE row locks, which hold
	// to commit, and the movement (item, entry) unique key behind them.
	if err := AcquireEntryPostingLock(tx, entryId); err != nil {
		return nil, err
	}
	defer ReleaseEntryPostingLock(tx, entryId)

	var entry models.Entry
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", entryId).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorEntryNotFound
		}
		return nil, err
	}

	if utils.DereferencePtr(entry.LedgerApplied) {
		return &LedgerApplyResult{Skipped: SkipAlreadyApplied}, nil
	}

	rule, err := ResolveLedgerRule(tx, entry.FormId)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return &LedgerApplyResult{Skipped: SkipNoRule}, nil
	}

	code, err := entry.Payload.StringField(rule.CodeFieldKey)
	if err != nil || code == "" {
		return nil, utils.ErrorCodeMissing
	}
	qty, err := entry.Payload.DecimalField(rule.QtyFieldKey)
	if err != nil {
		return nil, utils.ErrorQuantityInvalid
	}

	var item models.LedgerItem
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("code = ?", code).First(&item).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		if !utils.DereferencePtr(rule.CreateIfMissing) {
			return nil, utils.ErrorItemNotFound
		}
		item = models.LedgerItem{
			Code:       code,
			Name:       autoCreateName(entry.Payload, rule, code),
			CurrentQty: decimal.Zero,
		}
		if err := tx.Create(&item).Error; err != nil {
			if !isDuplicateKeyErr(err) {
				return nil, err
			}
			// Lost the create race; reload the winner's row under lock.
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("code = ?", code).First(&item).Error; err != nil {
				return nil, err
			}
		}
	}

	prev := item.CurrentQty
	next, delta := ComputeNextQty(rule.UpdateMode, prev, qty)

	if next.IsNegative() && !utils.DereferencePtr(rule.AllowNegative) {
		return nil, utils.ErrorNegativeNotAllowed
	}

	var form models.Form
	if err := tx.Select("code").Where("id = ?", entry.FormId).First(&form).Error; err != nil {
		return nil, err
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	movement := models.LedgerMovement{
		ItemId:        item.ID,
		EntryId:       entry.ID,
		FormId:        entry.FormId,
		FormCode:      form.Code,
		UserId:        userId,
		QtyDelta:      delta,
		PrevQty:       prev,
		NewQty:        next,
		CorrelationId: correlationId,
	}
	if err := tx.Create(&movement).Error; err != nil {
		if isDuplicateKeyErr(err) {
			// Another invocation won the (item, entry) unique key. The winner
			// already moved stock and flagged the entry; this call is a no-op.
			config.LogError(logger, "workflow", "applyEntryLedgerTx", "duplicate movement", entryId, err)
			return &LedgerApplyResult{Skipped: SkipAlreadyApplied}, nil
		}
		return nil, err
	}

	if err := tx.Model(&models.LedgerItem{}).
		Where("id = ?", item.ID).
		Update("current_qty", next).Error; err != nil {
		return nil, err
	}

	if err := tx.Model(&models.Entry{}).
		Where("id = ?", entry.ID).
		Update("ledger_applied", true).Error; err != nil {
		return nil, err
	}

	if err := models.EnqueueMovementEvent(ctx, tx, &movement); err != nil {
		return nil, err
	}

	return &LedgerApplyResult{
		Applied:  true,
		ItemCode: item.Code,
		PrevQty:  prev,
		NewQty:   next,
		Delta:    delta,
	}, nil
}

func autoCreateName(payload models.Payload, rule *models.LedgerRule, code string) string {
	if rule.NameFieldKey != nil && *rule.NameFieldKey != "" {
		if name, err := payload.StringField(*rule.NameFieldKey); err == nil && name != "" {
			return name
		}
	}
	return code
}

// ComputeNextQty is the pure quantity math of the engine, split out so mode
// semantics are testable without a database.
func ComputeNextQty(mode models.LedgerUpdateMode, prev, qty decimal.Decimal) (next, delta decimal.Decimal) {
	if mode == models.LedgerUpdateModeSet {
		return qty, qty.Sub(prev)
	}
	return prev.Add(qty), qty
}
