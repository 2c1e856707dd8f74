package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/forms_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ItemDrift reports a disagreement between an item's materialized quantity
// and the fold over its movement log.
type ItemDrift struct {
	ItemId     int             `json:"item_id"`
	Code       string          `json:"code"`
	CurrentQty decimal.Decimal `json:"current_qty"`
	LedgerQty  decimal.Decimal `json:"ledger_qty"`
}

// RebuildItemQuantities recomputes every item's current_qty as the sum of its
// movement deltas. current_qty is only a cache of that fold; this is the
// recovery path when they ever disagree. With dryRun the drift is reported
// but nothing is written.
func RebuildItemQuantities(ctx context.Context, db *gorm.DB, logger *logrus.Logger, dryRun bool) ([]ItemDrift, error) {
	var drifts []ItemDrift

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var items []models.LedgerItem
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Order("id").Find(&items).Error; err != nil {
			return err
		}

		for _, item := range items {
			var ledgerQty decimal.NullDecimal
			err := tx.Model(&models.LedgerMovement{}).
				Select("SUM(qty_delta)").
				Where("item_id = ?", item.ID).
				Scan(&ledgerQty).Error
			if err != nil {
				return err
			}

			folded := decimal.Zero
			if ledgerQty.Valid {
				folded = ledgerQty.Decimal
			}

			if folded.Equal(item.CurrentQty) {
				continue
			}

			drifts = append(drifts, ItemDrift{
				ItemId:     item.ID,
				Code:       item.Code,
				CurrentQty: item.CurrentQty,
				LedgerQty:  folded,
			})

			if dryRun {
				continue
			}

			if err := tx.Model(&models.LedgerItem{}).
				Where("id = ?", item.ID).
				Update("current_qty", folded).Error; err != nil {
				return err
			}

			logger.WithFields(logrus.Fields{
				"field":    "RebuildItemQuantities",
				"item_id":  item.ID,
				"code":     item.Code,
				"from_qty": item.CurrentQty,
				"to_qty":   folded,
			}).Warn("item quantity drifted from movement ledger; rebuilt")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return drifts, nil
}
