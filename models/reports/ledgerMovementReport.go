package reports

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/forms_backend/config"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

type LedgerMovementRow struct {
	MovementId int             `json:"movement_id"`
	ItemCode   string          `json:"item_code"`
	ItemName   string          `json:"item_name"`
	EntryId    int             `json:"entry_id"`
	FormCode   string          `json:"form_code"`
	UserId     int             `json:"user_id"`
	QtyDelta   decimal.Decimal `json:"qty_delta"`
	PrevQty    decimal.Decimal `json:"prev_qty"`
	NewQty     decimal.Decimal `json:"new_qty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// getLedgerMovementReport returns the full movement history, optionally
// scoped to one item code, oldest first. Ordered by creation, the running
// NewQty column replays the item's quantity exactly.
func getLedgerMovementReport(ctx context.Context, itemCode string) ([]*LedgerMovementRow, error) {
	sql := `
SELECT
	lm.id AS movement_id,
	li.code AS item_code,
	li.name AS item_name,
	lm.entry_id,
	lm.form_code,
	lm.user_id,
	lm.qty_delta,
	lm.prev_qty,
	lm.new_qty,
	lm.created_at
FROM
	ledger_movements lm
	JOIN ledger_items li ON li.id = lm.item_id
WHERE
	(? = '' OR li.code = ?)
ORDER BY
	lm.item_id, lm.id;
`

	var records []*LedgerMovementRow
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, itemCode, itemCode).Scan(&records).Error; err != nil {
		return nil, err
	}

	return records, nil
}

// ExportLedgerMovementExcel builds an xlsx workbook of the movement audit log.
func ExportLedgerMovementExcel(ctx context.Context, itemCode string) (*excelize.File, error) {
	data, err := getLedgerMovementReport(ctx, itemCode)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	sheet := "Sheet1"
	if _, err := f.NewSheet(sheet); err != nil {
		return nil, err
	}

	headers := []string{"MovementId", "ItemCode", "ItemName", "EntryId", "FormCode", "UserId", "QtyDelta", "PrevQty", "NewQty", "CreatedAt"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	for i, d := range data {
		row := i + 2
		f.SetCellValue(sheet, "A"+fmt.Sprint(row), d.MovementId)
		f.SetCellValue(sheet, "B"+fmt.Sprint(row), d.ItemCode)
		f.SetCellValue(sheet, "C"+fmt.Sprint(row), d.ItemName)
		f.SetCellValue(sheet, "D"+fmt.Sprint(row), d.EntryId)
		f.SetCellValue(sheet, "E"+fmt.Sprint(row), d.FormCode)
		f.SetCellValue(sheet, "F"+fmt.Sprint(row), d.UserId)
		f.SetCellValue(sheet, "G"+fmt.Sprint(row), d.QtyDelta.String())
		f.SetCellValue(sheet, "H"+fmt.Sprint(row), d.PrevQty.String())
		f.SetCellValue(sheet, "I"+fmt.Sprint(row), d.NewQty.String())
		f.SetCellValue(sheet, "J"+fmt.Sprint(row), d.CreatedAt.Format(time.RFC3339))
	}

	return f, nil
}
