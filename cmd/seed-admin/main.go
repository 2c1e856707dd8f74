// seed-admin creates or updates the admin console user and, with --demo,
// a sample form wired for the stock ledger (fields, approvers, rule).
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-admin
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/forms_backend/config"
	"bitbucket.org/mmdatafocus/forms_backend/models"
	"bitbucket.org/mmdatafocus/forms_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	adminUsername = "formsAdmin"
	adminPassword = "F0rm$Admin"
	adminName     = "Forms Admin"
)

func main() {
	demo := flag.Bool("demo", false, "Also create a demo form with approvers and a ledger rule")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	models.MigrateTable()

	hashed, err := utils.HashPassword(adminPassword)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}
	hashedStr := string(hashed)

	var existing models.User
	err = db.WithContext(ctx).Model(&models.User{}).Where("username = ?", adminUsername).First(&existing).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
			os.Exit(1)
		}
		u := models.User{
			Username: adminUsername,
			Name:     adminName,
			Password: hashedStr,
			IsActive: utils.NewTrue(),
			Role:     models.UserRoleAdmin,
		}
		if err := db.WithContext(ctx).Create(&u).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("created admin user %s (id=%d)\n", adminUsername, u.ID)
	} else {
		if err := db.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
			"password":  hashedStr,
			"is_active": true,
			"role":      models.UserRoleAdmin,
		}).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to update admin user: %v\n", err)
			os.Exit(1)
		}
		_ = existing.RemoveInstanceRedis()
		fmt.Printf("updated admin user %s (id=%d)\n", adminUsername, existing.ID)
	}

	if !*demo {
		return
	}

	form := models.Form{
		Name:     "Stock Receipt",
		Code:     "SR",
		IsActive: utils.NewTrue(),
	}
	if err := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&form).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to create demo form: %v\n", err)
		os.Exit(1)
	}
	if form.ID == 0 {
		if err := db.WithContext(ctx).Where("code = ?", "SR").First(&form).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to load demo form: %v\n", err)
			os.Exit(1)
		}
	}

	fields := []models.FormField{
		{FormId: form.ID, FieldKey: "code", Label: "Item Code", FieldType: models.FieldTypeText, Required: utils.NewTrue(), SortOrder: 1},
		{FormId: form.ID, FieldKey: "name", Label: "Item Name", FieldType: models.FieldTypeText, SortOrder: 2},
		{FormId: form.ID, FieldKey: "qty", Label: "Quantity", FieldType: models.FieldTypeNumber, Required: utils.NewTrue(), SortOrder: 3},
	}
	for i := range fields {
		if err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&fields[i]).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create demo field: %v\n", err)
			os.Exit(1)
		}
	}

	var admin models.User
	if err := db.WithContext(ctx).Where("username = ?", adminUsername).First(&admin).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to reload admin user: %v\n", err)
		os.Exit(1)
	}
	approver := models.FormApprover{
		FormId:  form.ID,
		UserId:  admin.ID,
		IsFinal: utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&approver).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to create demo approver: %v\n", err)
		os.Exit(1)
	}

	rule := models.LedgerRule{
		FormId:          form.ID,
		CodeFieldKey:    "code",
		QtyFieldKey:     "qty",
		UpdateMode:      models.LedgerUpdateModeDelta,
		AllowNegative:   utils.NewFalse(),
		CreateIfMissing: utils.NewTrue(),
	}
	nameKey := "name"
	rule.NameFieldKey = &nameKey
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rule).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to create demo ledger rule: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("demo form %q ready (form_id=%d)\n", form.Name, form.ID)
}
