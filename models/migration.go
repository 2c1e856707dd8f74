package models

import (
	"log"

	"bitbucket.org/mmdatafocus/forms_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&User{},
		&Form{}, &FormField{}, &FormApprover{},
		&Entry{}, &Confirmation{},
		&LedgerRule{}, &LedgerItem{}, &LedgerMovement{},
		&OutboxMessage{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
