package models

import (
	"log"

	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) {
	err := db.AutoMigrate(
		&Organization{}, &User{},
		&Job{}, &Customer{}, &Equipment{},
		&InventoryItem{}, &WarehouseStock{}, &MaterialLog{},
		&RetryQueueEntry{}, &AppliedWrite{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
