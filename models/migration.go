package models

import (
	"log"

	"github.com/oknaservice/dispatch_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&User{},
		&DeliveryZone{}, &WorkerZone{},
		&DealerName{}, &DealerNameAssignment{},
		&RoundRobinCursor{},
		&Measurement{},
		&Notification{},
		&InviteLink{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
