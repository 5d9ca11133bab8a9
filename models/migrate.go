package models

import "gorm.io/gorm"

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&AnonymousUser{},
		&OtpCode{},
		&Chat{},
		&ChatMessage{},
		&ProductOffer{},
		&PushSubscription{},
		&Cart{},
		&CartItem{},
		&Favorite{},
	)
}
