package models

import (
	"context"
	"time"

	"github.com/oknaservice/dispatch_backend/config"
)

// Notification is the audit trail of outbound messages. Delivery itself is
// fire-and-forget; a failed send is recorded with the error text but never
// blocks a state transition.
type Notification struct {
	ID            int              `gorm:"primary_key" json:"id"`
	MeasurementId int              `gorm:"index" json:"measurement_id"`
	RecipientId   int              `gorm:"not null;index" json:"recipient_id"`
	Kind          NotificationKind `gorm:"size:30;not null" json:"kind"`
	Text          string           `gorm:"size:2000" json:"text"`
	IsDelivered   bool             `gorm:"not null;default:false" json:"is_delivered"`
	DeliveryError string           `gorm:"size:500" json:"delivery_error"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

func RecordNotification(ctx context.Context, n *Notification) error {
	db := config.GetDB()
	return db.WithContext(ctx).Create(n).Error
}

func GetNotifications(ctx context.Context, measurementId int) ([]*Notification, error) {
	db := config.GetDB()
	var results []*Notification
	err := db.WithContext(ctx).
		Where("measurement_id = ?", measurementId).
		Order("created_at").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
