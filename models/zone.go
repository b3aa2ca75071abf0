package models

import (
	"context"
	"errors"
	"time"

	"github.com/oknaservice/dispatch_backend/config"
	"github.com/oknaservice/dispatch_backend/utils"
)

type DeliveryZone struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null;uniqueIndex" json:"name" binding:"required"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// WorkerZone links a measurer to a delivery zone. A worker may cover many
// zones and a zone may be covered by many workers.
type WorkerZone struct {
	ID        int       `gorm:"primary_key" json:"id"`
	UserId    int       `gorm:"not null;uniqueIndex:idx_worker_zone" json:"user_id"`
	ZoneId    int       `gorm:"not null;uniqueIndex:idx_worker_zone" json:"zone_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewDeliveryZone struct {
	Name string `json:"name" binding:"required"`
}

func (input *NewDeliveryZone) validate(ctx context.Context, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[DeliveryZone](ctx, id); err != nil {
			return err
		}
	}
	if err := utils.ValidateUnique[DeliveryZone](ctx, "name", input.Name, id); err != nil {
		return err
	}
	return nil
}

func CreateDeliveryZone(ctx context.Context, input *NewDeliveryZone) (*DeliveryZone, error) {

	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	zone := DeliveryZone{
		Name:     input.Name,
		IsActive: utils.NewTrue(),
	}

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&zone).Error; err != nil {
		return nil, err
	}
	return &zone, nil
}

func GetDeliveryZone(ctx context.Context, id int) (*DeliveryZone, error) {
	return utils.FetchSingleModel[DeliveryZone](ctx, id)
}

func GetDeliveryZoneByName(ctx context.Context, name string) (*DeliveryZone, error) {
	db := config.GetDB()
	var zone DeliveryZone
	if err := db.WithContext(ctx).Where("name = ?", name).First(&zone).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &zone, nil
}

func GetDeliveryZones(ctx context.Context) ([]*DeliveryZone, error) {
	db := config.GetDB()
	var results []*DeliveryZone
	if err := db.WithContext(ctx).Order("name").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func DeleteDeliveryZone(ctx context.Context, id int) (*DeliveryZone, error) {

	zone, err := utils.FetchSingleModel[DeliveryZone](ctx, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Where("zone_id = ?", id).Delete(&WorkerZone{}).Error; err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Delete(&zone).Error; err != nil {
		return nil, err
	}
	return zone, nil
}

func BindWorkerZone(ctx context.Context, userId int, zoneId int) (*WorkerZone, error) {

	worker, err := GetUser(ctx, userId)
	if err != nil {
		return nil, errors.New("worker not found")
	}
	if worker.Role != UserRoleMeasurer {
		return nil, errors.New("worker is not a measurer")
	}
	if err := utils.ValidateResourceId[DeliveryZone](ctx, zoneId); err != nil {
		return nil, errors.New("zone not found")
	}

	count, err := utils.ResourceCountWhere[WorkerZone](ctx, "user_id = ? AND zone_id = ?", userId, zoneId)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("worker already bound to this zone")
	}

	binding := WorkerZone{UserId: userId, ZoneId: zoneId}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&binding).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, errors.New("worker already bound to this zone")
		}
		return nil, err
	}
	return &binding, nil
}

func UnbindWorkerZone(ctx context.Context, userId int, zoneId int) error {
	db := config.GetDB()
	result := db.WithContext(ctx).
		Where("user_id = ? AND zone_id = ?", userId, zoneId).
		Delete(&WorkerZone{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

// MeasurersForZone returns all active measurers bound to the zone name,
// ordered by ascending user id so the first element is a stable tie-break.
func MeasurersForZone(ctx context.Context, zoneName string) ([]*User, error) {
	db := config.GetDB()
	var results []*User
	err := db.WithContext(ctx).
		Joins("JOIN worker_zones ON worker_zones.user_id = users.id").
		Joins("JOIN delivery_zones ON delivery_zones.id = worker_zones.zone_id").
		Where("delivery_zones.name = ? AND users.role = ? AND users.is_active = ?",
			zoneName, UserRoleMeasurer, true).
		Order("users.id").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func ZonesForWorker(ctx context.Context, userId int) ([]*DeliveryZone, error) {
	db := config.GetDB()
	var results []*DeliveryZone
	err := db.WithContext(ctx).
		Joins("JOIN worker_zones ON worker_zones.zone_id = delivery_zones.id").
		Where("worker_zones.user_id = ?", userId).
		Order("delivery_zones.name").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
