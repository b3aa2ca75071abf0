package models

import (
	"context"
	"errors"
	"time"

	"github.com/oknaservice/dispatch_backend/config"
	"github.com/oknaservice/dispatch_backend/utils"
)

// DealerName is a normalized company label as it appears in the CRM.
// Values are stored trimmed and lower-cased so lookups are insensitive
// to operator typing.
type DealerName struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:200;not null;uniqueIndex" json:"name" binding:"required"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// DealerNameAssignment binds a dealer name to exactly one worker.
// The unique index on dealer_name_id enforces the one-worker rule.
type DealerNameAssignment struct {
	ID           int       `gorm:"primary_key" json:"id"`
	DealerNameId int       `gorm:"not null;uniqueIndex" json:"dealer_name_id"`
	UserId       int       `gorm:"not null" json:"user_id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

var ErrDealerNameTaken = errors.New("dealer name already in use")

func CreateDealerName(ctx context.Context, name string) (*DealerName, error) {

	normalized := utils.NormalizeLabel(name)
	if normalized == "" {
		return nil, errors.New("dealer name is required")
	}
	if err := utils.ValidateUnique[DealerName](ctx, "name", normalized, 0); err != nil {
		return nil, err
	}

	dealerName := DealerName{Name: normalized}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&dealerName).Error; err != nil {
		return nil, err
	}
	return &dealerName, nil
}

func GetDealerNames(ctx context.Context) ([]*DealerName, error) {
	db := config.GetDB()
	var results []*DealerName
	if err := db.WithContext(ctx).Order("name").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func DeleteDealerName(ctx context.Context, id int) (*DealerName, error) {

	dealerName, err := utils.FetchSingleModel[DealerName](ctx, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Where("dealer_name_id = ?", id).Delete(&DealerNameAssignment{}).Error; err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Delete(&dealerName).Error; err != nil {
		return nil, err
	}
	return dealerName, nil
}

// BindDealerName attaches a dealer name to a worker. A name already bound to
// any worker is rejected with ErrDealerNameTaken; rebinding requires an
// explicit UnbindDealerName first.
func BindDealerName(ctx context.Context, dealerNameId int, userId int) (*DealerNameAssignment, error) {

	if err := utils.ValidateResourceId[DealerName](ctx, dealerNameId); err != nil {
		return nil, errors.New("dealer name not found")
	}
	worker, err := GetUser(ctx, userId)
	if err != nil {
		return nil, errors.New("worker not found")
	}
	if worker.Role != UserRoleMeasurer {
		return nil, errors.New("worker is not a measurer")
	}

	count, err := utils.ResourceCountWhere[DealerNameAssignment](ctx, "dealer_name_id = ?", dealerNameId)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrDealerNameTaken
	}

	assignment := DealerNameAssignment{DealerNameId: dealerNameId, UserId: userId}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&assignment).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, ErrDealerNameTaken
		}
		return nil, err
	}
	return &assignment, nil
}

func UnbindDealerName(ctx context.Context, dealerNameId int) error {
	db := config.GetDB()
	result := db.WithContext(ctx).
		Where("dealer_name_id = ?", dealerNameId).
		Delete(&DealerNameAssignment{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

// MeasurerForDealerName looks up the active measurer bound to the normalized
// dealer label. Returns ErrorRecordNotFound when no binding exists or the
// bound worker is inactive or no longer a measurer.
func MeasurerForDealerName(ctx context.Context, rawName string) (*User, error) {

	normalized := utils.NormalizeLabel(rawName)
	if normalized == "" {
		return nil, utils.ErrorRecordNotFound
	}

	db := config.GetDB()
	var user User
	err := db.WithContext(ctx).
		Joins("JOIN dealer_name_assignments ON dealer_name_assignments.user_id = users.id").
		Joins("JOIN dealer_names ON dealer_names.id = dealer_name_assignments.dealer_name_id").
		Where("dealer_names.name = ? AND users.role = ? AND users.is_active = ?",
			normalized, UserRoleMeasurer, true).
		First(&user).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &user, nil
}

func DealerNamesForWorker(ctx context.Context, userId int) ([]*DealerName, error) {
	db := config.GetDB()
	var results []*DealerName
	err := db.WithContext(ctx).
		Joins("JOIN dealer_name_assignments ON dealer_name_assignments.dealer_name_id = dealer_names.id").
		Where("dealer_name_assignments.user_id = ?", userId).
		Order("dealer_names.name").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
