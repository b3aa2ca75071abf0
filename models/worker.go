package models

import (
	"context"
	"errors"
	"time"

	"github.com/oknaservice/dispatch_backend/config"
	"github.com/oknaservice/dispatch_backend/utils"
	"golang.org/x/crypto/bcrypt"
)

type User struct {
	ID           int       `gorm:"primary_key" json:"id"`
	Name         string    `gorm:"size:150;not null" json:"name" binding:"required"`
	Role         UserRole  `gorm:"size:20;not null;default:'measurer'" json:"role"`
	Phone        string    `gorm:"size:20" json:"phone"`
	ChatId       int64     `gorm:"index" json:"chat_id"`
	CrmUserId    int64     `json:"crm_user_id"`
	Username     *string   `gorm:"size:100;uniqueIndex" json:"username"`
	PasswordHash string    `gorm:"size:100" json:"-"`
	IsActive     *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	Name     string `json:"name" binding:"required"`
	Role     string `json:"role" binding:"required,oneof=admin supervisor manager measurer observer"`
	Phone     string `json:"phone"`
	ChatId    int64  `json:"chat_id"`
	CrmUserId int64  `json:"crm_user_id"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// usernameOrNil maps an empty username to NULL so the unique index only
// applies to workers that actually have an ops login.
func usernameOrNil(username string) *string {
	if username == "" {
		return nil
	}
	return &username
}

// validate input for both create & update. (id = 0 for create)

func (input *NewUser) validate(ctx context.Context, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[User](ctx, id); err != nil {
			return err
		}
	}
	if input.Username != "" {
		if err := utils.ValidateUnique[User](ctx, "username", input.Username, id); err != nil {
			return err
		}
	}
	return nil
}

func CreateUser(ctx context.Context, input *NewUser) (*User, error) {

	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	role, err := ParseUserRole(input.Role)
	if err != nil {
		return nil, err
	}

	user := User{
		Name:      input.Name,
		Role:      role,
		Phone:     utils.NormalizePhone(input.Phone),
		ChatId:    input.ChatId,
		CrmUserId: input.CrmUserId,
		Username:  usernameOrNil(input.Username),
		IsActive:  utils.NewTrue(),
	}
	if input.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		user.PasswordHash = string(hash)
	}

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}

	return &user, nil
}

func UpdateUser(ctx context.Context, id int, input *NewUser) (*User, error) {

	if err := input.validate(ctx, id); err != nil {
		return nil, err
	}

	role, err := ParseUserRole(input.Role)
	if err != nil {
		return nil, err
	}

	user, err := utils.FetchSingleModel[User](ctx, id)
	if err != nil {
		return nil, err
	}

	// db action
	db := config.GetDB()
	err = db.WithContext(ctx).Model(&user).Updates(map[string]interface{}{
		"Name":      input.Name,
		"Role":      role,
		"Phone":     utils.NormalizePhone(input.Phone),
		"ChatId":    input.ChatId,
		"CrmUserId": input.CrmUserId,
		"Username":  usernameOrNil(input.Username),
	}).Error
	if err != nil {
		return nil, err
	}
	return user, nil
}

func GetUser(ctx context.Context, id int) (*User, error) {
	return utils.FetchSingleModel[User](ctx, id)
}

func GetUserByUsername(ctx context.Context, username string) (*User, error) {
	db := config.GetDB()
	var user User
	if err := db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &user, nil
}

func GetUserByChatId(ctx context.Context, chatId int64) (*User, error) {
	db := config.GetDB()
	var user User
	if err := db.WithContext(ctx).Where("chat_id = ?", chatId).First(&user).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &user, nil
}

func GetUsers(ctx context.Context, role *string) ([]*User, error) {
	db := config.GetDB()
	var results []*User

	dbCtx := db.WithContext(ctx)
	if role != nil && *role != "" {
		dbCtx = dbCtx.Where("role = ?", *role)
	}
	if err := dbCtx.Order("id").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// Workers are deactivated, never deleted, while measurements reference them.
func ToggleActiveUser(ctx context.Context, id int, isActive bool) (*User, error) {

	user, err := utils.FetchSingleModel[User](ctx, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Model(&user).UpdateColumn("IsActive", isActive).Error
	if err != nil {
		return nil, err
	}
	return user, nil
}

func CheckUserPassword(user *User, password string) error {
	if user.PasswordHash == "" {
		return errors.New("password login not enabled for this user")
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
}

// ActiveMeasurers returns all active workers with the measurer role,
// ordered by ascending id. The ordering is load-bearing: zone tie-breaks
// and the round-robin rotation both depend on it.
func ActiveMeasurers(ctx context.Context) ([]*User, error) {
	db := config.GetDB()
	var results []*User
	err := db.WithContext(ctx).
		Where("role = ? AND is_active = ?", UserRoleMeasurer, true).
		Order("id").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
