package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/oknaservice/dispatch_backend/config"
	"github.com/oknaservice/dispatch_backend/utils"
)

// InviteLink is a single-use registration token handed to a new staff member.
// Whoever presents the token becomes a user with the prepared role.
type InviteLink struct {
	ID        int        `gorm:"primary_key" json:"id"`
	Token     string     `gorm:"size:36;not null;uniqueIndex" json:"token"`
	Role      UserRole   `gorm:"size:20;not null" json:"role"`
	Name      string     `gorm:"size:150" json:"name"`
	CreatedBy int        `gorm:"not null" json:"created_by"`
	UsedBy    *int       `json:"used_by"`
	UsedAt    *time.Time `json:"used_at"`
	ExpiresAt time.Time  `gorm:"not null" json:"expires_at"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

var ErrInviteInvalid = errors.New("invite link is invalid or expired")

const inviteValidity = 72 * time.Hour

func CreateInviteLink(ctx context.Context, role string, name string, createdBy int) (*InviteLink, error) {

	parsedRole, err := ParseUserRole(role)
	if err != nil {
		return nil, err
	}

	invite := InviteLink{
		Token:     uuid.NewString(),
		Role:      parsedRole,
		Name:      name,
		CreatedBy: createdBy,
		ExpiresAt: time.Now().Add(inviteValidity),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&invite).Error; err != nil {
		return nil, err
	}
	return &invite, nil
}

// RedeemInviteLink consumes the token and creates the user. A token that is
// unknown, expired or already used is rejected with ErrInviteInvalid.
func RedeemInviteLink(ctx context.Context, token string, chatId int64, displayName string) (*User, error) {

	db := config.GetDB()
	var invite InviteLink
	if err := db.WithContext(ctx).Where("token = ?", token).First(&invite).Error; err != nil {
		return nil, ErrInviteInvalid
	}
	if invite.UsedBy != nil || time.Now().After(invite.ExpiresAt) {
		return nil, ErrInviteInvalid
	}

	name := invite.Name
	if name == "" {
		name = displayName
	}

	user := User{
		Name:     name,
		Role:     invite.Role,
		ChatId:   chatId,
		IsActive: utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}

	now := time.Now()
	err := db.WithContext(ctx).Model(&invite).Updates(map[string]interface{}{
		"UsedBy": user.ID,
		"UsedAt": now,
	}).Error
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// RevokeInviteLink deletes an unused token. A token that was already
// redeemed stays on record for audit.
func RevokeInviteLink(ctx context.Context, id int) error {

	invite, err := utils.FetchSingleModel[InviteLink](ctx, id)
	if err != nil {
		return err
	}
	if invite.UsedBy != nil {
		return errors.New("invite link has already been redeemed")
	}

	db := config.GetDB()
	return db.WithContext(ctx).Delete(invite).Error
}

func GetInviteLinks(ctx context.Context) ([]*InviteLink, error) {
	db := config.GetDB()
	var results []*InviteLink
	if err := db.WithContext(ctx).Order("created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
