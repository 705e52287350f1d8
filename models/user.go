package models

import (
	"context"
	"errors"
	"time"

	"github.com/sprayworks/foam_backend/config"
	"github.com/sprayworks/foam_backend/utils"
	"gorm.io/gorm"
)

// User is an admin principal. Accounts and session tokens are issued by the
// auth service; this backend only maps a session's username to its organization.
type User struct {
	ID             int       `gorm:"primary_key" json:"id"`
	OrganizationId string    `gorm:"index;size:36;not null" json:"organization_id"`
	Username       string    `gorm:"size:100;not null;unique" json:"username"`
	Name           string    `gorm:"size:100;not null" json:"name"`
	IsActive       *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

/*
caches:
	User:$username
*/

const userCacheTTL = 10 * time.Minute

func (user User) RemoveInstanceRedis(ctx context.Context) error {
	return config.RemoveRedisKey(ctx, "User:"+user.Username)
}

// GetUserByUsername reads through the redis cache.
func GetUserByUsername(ctx context.Context, db *gorm.DB, username string) (*User, error) {
	var user User
	exists, err := config.GetRedisObject(ctx, "User:"+username, &user)
	if err != nil {
		return nil, err
	}
	if exists {
		return &user, nil
	}
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := db.WithContext(ctx).Where("username = ?", username).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorUnauthorized
		}
		return nil, err
	}
	if err := config.SetRedisObject(ctx, "User:"+username, user, userCacheTTL); err != nil {
		config.GetLogger().WithField("field", "GetUserByUsername").Warn("cache user: " + err.Error())
	}
	return &user, nil
}
