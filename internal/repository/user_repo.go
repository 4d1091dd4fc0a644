package repository

import (
	"context"
	"errors"
	"time"

	"pointsystem/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound = errors.New("用户不存在")
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, tx *gorm.DB, user *model.User) error {
	if tx == nil {
		tx = r.db
	}
	if user.SubscriptionType == "" {
		user.SubscriptionType = model.SubscriptionFree
	}
	user.TotalPoints = user.Pools().Total()
	return tx.WithContext(ctx).Create(user).Error
}

func (r *UserRepository) GetBySID(ctx context.Context, tx *gorm.DB, sid string) (*model.User, error) {
	if tx == nil {
		tx = r.db
	}
	var user model.User
	err := tx.WithContext(ctx).Where("sid = ?", sid).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, tx *gorm.DB, email string) (*model.User, error) {
	if tx == nil {
		tx = r.db
	}
	var user model.User
	err := tx.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetBySIDForUpdate 行锁读取，必须在事务内调用
func (r *UserRepository) GetBySIDForUpdate(ctx context.Context, tx *gorm.DB, sid string) (*model.User, error) {
	var user model.User
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("sid = ?", sid).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// UpdateSubscription 更新订阅类型和订阅周期，start/end 为 nil 时清空
func (r *UserRepository) UpdateSubscription(ctx context.Context, tx *gorm.DB, sid, subscriptionType string, start, end *time.Time) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("sid = ?", sid).
		Updates(map[string]interface{}{
			"subscription_type":        subscriptionType,
			"subscriptions_start_date": start,
			"subscriptions_end_date":   end,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
