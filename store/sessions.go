package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lingzhi-trainer/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound 会话不存在
var ErrNotFound = errors.New("store: 会话不存在")

// SessionRepo 是本地会话索引，用于查找活跃会话和空闲清理
type SessionRepo struct {
	db *gorm.DB
}

// NewSessionRepo 创建会话仓库
func NewSessionRepo(db *gorm.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Save 插入或覆盖会话
func (r *SessionRepo) Save(ctx context.Context, s model.Session) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&s).Error
	if err != nil {
		return fmt.Errorf("store: 保存会话%s失败: %w", s.ID, err)
	}
	return nil
}

// Get 按ID读取会话
func (r *SessionRepo) Get(ctx context.Context, id string) (model.Session, error) {
	var s model.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("store: 读取会话%s失败: %w", id, err)
	}
	return s, nil
}

// FindOpen 查找三元组下尚未结束（pending或active）的会话，active在前，同状态按开始时间从新到旧排列
func (r *SessionRepo) FindOpen(ctx context.Context, userID, scenarioID string, mode model.Mode) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND scenario_id = ? AND mode = ? AND status IN ?", userID, scenarioID, mode,
			[]model.Status{model.StatusPending, model.StatusActive}).
		Order("status ASC"). // active 排在 pending 之前
		Order("started_at DESC").Order("created_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("store: 查询未结束会话失败: %w", err)
	}
	return sessions, nil
}

// ListIdle 返回在before之前就没有更新过的活跃会话
func (r *SessionRepo) ListIdle(ctx context.Context, before time.Time) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.StatusActive, before).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("store: 查询空闲会话失败: %w", err)
	}
	return sessions, nil
}

// Touch 刷新会话的更新时间
func (r *SessionRepo) Touch(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&model.Session{}).Where("id = ?", id).UpdateColumn("updated_at", at).Error
	if err != nil {
		return fmt.Errorf("store: 刷新会话%s失败: %w", id, err)
	}
	return nil
}
