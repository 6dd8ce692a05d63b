package ledger

import (
	"context"
	"fmt"

	"lingzhi-trainer/model"

	"gorm.io/gorm"
)

// GormLedger 是基于gorm的持久化账本，每次写入在一个事务内完成校验和落库
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger 创建gorm账本，表结构由store.AutoMigrate创建
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func lastTurn(tx *gorm.DB, sessionID string) (*model.Turn, error) {
	var turns []model.Turn
	err := tx.Where("session_id = ?", sessionID).Order("turn_number DESC").Limit(1).Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询最近轮次失败: %w", err)
	}
	if len(turns) == 0 {
		return nil, nil
	}
	return &turns[0], nil
}

func (l *GormLedger) Append(ctx context.Context, turn model.Turn) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		last, err := lastTurn(tx, turn.SessionID)
		if err != nil {
			return err
		}
		if err := checkAppend(last, turn); err != nil {
			return err
		}
		turn.ID = 0
		if err := tx.Create(&turn).Error; err != nil {
			return fmt.Errorf("ledger: 写入轮次失败: %w", err)
		}
		return nil
	})
}

func (l *GormLedger) ReplaceOrAppend(ctx context.Context, turn model.Turn) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		last, err := lastTurn(tx, turn.SessionID)
		if err != nil {
			return err
		}
		replace, err := checkReplace(last, turn)
		if err != nil {
			return err
		}
		if !replace {
			turn.ID = 0
			if err := tx.Create(&turn).Error; err != nil {
				return fmt.Errorf("ledger: 写入轮次失败: %w", err)
			}
			return nil
		}
		err = tx.Model(&model.Turn{}).Where("id = ?", last.ID).Updates(map[string]interface{}{
			"content":   turn.Content,
			"is_error":  turn.IsError,
			"truncated": turn.Truncated,
			"final":     turn.Final,
		}).Error
		if err != nil {
			return fmt.Errorf("ledger: 更新轮次失败: %w", err)
		}
		return nil
	})
}

func (l *GormLedger) Snapshot(ctx context.Context, sessionID string) ([]model.Turn, error) {
	var turns []model.Turn
	err := l.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("turn_number ASC").Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: 读取轮次失败: %w", err)
	}
	return turns, nil
}

func (l *GormLedger) Load(ctx context.Context, sessionID string) ([]model.Turn, error) {
	return l.Snapshot(ctx, sessionID)
}

func (l *GormLedger) NextTurnNumber(ctx context.Context, sessionID string) (int, error) {
	last, err := lastTurn(l.db.WithContext(ctx), sessionID)
	if err != nil {
		return 0, err
	}
	if last == nil {
		return model.FirstTurnNumber, nil
	}
	return last.TurnNumber + 1, nil
}

func (l *GormLedger) Import(ctx context.Context, sessionID string, turns []model.Turn) error {
	if err := checkImport(sessionID, turns); err != nil {
		return err
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Turn{}).Where("session_id = ?", sessionID).Count(&count).Error; err != nil {
			return fmt.Errorf("ledger: 统计轮次失败: %w", err)
		}
		if count > 0 {
			return ErrNotEmpty
		}
		if len(turns) == 0 {
			return nil
		}
		rows := make([]model.Turn, len(turns))
		for i, t := range turns {
			t.ID = 0
			t.Final = true
			rows[i] = t
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("ledger: 导入历史失败: %w", err)
		}
		return nil
	})
}
