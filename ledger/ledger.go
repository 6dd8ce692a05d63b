// Package ledger 保存会话轮次的有序记录，是页面刷新或断线后恢复界面的依据。
//
// 写入只允许追加新轮次或替换最近一条尚未定稿的轮次，已定稿的轮次不可修改。
package ledger

import (
	"context"
	"errors"
	"fmt"

	"lingzhi-trainer/model"
)

var (
	// ErrOutOfOrder 轮次编号不是上一条加一
	ErrOutOfOrder = errors.New("ledger: 轮次编号不连续")
	// ErrInFlight 最近一条轮次尚未定稿，不能追加新轮次
	ErrInFlight = errors.New("ledger: 存在未定稿的轮次")
	// ErrFinalized 目标轮次已经定稿
	ErrFinalized = errors.New("ledger: 轮次已定稿")
	// ErrTruncated 目标轮次已被截断，不再接受写入
	ErrTruncated = errors.New("ledger: 轮次已截断")
	// ErrNotEmpty 导入历史时账本非空
	ErrNotEmpty = errors.New("ledger: 账本非空")
)

// Ledger 是轮次账本
type Ledger interface {
	// Append 追加一条新轮次，编号必须是上一条加一
	Append(ctx context.Context, turn model.Turn) error
	// ReplaceOrAppend 替换最近一条未定稿轮次的内容，或追加下一条轮次
	ReplaceOrAppend(ctx context.Context, turn model.Turn) error
	// Snapshot 按编号升序返回会话的全部轮次
	Snapshot(ctx context.Context, sessionID string) ([]model.Turn, error)
	// Load 恢复会话时读取完整账本
	Load(ctx context.Context, sessionID string) ([]model.Turn, error)
	// NextTurnNumber 返回下一条轮次应使用的编号
	NextTurnNumber(ctx context.Context, sessionID string) (int, error)
	// Import 用后端历史填充一个空账本
	Import(ctx context.Context, sessionID string, turns []model.Turn) error
}

// checkAppend 校验追加，last为nil表示账本为空
func checkAppend(last *model.Turn, turn model.Turn) error {
	want := model.FirstTurnNumber
	if last != nil {
		if !last.Final {
			return fmt.Errorf("%w: 第%d轮", ErrInFlight, last.TurnNumber)
		}
		want = last.TurnNumber + 1
	}
	if turn.TurnNumber != want {
		return fmt.Errorf("%w: 期望%d，实际%d", ErrOutOfOrder, want, turn.TurnNumber)
	}
	return nil
}

// checkReplace 校验替换或追加，返回true表示替换最近一条
func checkReplace(last *model.Turn, turn model.Turn) (bool, error) {
	if last != nil && last.TurnNumber == turn.TurnNumber {
		switch {
		case last.Truncated:
			return false, fmt.Errorf("%w: 第%d轮", ErrTruncated, last.TurnNumber)
		case last.Final:
			return false, fmt.Errorf("%w: 第%d轮", ErrFinalized, last.TurnNumber)
		case last.Role != turn.Role:
			return false, fmt.Errorf("ledger: 第%d轮角色不一致: %s != %s", turn.TurnNumber, last.Role, turn.Role)
		}
		return true, nil
	}
	return false, checkAppend(last, turn)
}

// checkImport 校验导入的历史编号从起点开始且连续
func checkImport(sessionID string, turns []model.Turn) error {
	for i, t := range turns {
		if t.SessionID != sessionID {
			return fmt.Errorf("ledger: 第%d轮属于会话%s", t.TurnNumber, t.SessionID)
		}
		if t.TurnNumber != model.FirstTurnNumber+i {
			return fmt.Errorf("%w: 期望%d，实际%d", ErrOutOfOrder, model.FirstTurnNumber+i, t.TurnNumber)
		}
	}
	return nil
}
