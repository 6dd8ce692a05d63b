package ledger

import (
	"context"
	"sync"
	"time"

	"lingzhi-trainer/model"
)

// MemoryLedger 是基于内存的账本
type MemoryLedger struct {
	mu    sync.RWMutex
	turns map[string][]model.Turn
	now   func() time.Time
}

// NewMemoryLedger 创建内存账本
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		turns: make(map[string][]model.Turn),
		now:   time.Now,
	}
}

func (l *MemoryLedger) last(sessionID string) *model.Turn {
	turns := l.turns[sessionID]
	if len(turns) == 0 {
		return nil
	}
	return &turns[len(turns)-1]
}

func (l *MemoryLedger) stamp(turn *model.Turn) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = l.now()
	}
}

func (l *MemoryLedger) Append(_ context.Context, turn model.Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := checkAppend(l.last(turn.SessionID), turn); err != nil {
		return err
	}
	l.stamp(&turn)
	l.turns[turn.SessionID] = append(l.turns[turn.SessionID], turn)
	return nil
}

func (l *MemoryLedger) ReplaceOrAppend(_ context.Context, turn model.Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	last := l.last(turn.SessionID)
	replace, err := checkReplace(last, turn)
	if err != nil {
		return err
	}
	if replace {
		turn.CreatedAt = last.CreatedAt
		*last = turn
		return nil
	}
	l.stamp(&turn)
	l.turns[turn.SessionID] = append(l.turns[turn.SessionID], turn)
	return nil
}

func (l *MemoryLedger) Snapshot(_ context.Context, sessionID string) ([]model.Turn, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	turns := l.turns[sessionID]
	out := make([]model.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (l *MemoryLedger) Load(ctx context.Context, sessionID string) ([]model.Turn, error) {
	return l.Snapshot(ctx, sessionID)
}

func (l *MemoryLedger) NextTurnNumber(_ context.Context, sessionID string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if last := l.last(sessionID); last != nil {
		return last.TurnNumber + 1, nil
	}
	return model.FirstTurnNumber, nil
}

func (l *MemoryLedger) Import(_ context.Context, sessionID string, turns []model.Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.turns[sessionID]) > 0 {
		return ErrNotEmpty
	}
	if err := checkImport(sessionID, turns); err != nil {
		return err
	}
	out := make([]model.Turn, len(turns))
	for i, t := range turns {
		t.Final = true
		l.stamp(&t)
		out[i] = t
	}
	l.turns[sessionID] = out
	return nil
}
