package model

import "time"

// HintLifetime 是教练提示的显示时长
const HintLifetime = 8 * time.Second

// CoachHint 是一条临时的教练提示，只存在于内存中
type CoachHint struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
