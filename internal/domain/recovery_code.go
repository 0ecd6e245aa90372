package domain

import (
	"time"
)

// RecoveryCode is one single-use backup code for the second factor.
type RecoveryCode struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	CodeHash  string     `json:"-"`
	CodeIndex int        `json:"code_index"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (rc *RecoveryCode) IsUsed() bool {
	return rc.UsedAt != nil
}
