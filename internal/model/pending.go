package model

import "time"

// PendingDelivery is a frame addressed to a user who was offline when it was
// produced. A background flusher replays these when the recipient connects.
type PendingDelivery struct {
	ID          int64  `json:"id" gorm:"primaryKey"`
	RecipientID string `json:"recipient_id" gorm:"size:64;index"`
	Frame       string `json:"frame" gorm:"type:text"`
	Status      int    `json:"status" gorm:"index"`
	RetryCount  int    `json:"retry_count" gorm:"default:0"`
	TraceID     string `json:"trace_id" gorm:"size:64;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	StatusPending   = 0
	StatusCompleted = 1
	StatusFailed    = 2
)
