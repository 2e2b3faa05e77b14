package model

import "time"

// Action is the kind of an action log entry.
type Action string

const (
	ActionCreated              Action = "created"
	ActionLockUserCreated      Action = "lock_user_created"
	ActionError                Action = "error"
	ActionNotified             Action = "notified"
	ActionCancellationDetected Action = "cancellation_detected"
	ActionCancellationCleared  Action = "cancellation_cleared"
	ActionCancelled            Action = "cancelled"
	ActionDatesChanged         Action = "dates_changed"
	ActionExpired              Action = "expired"
	ActionRevoked              Action = "revoked"
	ActionFailed               Action = "failed"
	ActionAlertSent            Action = "alert_sent"
	ActionBatteryCheck         Action = "battery_check"
)

// Error stages recorded in the detail of ActionError entries.
const (
	StageProvision  = "provision"
	StageNotify     = "notify"
	StageCleanup    = "cleanup"
	StageCancel     = "cancel"
	StageDateChange = "date_change"
)

// ActionLog is an append-only record of something that happened to a
// reservation. ReservationID is nil for node-wide entries such as alerts.
type ActionLog struct {
	ID            int64     `gorm:"primaryKey"`
	ReservationID *int64    `gorm:"index"`
	Action        Action    `gorm:"size:32;not null;index"`
	Detail        string    `gorm:"type:text"`
	Timestamp     time.Time `gorm:"not null;index"`
}
